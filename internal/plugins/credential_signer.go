package plugins

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/hashicorp/go-uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// verifyCacheSize bounds the number of recently-verified credentials kept
// around so a retried step-launch RPC (same job, same nonce) doesn't pay for
// a second ECDSA verify.
const verifyCacheSize = 4096

// JoseCredentialSigner mints/verifies credentials as compact JWS tokens,
// grounded on the teacher's own use of github.com/go-jose/go-jose/v3 for
// workload-identity-style signed tokens (teacher go.mod). RotateKey swaps
// the signer atomically with respect to new mints (spec.md §4.11).
type JoseCredentialSigner struct {
	mu     sync.RWMutex
	signer jose.Signer
	pub    *ecdsa.PublicKey

	verified *lru.Cache[string, string]
}

// NewJoseCredentialSigner generates a fresh ECDSA P-256 keypair and builds
// a signer over it. Use RotateKey to install an externally supplied key.
func NewJoseCredentialSigner() (*JoseCredentialSigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, string](verifyCacheSize)
	if err != nil {
		return nil, err
	}
	s := &JoseCredentialSigner{verified: cache}
	if err := s.installKey(priv); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JoseCredentialSigner) installKey(priv *ecdsa.PrivateKey) error {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: priv}, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signer
	s.pub = &priv.PublicKey
	if s.verified != nil {
		// Signatures minted under the old key no longer verify under pub.
		s.verified.Purge()
	}
	return nil
}

// RotateKey installs a new ECDSA private key, DER-encoded as PKCS8 or as a
// raw SEC1 EC private key, atomically with respect to in-flight Mint calls
// (spec.md §4.7 "signed with the controller's current private key
// (rotatable without restart)").
func (s *JoseCredentialSigner) RotateKey(privateKey []byte) error {
	var priv *ecdsa.PrivateKey
	if key, err := x509.ParsePKCS8PrivateKey(privateKey); err == nil {
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("rotate key: PKCS8 key is not an ECDSA key")
		}
		priv = ec
	} else if ec, ecErr := x509.ParseECPrivateKey(privateKey); ecErr == nil {
		priv = ec
	} else {
		return fmt.Errorf("rotate key: %w", err)
	}
	return s.installKey(priv)
}

func (s *JoseCredentialSigner) currentSigner() jose.Signer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signer
}

func (s *JoseCredentialSigner) currentPub() *ecdsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub
}

// Mint fills c.Nonce and c.Signature so that Verify(Mint(c)) == true for
// the unmutated credential, and signs over the canonical field subset
// (spec.md §8 property 5).
func (s *JoseCredentialSigner) Mint(c *structs.Credential) error {
	if c.Nonce == "" {
		nonce, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		c.Nonce = nonce
	}
	payload, err := json.Marshal(c.Canonical())
	if err != nil {
		return err
	}
	obj, err := s.currentSigner().Sign(payload)
	if err != nil {
		return err
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return err
	}
	c.Signature = []byte(compact)
	return nil
}

// Verify re-computes the signature over the canonical serialization and
// rejects any byte-mutated signed form (spec.md §6, §8 property 5).
func (s *JoseCredentialSigner) Verify(c *structs.Credential) error {
	if len(c.Signature) == 0 {
		return structs.ErrCredentialInvalid
	}
	if !c.Expiration.IsZero() && time.Now().After(c.Expiration) {
		return structs.ErrCredentialInvalid
	}
	want, err := json.Marshal(c.Canonical())
	if err != nil {
		return structs.ErrCredentialInvalid
	}

	cacheKey := string(c.Signature)
	if cached, ok := s.verified.Get(cacheKey); ok {
		if cached != string(want) {
			return structs.ErrCredentialInvalid
		}
		return nil
	}

	obj, err := jose.ParseSigned(string(c.Signature))
	if err != nil {
		return structs.ErrCredentialInvalid
	}
	payload, err := obj.Verify(s.currentPub())
	if err != nil {
		return structs.ErrCredentialInvalid
	}
	if string(payload) != string(want) {
		return structs.ErrCredentialInvalid
	}
	s.verified.Add(cacheKey, string(want))
	return nil
}
