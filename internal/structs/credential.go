package structs

import "time"

// Credential is an opaque token minted by the controller, bound to a job
// and (optionally) a step, and signed with the controller's private key
// (spec.md §3 Credential, §6 "Credential wire form").
type Credential struct {
	JobID  uint32
	StepID uint32 // BatchScriptStepID for a batch credential

	UID uint32

	NodeList []string

	// CoreBitmap is per-node core allocation, indexed in lockstep with
	// NodeList.
	CoreBitmap []*NodeBitmap

	JobCoreSpec int
	MemoryLimit int // MB

	CoresPerSocket  []int
	SocketsPerNode  []int
	SockCoreRepCount []int

	GRES map[string][]string

	Expiration time.Time

	// Nonce is a per-mint random value (jti-equivalent) ensuring two
	// credentials minted for the same logical arg never collide, even if
	// minted within the same clock tick.
	Nonce string

	// Signature is populated by the signer on Mint and checked on Verify;
	// it is not part of the canonical serialization it signs over.
	Signature []byte
}

// CanonicalFields returns the fields covered by the credential signature,
// in the stable order the signer serializes them (spec.md §6: "Verification
// re-computes the signature over the canonical serialization").
type CanonicalFields struct {
	JobID       uint32
	StepID      uint32
	UID         uint32
	NodeList    []string
	MemoryLimit int
	Expiration  int64 // unix nanos
	Nonce       string
}

func (c *Credential) Canonical() CanonicalFields {
	return CanonicalFields{
		JobID:       c.JobID,
		StepID:      c.StepID,
		UID:         c.UID,
		NodeList:    append([]string(nil), c.NodeList...),
		MemoryLimit: c.MemoryLimit,
		Expiration:  c.Expiration.UnixNano(),
		Nonce:       c.Nonce,
	}
}
