package plugins

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filipjs/ostrichctld/internal/structs"
)

func TestStaticAuth_VerifyResolvesRegisteredCredential(t *testing.T) {
	a := NewStaticAuth()
	a.Add("tok-1", "alice", 100, 200)

	uid, gid, err := a.Verify([]byte("tok-1"))
	require.NoError(t, err)
	require.Equal(t, uint32(100), uid)
	require.Equal(t, uint32(200), gid)

	name, err := a.Username(100)
	require.NoError(t, err)
	require.Equal(t, "alice", name)
}

func TestStaticAuth_VerifyUnknownCredentialErrors(t *testing.T) {
	a := NewStaticAuth()
	_, _, err := a.Verify([]byte("nope"))
	require.ErrorIs(t, err, structs.ErrUserIDMissing)
}

func TestStaticAuth_UsernameUnknownUIDErrors(t *testing.T) {
	a := NewStaticAuth()
	_, err := a.Username(999)
	require.ErrorIs(t, err, structs.ErrUserIDMissing)
}

func TestAgePriority_GrowsWithSubmitAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := AgePriority{Now: func() time.Time { return now }}

	older := &structs.Job{SubmitTime: now.Add(-time.Hour)}
	newer := &structs.Job{SubmitTime: now.Add(-time.Minute)}
	require.Greater(t, p.PriorityOf(older), p.PriorityOf(newer))
}

func TestAgePriority_NegativeAgeClampsToZero(t *testing.T) {
	now := time.Now()
	p := AgePriority{Now: func() time.Time { return now }}
	future := &structs.Job{SubmitTime: now.Add(time.Hour)}
	require.Zero(t, p.PriorityOf(future))
}

func TestIdentityTopology_ReturnsSubsetUnchanged(t *testing.T) {
	in := []string{"node-3", "node-1", "node-2"}
	out := IdentityTopology{}.OrderNodes(in)
	require.Equal(t, in, out)
}

func TestPassthroughSwitch_PackUnpackRoundTrips(t *testing.T) {
	var sw PassthroughSwitch
	packed, err := sw.Pack(structs.PluginData{Bytes: []byte("payload")})
	require.NoError(t, err)

	unpacked, err := sw.Unpack(packed)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), unpacked.Bytes)
}

func TestMemoryStateSave_RestoreAllReflectsLastSave(t *testing.T) {
	m := NewMemoryStateSave()
	jobs := []*structs.Job{{ID: 5}, {ID: 9}}
	require.NoError(t, m.SaveJobs(jobs))

	snap, err := m.RestoreAll()
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 2)
	require.Equal(t, uint32(10), snap.NextJobID)
}

func TestJoseCredentialSigner_MintThenVerifySucceeds(t *testing.T) {
	signer, err := NewJoseCredentialSigner()
	require.NoError(t, err)

	cred := &structs.Credential{JobID: 1, StepID: 0, UID: 100, NodeList: []string{"node-1"}}
	require.NoError(t, signer.Mint(cred))
	require.NotEmpty(t, cred.Signature)
	require.NoError(t, signer.Verify(cred))
}

func TestJoseCredentialSigner_VerifyRejectsTamperedField(t *testing.T) {
	signer, err := NewJoseCredentialSigner()
	require.NoError(t, err)

	cred := &structs.Credential{JobID: 1, NodeList: []string{"node-1"}}
	require.NoError(t, signer.Mint(cred))

	cred.JobID = 2
	err = signer.Verify(cred)
	require.ErrorIs(t, err, structs.ErrCredentialInvalid)
}

func TestJoseCredentialSigner_VerifyRejectsExpiredCredential(t *testing.T) {
	signer, err := NewJoseCredentialSigner()
	require.NoError(t, err)

	cred := &structs.Credential{JobID: 1, Expiration: time.Now().Add(-time.Minute)}
	require.NoError(t, signer.Mint(cred))

	err = signer.Verify(cred)
	require.ErrorIs(t, err, structs.ErrCredentialInvalid)
}

func TestJoseCredentialSigner_RotateKeyRejectsMalformedKey(t *testing.T) {
	signer, err := NewJoseCredentialSigner()
	require.NoError(t, err)

	err = signer.RotateKey([]byte("not valid json"))
	require.Error(t, err)

	// A failed rotation must not disturb the still-installed key.
	cred := &structs.Credential{JobID: 1}
	require.NoError(t, signer.Mint(cred))
	require.NoError(t, signer.Verify(cred))
}

func TestJoseCredentialSigner_SignaturesAreNotCrossVerifiable(t *testing.T) {
	signer, err := NewJoseCredentialSigner()
	require.NoError(t, err)
	other, err := NewJoseCredentialSigner()
	require.NoError(t, err)

	cred := &structs.Credential{JobID: 1}
	require.NoError(t, signer.Mint(cred))

	err = other.Verify(cred)
	require.ErrorIs(t, err, structs.ErrCredentialInvalid)
}
