package rpc

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/filipjs/ostrichctld/internal/config"
	"github.com/filipjs/ostrichctld/internal/structs"
	"github.com/filipjs/ostrichctld/internal/telemetry"
)

type fakeAuth struct {
	uid, gid uint32
	err      error
}

func (f fakeAuth) Verify(credential []byte) (uint32, uint32, error) { return f.uid, f.gid, f.err }
func (f fakeAuth) ErrorString(credential []byte) string             { return "" }

type fakeUIDs struct {
	names map[uint32]string
}

func (f fakeUIDs) Username(uid uint32) (string, error) {
	name, ok := f.names[uid]
	if !ok {
		return "", structs.ErrUserIDMissing
	}
	return name, nil
}

func newDispatcher(auth *fakeAuth, uids *fakeUIDs, cfg *config.Snapshot) *Dispatcher {
	return New(nil, config.NewHolder(cfg), auth, uids, nil, nil, nil, nil, nil, telemetry.New(), hclog.NewNullLogger())
}

func TestIdentity_NoAuthTrustsEveryoneAsSuperUser(t *testing.T) {
	d := New(nil, config.NewHolder(config.Default()), nil, nil, nil, nil, nil, nil, nil, telemetry.New(), hclog.NewNullLogger())
	uid, gid, role, err := d.identity(nil)
	require.NoError(t, err)
	require.Zero(t, uid)
	require.Zero(t, gid)
	require.Equal(t, RoleSuperUser, role)
}

func TestIdentity_ClassifiesAgainstCurrentSnapshot(t *testing.T) {
	auth := &fakeAuth{uid: 55, gid: 55}
	cfg := config.Default()
	cfg.Operators = []uint32{55}
	d := newDispatcher(auth, &fakeUIDs{}, cfg)

	uid, _, role, err := d.identity([]byte("token"))
	require.NoError(t, err)
	require.Equal(t, uint32(55), uid)
	require.Equal(t, RoleOperator, role)
}

func TestIdentity_VerifyFailureIsUserIDMissing(t *testing.T) {
	auth := &fakeAuth{err: require.AnError}
	d := newDispatcher(auth, &fakeUIDs{}, config.Default())

	_, _, _, err := d.identity([]byte("bad"))
	require.ErrorIs(t, err, structs.ErrUserIDMissing)
}

func TestRequireRole_RejectsBelowMinimum(t *testing.T) {
	require.NoError(t, requireRole(RoleSuperUser, RoleOperator))
	require.ErrorIs(t, requireRole(RoleUser, RoleOperator), structs.ErrAccessDenied)
}

func TestRequireOwnerOrOperator_OperatorBypassesOwnership(t *testing.T) {
	d := newDispatcher(&fakeAuth{}, &fakeUIDs{names: map[uint32]string{1: "alice"}}, config.Default())
	require.NoError(t, d.requireOwnerOrOperator(1, RoleOperator, "bob"))
}

func TestRequireOwnerOrOperator_OwnerMatchSucceeds(t *testing.T) {
	d := newDispatcher(&fakeAuth{}, &fakeUIDs{names: map[uint32]string{1: "alice"}}, config.Default())
	require.NoError(t, d.requireOwnerOrOperator(1, RoleUser, "alice"))
}

func TestRequireOwnerOrOperator_NonOwnerDenied(t *testing.T) {
	d := newDispatcher(&fakeAuth{}, &fakeUIDs{names: map[uint32]string{1: "alice"}}, config.Default())
	err := d.requireOwnerOrOperator(1, RoleUser, "bob")
	require.ErrorIs(t, err, structs.ErrAccessDenied)
}

func TestRequireOwnerOrOperator_UnresolvableUIDErrors(t *testing.T) {
	d := newDispatcher(&fakeAuth{}, &fakeUIDs{}, config.Default())
	err := d.requireOwnerOrOperator(999, RoleUser, "alice")
	require.ErrorIs(t, err, structs.ErrUserIDMissing)
}

func TestRecord_FeedsTelemetryTable(t *testing.T) {
	tel := telemetry.New()
	d := &Dispatcher{Telemetry: tel}
	d.record(msgPing, 7, time.Now().Add(-time.Millisecond))

	byType, _ := tel.Dump()
	require.Len(t, byType, 1)
	require.Equal(t, msgPing, byType[0].MsgType)
}
