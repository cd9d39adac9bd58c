package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/structs"
)

func newManager(t *testing.T, now time.Time) *Manager {
	t.Helper()
	store, err := state.New(clock.NewJobIDAllocator(1, 0))
	require.NoError(t, err)
	m := New(store, lockdomain.NewDomain())
	m.now = func() time.Time { return now }
	return m
}

func reservationCreateReq(name string, start, end time.Time, nodes ...string) *structs.ReservationCreateRequest {
	return &structs.ReservationCreateRequest{
		Reservation: &structs.Reservation{
			Name:      name,
			Nodes:     nodes,
			StartTime: start,
			EndTime:   end,
		},
	}
}

func TestCreate_RejectsInvertedWindow(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	req := reservationCreateReq("r1", now.Add(time.Hour), now, "node-1")
	err := m.Create(req)
	require.ErrorIs(t, err, structs.ErrReservationWindowInvalid)
}

func TestCreate_RejectsPastStartUnlessMaint(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	req := reservationCreateReq("r1", now.Add(-time.Hour), now.Add(time.Hour), "node-1")
	err := m.Create(req)
	require.ErrorIs(t, err, structs.ErrReservationInPast)

	req.Reservation.Flags = structs.ReservationFlagMaint
	require.NoError(t, m.Create(req))
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	req := reservationCreateReq("r1", now.Add(time.Hour), now.Add(2*time.Hour), "node-1")
	require.NoError(t, m.Create(req))

	dup := reservationCreateReq("r1", now.Add(3*time.Hour), now.Add(4*time.Hour), "node-2")
	err := m.Create(dup)
	require.ErrorIs(t, err, structs.ErrDuplicateJobID)
}

func TestCreate_RejectsOverlapWithIntersectingUsers(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	first := reservationCreateReq("r1", now.Add(time.Hour), now.Add(3*time.Hour), "node-1")
	first.Reservation.Users = []string{"alice", "bob"}
	require.NoError(t, m.Create(first))

	second := reservationCreateReq("r2", now.Add(2*time.Hour), now.Add(4*time.Hour), "node-1")
	second.Reservation.Users = []string{"bob", "carol"}
	err := m.Create(second)
	require.ErrorIs(t, err, structs.ErrReservationOverlap)
}

func TestCreate_AllowsOverlapWithDisjointUsers(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	first := reservationCreateReq("r1", now.Add(time.Hour), now.Add(3*time.Hour), "node-1")
	first.Reservation.Users = []string{"alice"}
	require.NoError(t, m.Create(first))

	second := reservationCreateReq("r2", now.Add(2*time.Hour), now.Add(4*time.Hour), "node-1")
	second.Reservation.Users = []string{"bob"}
	require.NoError(t, m.Create(second))
}

func TestUpdate_RequiresExistingReservation(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	req := &structs.ReservationUpdateRequest{Reservation: &structs.Reservation{
		Name: "missing", StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour),
	}}
	err := m.Update(req)
	require.ErrorIs(t, err, structs.ErrInvalidJobID)
}

func TestUpdate_RejectsNoOpAsNoChangeInData(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	req := reservationCreateReq("r1", now.Add(time.Hour), now.Add(2*time.Hour), "node-1")
	req.Reservation.Users = []string{"alice"}
	require.NoError(t, m.Create(req))

	same := &structs.ReservationUpdateRequest{Reservation: &structs.Reservation{
		Name:      "r1",
		Nodes:     []string{"node-1"},
		StartTime: req.Reservation.StartTime,
		EndTime:   req.Reservation.EndTime,
		Users:     []string{"alice"},
	}}
	err := m.Update(same)
	require.ErrorIs(t, err, structs.ErrNoChangeInData)
}

func TestUpdate_AppliesActualChange(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	require.NoError(t, m.Create(reservationCreateReq("r1", now.Add(time.Hour), now.Add(2*time.Hour), "node-1")))

	changed := &structs.ReservationUpdateRequest{Reservation: &structs.Reservation{
		Name:      "r1",
		Nodes:     []string{"node-1", "node-2"},
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(2 * time.Hour),
	}}
	require.NoError(t, m.Update(changed))

	all, err := m.List("", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.ElementsMatch(t, []string{"node-1", "node-2"}, all[0].Nodes)
}

func TestDeleteThenList(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	require.NoError(t, m.Create(reservationCreateReq("r1", now.Add(time.Hour), now.Add(2*time.Hour), "node-1")))
	require.NoError(t, m.Create(reservationCreateReq("r2", now.Add(time.Hour), now.Add(2*time.Hour), "node-2")))

	all, err := m.List("", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, m.Delete(&structs.ReservationDeleteRequest{Name: "r1"}))

	remaining, err := m.List("", "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "r2", remaining[0].Name)
}

func TestList_FiltersByNodeAndUser(t *testing.T) {
	now := time.Now()
	m := newManager(t, now)

	withUser := reservationCreateReq("r1", now.Add(time.Hour), now.Add(2*time.Hour), "node-1")
	withUser.Reservation.Users = []string{"alice"}
	require.NoError(t, m.Create(withUser))
	require.NoError(t, m.Create(reservationCreateReq("r2", now.Add(time.Hour), now.Add(2*time.Hour), "node-2")))
	otherUser := reservationCreateReq("r3", now.Add(time.Hour), now.Add(2*time.Hour), "node-3")
	otherUser.Reservation.Users = []string{"bob"}
	require.NoError(t, m.Create(otherUser))

	byNode, err := m.List("node-2", "")
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	require.Equal(t, "r2", byNode[0].Name)

	// r1 names alice and r2 has no user restriction; r3 is bob's only.
	byUser, err := m.List("", "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	require.ElementsMatch(t, []string{"r1", "r2"}, []string{byUser[0].Name, byUser[1].Name})
}
