// Package reservation implements C10: CRUD over named node/time holds and
// the overlap invariant that guards them (spec.md §4.10).
package reservation

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/structs"
)

type Manager struct {
	Store *state.Store
	Locks *lockdomain.Domain
	now   func() time.Time
}

func New(store *state.Store, locks *lockdomain.Domain) *Manager {
	return &Manager{Store: store, Locks: locks, now: time.Now}
}

// Create implements spec.md §4.10 create(desc).
func (m *Manager) Create(req *structs.ReservationCreateRequest) error {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Write))
	defer held.Release()

	r := req.Reservation
	if err := m.validateWindow(r); err != nil {
		return err
	}
	existing, err := m.Store.FindReservation(r.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return structs.ErrDuplicateJobID
	}
	if err := m.checkConflicts(r); err != nil {
		return err
	}
	return m.Store.UpsertReservation(r)
}

// Update implements spec.md §4.10 update(desc): the named reservation must
// already exist; the same invariants as Create apply to the new
// description.
func (m *Manager) Update(req *structs.ReservationUpdateRequest) error {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Write))
	defer held.Release()

	r := req.Reservation
	if err := m.validateWindow(r); err != nil {
		return err
	}
	existing, err := m.Store.FindReservation(r.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		return structs.ErrInvalidJobID
	}
	if existing.Equal(r) {
		return structs.ErrNoChangeInData
	}
	if err := m.checkConflicts(r); err != nil {
		return err
	}
	return m.Store.UpsertReservation(r)
}

// Delete implements spec.md §4.10 delete(name).
func (m *Manager) Delete(req *structs.ReservationDeleteRequest) error {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Write))
	defer held.Release()
	return m.Store.DeleteReservation(req.Name)
}

// List implements spec.md §4.10 list(filter): filter is a node or user
// name to narrow by, empty returns every reservation. A reservation with
// no user list passes any user filter.
func (m *Manager) List(filterNode, filterUser string) ([]*structs.Reservation, error) {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Read))
	defer held.Release()

	all, err := m.Store.Reservations()
	if err != nil {
		return nil, err
	}
	if filterNode == "" && filterUser == "" {
		return all, nil
	}
	var out []*structs.Reservation
	for _, r := range all {
		if filterNode != "" && !containsName(r.Nodes, filterNode) {
			continue
		}
		if filterUser != "" && len(r.Users) > 0 && !containsName(r.Users, filterUser) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func containsName(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// validateWindow enforces spec.md §4.10: start_time < end_time; a
// reservation in the past is rejected unless the Maint flag is set.
func (m *Manager) validateWindow(r *structs.Reservation) error {
	if !r.StartTime.Before(r.EndTime) {
		return structs.ErrReservationWindowInvalid
	}
	if r.StartTime.Before(m.now()) && !r.Flags.Has(structs.ReservationFlagMaint) {
		return structs.ErrReservationInPast
	}
	return nil
}

// checkConflicts enforces spec.md §4.10's overlap invariant against every
// other existing reservation: overlapping reservations on the same node
// are allowed only if their user sets are disjoint or one is a subset of
// the other.
func (m *Manager) checkConflicts(r *structs.Reservation) error {
	others, err := m.Store.Reservations()
	if err != nil {
		return err
	}
	for _, other := range others {
		if r.ConflictsWith(other) {
			return structs.ErrReservationOverlap
		}
	}
	return nil
}
