package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

// ReservationFlags are per-reservation behavior toggles (spec.md §4.10).
type ReservationFlags uint8

const (
	// ReservationFlagMaint allows a reservation whose window has already
	// started (or is in the past) to be created, for maintenance windows
	// backdated at creation time.
	ReservationFlagMaint ReservationFlags = 1 << iota
)

func (f ReservationFlags) Has(bit ReservationFlags) bool { return f&bit != 0 }

// Reservation is a named hold on a subset of nodes for a time window
// (spec.md §3 Reservation).
type Reservation struct {
	Name string

	Nodes []string

	StartTime time.Time
	EndTime   time.Time

	Users    []string // empty means unrestricted
	Accounts []string

	Flags ReservationFlags
}

// Active reports whether t falls within the reservation's window.
func (r *Reservation) Active(t time.Time) bool {
	return !t.Before(r.StartTime) && t.Before(r.EndTime)
}

// AllowsUser reports whether user/account may use this reservation's
// gated nodes.
func (r *Reservation) AllowsUser(user, account string) bool {
	if len(r.Users) == 0 && len(r.Accounts) == 0 {
		return true
	}
	return contains(r.Users, user) || contains(r.Accounts, account)
}

// overlapsNodes reports whether r and other share any node name.
func (r *Reservation) overlapsNodes(other *Reservation) bool {
	set := make(map[string]bool, len(r.Nodes))
	for _, n := range r.Nodes {
		set[n] = true
	}
	for _, n := range other.Nodes {
		if set[n] {
			return true
		}
	}
	return false
}

// overlapsTime reports whether r and other's time windows intersect.
func (r *Reservation) overlapsTime(other *Reservation) bool {
	return r.StartTime.Before(other.EndTime) && other.StartTime.Before(r.EndTime)
}

// userSetDisjointOrSubset reports whether r and other's user sets are
// disjoint, or one is a subset of the other (spec.md §4.10 invariant).
func (r *Reservation) userSetDisjointOrSubset(other *Reservation) bool {
	a := set.From(r.Users)
	b := set.From(other.Users)
	return a.Intersect(b).Size() == 0 || a.Subset(b) || b.Subset(a)
}

// Equal reports whether r and other describe the same reservation state,
// used to detect a no-op Update (spec.md §4.5 ErrNoChangeInData).
func (r *Reservation) Equal(other *Reservation) bool {
	if r.Name != other.Name ||
		!r.StartTime.Equal(other.StartTime) ||
		!r.EndTime.Equal(other.EndTime) ||
		r.Flags != other.Flags {
		return false
	}
	return sameStrings(r.Nodes, other.Nodes) &&
		sameStrings(r.Users, other.Users) &&
		sameStrings(r.Accounts, other.Accounts)
}

// sameStrings reports whether a and b hold the same strings, order
// independent.
func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

// ConflictsWith reports whether r may not coexist with other, applying the
// overlap invariant from spec.md §4.10: overlapping reservations on the
// same node are allowed only if their user sets are disjoint or one is a
// subset of the other.
func (r *Reservation) ConflictsWith(other *Reservation) bool {
	if r.Name == other.Name {
		return false
	}
	if !r.overlapsNodes(other) || !r.overlapsTime(other) {
		return false
	}
	return !r.userSetDisjointOrSubset(other)
}
