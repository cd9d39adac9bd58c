// Package telemetry implements C12: the bounded RPC telemetry tables
// (spec.md §4.12). A single mutex protects two small linear-probed slot
// arrays (by request-type, capacity 100; by caller uid, capacity 200).
// When full and the key has no existing slot, the sample is silently
// dropped -- an explicit, accepted trade-off per spec.md §3/§4.12.
package telemetry

import (
	"sync"
	"time"
)

const (
	TypeTableCapacity = 100
	UserTableCapacity = 200
)

type typeSlot struct {
	used         bool
	msgType      uint16
	count        uint64
	cumulativeNS int64
}

type userSlot struct {
	used         bool
	uid          uint32
	count        uint64
	cumulativeNS int64
}

// Table is the two-map telemetry fabric described in spec.md §3/§4.12.
type Table struct {
	mu sync.Mutex

	byType [TypeTableCapacity]typeSlot
	byUser [UserTableCapacity]userSlot

	droppedType int64
	droppedUser int64
}

func New() *Table { return &Table{} }

// Record increments the matching slot for msgType and uid, adding latency.
// A handler invocation calls this exactly once, after responding
// (spec.md §4.5 "updates telemetry (C12)").
func (t *Table) Record(msgType uint16, uid uint32, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	recordTypeSlot(t.byType[:], msgType, latency, &t.droppedType)
	recordUserSlot(t.byUser[:], uid, latency, &t.droppedUser)
}

func recordTypeSlot(slots []typeSlot, key uint16, latency time.Duration, dropped *int64) {
	n := len(slots)
	home := int(key) % n
	for i := 0; i < n; i++ {
		idx := (home + i) % n
		s := &slots[idx]
		if s.used && s.msgType == key {
			s.count++
			s.cumulativeNS += latency.Nanoseconds()
			return
		}
		if !s.used {
			s.used = true
			s.msgType = key
			s.count = 1
			s.cumulativeNS = latency.Nanoseconds()
			return
		}
	}
	// Table is full and key has no slot: drop silently, per spec.md §3
	// ("this is explicit and acceptable"). We still track a drop counter
	// internally for operational visibility even though the spec does not
	// require exposing it on the wire.
	*dropped++
}

func recordUserSlot(slots []userSlot, key uint32, latency time.Duration, dropped *int64) {
	n := len(slots)
	home := int(key) % n
	for i := 0; i < n; i++ {
		idx := (home + i) % n
		s := &slots[idx]
		if s.used && s.uid == key {
			s.count++
			s.cumulativeNS += latency.Nanoseconds()
			return
		}
		if !s.used {
			s.used = true
			s.uid = key
			s.count = 1
			s.cumulativeNS = latency.Nanoseconds()
			return
		}
	}
	*dropped++
}

// ByType is one row of the type-keyed dump.
type ByType struct {
	MsgType      uint16
	Count        uint64
	CumulativeNS int64
}

// ByUser is one row of the uid-keyed dump.
type ByUser struct {
	UID          uint32
	Count        uint64
	CumulativeNS int64
}

// Dump serializes both tables (spec.md §4.12 "A dump RPC").
func (t *Table) Dump() ([]ByType, []ByUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var byType []ByType
	for _, s := range t.byType {
		if s.used {
			byType = append(byType, ByType{MsgType: s.msgType, Count: s.count, CumulativeNS: s.cumulativeNS})
		}
	}
	var byUser []ByUser
	for _, s := range t.byUser {
		if s.used {
			byUser = append(byUser, ByUser{UID: s.uid, Count: s.count, CumulativeNS: s.cumulativeNS})
		}
	}
	return byType, byUser
}

// Reset zeroes both tables (spec.md §4.12 "A reset RPC (super-user only)").
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType = [TypeTableCapacity]typeSlot{}
	t.byUser = [UserTableCapacity]userSlot{}
	t.droppedType = 0
	t.droppedUser = 0
}
