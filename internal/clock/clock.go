// Package clock implements C1: monotonic time and id allocation
// (spec.md §4.1). Ids are persisted across restarts by the caller via the
// state-save collaborator (internal/plugins); this package only owns the
// in-memory allocation policy.
package clock

import (
	"sync"
	"time"
)

// Clock provides the controller's notion of wall time. It is a thin
// wrapper rather than a bare time.Now() call so tests can substitute a
// deterministic source.
type Clock struct {
	now func() time.Time
}

func New() *Clock { return &Clock{now: time.Now} }

// NewWithFunc builds a Clock backed by a custom time source, for tests.
func NewWithFunc(now func() time.Time) *Clock { return &Clock{now: now} }

func (c *Clock) Now() time.Time { return c.now() }

// JobIDAllocator hands out monotonically increasing job ids, wrapping at a
// configured maximum with a gap search for a free id (spec.md §4.1).
type JobIDAllocator struct {
	mu      sync.Mutex
	next    uint32
	max     uint32
	taken   map[uint32]bool
}

// NewJobIDAllocator builds an allocator that issues ids in [1, max], with
// start as the first value it will try (used to resume after a restart
// once ids are recovered from state-save).
func NewJobIDAllocator(start, max uint32) *JobIDAllocator {
	if max == 0 {
		max = 1<<32 - 1
	}
	if start == 0 {
		start = 1
	}
	return &JobIDAllocator{next: start, max: max, taken: make(map[uint32]bool)}
}

// Reserve marks an id as taken without allocating it, used when restoring
// state-save snapshots at startup.
func (a *JobIDAllocator) Reserve(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taken[id] = true
}

// Release marks an id as free again once its record is destroyed
// (spec.md §4.1: "ids are never reused while a record with that id still
// exists").
func (a *JobIDAllocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.taken, id)
}

// Alloc returns the next free job id, wrapping and gap-searching as
// needed. It returns (0, false) only if the entire id space is exhausted.
func (a *JobIDAllocator) Alloc() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	id := start
	for {
		if !a.taken[id] {
			a.taken[id] = true
			a.next = id + 1
			if a.next > a.max {
				a.next = 1
			}
			return id, true
		}
		id++
		if id > a.max {
			id = 1
		}
		if id == start {
			return 0, false
		}
	}
}

// StepIDAllocator hands out per-job monotonic step ids (spec.md §4.1).
// Callers hold one instance per job.
type StepIDAllocator struct {
	mu   sync.Mutex
	next uint32
}

func NewStepIDAllocator() *StepIDAllocator { return &StepIDAllocator{next: 0} }

func (a *StepIDAllocator) Alloc() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// SetFloor ensures subsequent allocations stay above a recovered high
// water mark, used when restoring a job's steps from state-save.
func (a *StepIDAllocator) SetFloor(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id >= a.next {
		a.next = id + 1
	}
}
