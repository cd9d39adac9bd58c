// Package statemachine implements C4: the centralized Job/Node transition
// tables and derived predicates (spec.md §4.4). Direct state writes
// outside this package are forbidden by convention: internal/state's
// mutators call into here rather than assigning State/Flags fields
// themselves.
package statemachine

import "github.com/filipjs/ostrichctld/internal/structs"

// jobTransitions encodes the allowed base-state graph from spec.md §4.4.
var jobTransitions = map[structs.JobState]map[structs.JobState]bool{
	structs.JobStatePending: {
		structs.JobStateRunning:   true,
		structs.JobStateCancelled: true,
		structs.JobStateFailed:    true,
		structs.JobStateTimeout:   true,
	},
	structs.JobStateRunning: {
		structs.JobStateSuspended: true,
		structs.JobStateComplete:  true,
		structs.JobStateCancelled: true,
		structs.JobStateFailed:    true,
		structs.JobStateTimeout:   true,
		structs.JobStateNodeFail:  true,
	},
	structs.JobStateSuspended: {
		structs.JobStateRunning:   true,
		structs.JobStateCancelled: true,
		structs.JobStateFailed:    true,
		structs.JobStateTimeout:   true,
	},
	structs.JobStateComplete:   {structs.JobStatePending: true},
	structs.JobStateCancelled:  {structs.JobStatePending: true},
	structs.JobStateFailed:     {structs.JobStatePending: true},
	structs.JobStateTimeout:    {structs.JobStatePending: true},
	structs.JobStateNodeFail:   {structs.JobStatePending: true},
}

// JobTransitionAllowed reports whether from -> to is a legal base-state
// transition under spec.md §4.4. A self-transition (from == to) is always
// allowed: it represents a flag-only mutation.
func JobTransitionAllowed(from, to structs.JobState) bool {
	if from == to {
		return true
	}
	return jobTransitions[from][to]
}

// ApplyJobTransition validates and performs a base-state transition on j,
// returning an error if the transition is not in the allowed graph. Flags
// are left to the caller: most transitions also need to set/clear a
// modifier flag, and the exact combination is operation-specific
// (spec.md §4.4 "Transition rules").
func ApplyJobTransition(j *structs.Job, to structs.JobState) error {
	if !JobTransitionAllowed(j.State, to) {
		return structs.ErrDisabled
	}
	j.State = to
	return nil
}

// RequeueEligible reports whether a terminal job with the Requeue flag set
// and retry budget remaining should be reset to Pending
// (spec.md §4.4 "On last epilog complete").
func RequeueEligible(j *structs.Job) bool {
	if !j.Finished() {
		return false
	}
	if !j.Flags.Has(structs.JobFlagRequeue) {
		return false
	}
	return j.RestartCount < j.RestartLimit
}

// Requeue transitions a terminal job back to Pending and clears all
// modifier flags, per spec.md §4.4. Callers are responsible for checking
// RequeueEligible (or bypassing it for admin-initiated requeues, which
// don't consume the restart budget per spec.md §9 Open Question).
func Requeue(j *structs.Job, consumeBudget bool) error {
	if !JobTransitionAllowed(j.State, structs.JobStatePending) {
		return structs.ErrDisabled
	}
	j.State = structs.JobStatePending
	j.Flags = 0
	j.NodeBitmap = nil
	j.JobResources = nil
	j.NodeCount = 0
	j.PrologPending = nil
	j.EpilogPending = nil
	j.Steps = make(map[uint32]*structs.Step)
	if consumeBudget {
		j.RestartCount++
	}
	return nil
}
