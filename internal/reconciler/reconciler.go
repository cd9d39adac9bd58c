// Package reconciler implements C8: the five completion inputs and the
// requeue/terminate/drain decisions they drive (spec.md §4.8).
package reconciler

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/statemachine"
	"github.com/filipjs/ostrichctld/internal/structs"
)

// The numeric values below are this controller's own assignment of the
// named slurmd return codes in spec.md §4.8; no external wire contract
// fixes them, since the wire codec (C11) is itself pluggable.
const (
	rcOK = iota
	rcAlreadyDone
	rcCredentialRevoked
	rcReservationNotUsable
	rcCommError
	rcUserIDMissing
	rcUidNotFound
	rcGidNotFound
	rcInvalidAcctFreq
)

// transientSlurmdRC is the set from spec.md §4.8 "batch complete": codes
// that are non-fatal and may trigger a requeue once.
var transientSlurmdRC = set.From([]int{
	rcAlreadyDone, rcCredentialRevoked, rcReservationNotUsable,
})

// drainWorthySlurmdRC is the set from spec.md §4.8: logged but does not
// drain the node.
var drainWorthySlurmdRC = set.From([]int{
	rcCommError, rcUserIDMissing, rcUidNotFound, rcGidNotFound, rcInvalidAcctFreq,
})

// Kicker is the subset of internal/scheduler.Pipeline the reconciler
// drives: every transition that ends Completing queues a kick, unless
// defer mode is set (spec.md §4.8).
type Kicker interface {
	Kick()
}

// StepForgetter is the subset of internal/stepmgr.Manager notified when a
// job reaches a terminal state, so its per-job step id allocator can be
// dropped.
type StepForgetter interface {
	JobTerminated(jobID uint32)
}

type Reconciler struct {
	Store      *state.Store
	Locks      *lockdomain.Domain
	Agent      plugins.NodeAgent
	Accounting plugins.Accounting
	Scheduler  Kicker
	Steps      StepForgetter
	Logger     hclog.Logger
	DeferMode  func() bool
}

func New(store *state.Store, locks *lockdomain.Domain, agent plugins.NodeAgent, acct plugins.Accounting, sched Kicker, steps StepForgetter, logger hclog.Logger, deferMode func() bool) *Reconciler {
	return &Reconciler{
		Store:      store,
		Locks:      locks,
		Agent:      agent,
		Accounting: acct,
		Scheduler:  sched,
		Steps:      steps,
		Logger:     logger.Named("reconciler"),
		DeferMode:  deferMode,
	}
}

func (r *Reconciler) kick() {
	if r.DeferMode != nil && r.DeferMode() {
		return
	}
	if r.Scheduler != nil {
		r.Scheduler.Kick()
	}
}

// StepComplete implements spec.md §4.8 "Step complete": binomial-tree
// fan-in over a node range, with duplicate-range idempotence.
func (r *Reconciler) StepComplete(req *structs.StepCompleteRequest) error {
	held := r.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Job, lockdomain.Write))
	defer held.Release()

	return r.Store.MutateJob(req.JobID, func(j *structs.Job) error {
		step, ok := j.Steps[req.StepID]
		if !ok {
			return structs.ErrInvalidJobID
		}
		if step.Finished {
			return structs.ErrAlreadyDone
		}
		dup := true
		for i := req.FirstNode; i <= req.LastNode; i++ {
			if step.Outstanding.IsSet(i) {
				dup = false
				step.Outstanding.Clear(i)
			}
		}
		if dup {
			return structs.ErrAlreadyDone
		}
		if step.Outstanding.Count() == 0 {
			step.Finished = true
			step.ReturnCode = req.RC
			if r.Accounting != nil {
				r.Accounting.StepEnd(step)
			}
		}
		return nil
	})
}

// EpilogComplete implements spec.md §4.8 "Epilog complete": per-node
// fan-in against the job's EpilogPending bitmap (set when the job first
// went terminal, see completeJobLocked). When the last node reports,
// Completing clears and the job is requeued if its Requeue flag is set and
// restart budget remains (spec.md §4.4 "On last epilog complete"); the
// epilog return code does not enter that decision.
func (r *Reconciler) EpilogComplete(req *structs.EpilogCompleteRequest) error {
	held := r.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Job, lockdomain.Write).
		With(lockdomain.Node, lockdomain.Write))
	defer held.Release()

	nodeIdx := r.Store.NodeIndex(req.Node)

	var completingCleared, terminated bool
	err := r.Store.MutateJob(req.JobID, func(j *structs.Job) error {
		if j.EpilogPending == nil || !j.EpilogPending.IsSet(nodeIdx) {
			return structs.ErrAlreadyDone
		}
		j.EpilogPending.Clear(nodeIdx)
		if j.EpilogPending.Count() != 0 {
			return nil
		}
		j.Flags &^= structs.JobFlagCompleting
		completingCleared = true
		if statemachine.RequeueEligible(j) {
			if err := statemachine.Requeue(j, true); err != nil {
				return err
			}
		}
		terminated = j.Finished()
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.Store.MutateNode(req.Node, func(n *structs.Node) error {
		delete(n.RunningJobs, req.JobID)
		statemachine.ReleaseFromJob(n, len(n.RunningJobs))
		return nil
	}); err != nil {
		r.Logger.Warn("epilog complete: node release failed", "node", req.Node, "error", err)
	}

	if completingCleared {
		if terminated && r.Steps != nil {
			r.Steps.JobTerminated(req.JobID)
		}
		r.kick()
	}
	return nil
}

// BatchComplete implements spec.md §4.8 "Batch complete": transient codes
// may requeue once, drain-worthy codes are logged only, everything else
// drains the reporting node.
func (r *Reconciler) BatchComplete(req *structs.BatchCompleteRequest) error {
	held := r.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Job, lockdomain.Write).
		With(lockdomain.Node, lockdomain.Write))
	defer held.Release()

	if req.SlurmdRC == rcOK && req.ScriptRC == 0 {
		return r.completeJobLocked(req.JobID, 0)
	}

	// A transient slurmd_rc means the batch script never really ran; drive
	// the job to Failed+Completing like any other failure and let the
	// per-node epilog fan-in (EpilogComplete) perform the actual requeue
	// once Completing clears, per spec.md §4.4 "On last epilog complete".
	if transientSlurmdRC.Contains(req.SlurmdRC) {
		if err := r.Store.MutateJob(req.JobID, func(j *structs.Job) error {
			if j.RestartCount < j.RestartLimit {
				j.Flags |= structs.JobFlagRequeue
			}
			return nil
		}); err != nil {
			return err
		}
		rc := req.ScriptRC
		if rc == 0 {
			rc = 1
		}
		return r.completeJobLocked(req.JobID, rc)
	}

	if drainWorthySlurmdRC.Contains(req.SlurmdRC) {
		r.Logger.Warn("batch complete: drain-worthy return code, node not drained",
			"node", req.Node, "job", req.JobID, "slurmd_rc", req.SlurmdRC)
		return r.completeJobLocked(req.JobID, req.ScriptRC)
	}

	if err := r.Store.MutateNode(req.Node, func(n *structs.Node) error {
		statemachine.Drain(n, string(structs.ReasonBatchComplete))
		return nil
	}); err != nil {
		r.Logger.Warn("batch complete: failed to drain node", "node", req.Node, "error", err)
	}
	if r.Accounting != nil {
		r.Accounting.NodeDown(req.Node, string(structs.ReasonBatchComplete))
	}
	return r.completeJobLocked(req.JobID, req.ScriptRC)
}

// JobComplete implements spec.md §4.8 "job_complete": the terminal
// transition once the job's own run (not its per-node epilogs) is done.
func (r *Reconciler) JobComplete(req *structs.JobCompleteRequest) error {
	held := r.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Job, lockdomain.Write))
	defer held.Release()
	return r.completeJobLocked(req.JobID, req.RC)
}

// completeJobLocked drives a job to Complete/Failed and, if it holds any
// nodes, arms EpilogPending so the per-node epilog fan-in can clear
// Completing later; callers must already hold the job write lock.
func (r *Reconciler) completeJobLocked(jobID uint32, rc int) error {
	var fireAccounting *structs.Job
	var alreadyIdle bool
	err := r.Store.MutateJob(jobID, func(j *structs.Job) error {
		if j.Finished() {
			return nil
		}
		to := structs.JobStateComplete
		if rc != 0 {
			to = structs.JobStateFailed
		}
		if err := statemachine.ApplyJobTransition(j, to); err != nil {
			return err
		}
		j.EndTime = j.LastActive
		if j.NodeBitmap != nil && j.NodeBitmap.Count() > 0 {
			j.Flags |= structs.JobFlagCompleting
			j.EpilogPending = j.NodeBitmap.Clone()
		} else {
			alreadyIdle = true
		}
		fireAccounting = j
		return nil
	})
	if err != nil {
		return err
	}
	if fireAccounting != nil {
		if r.Accounting != nil {
			r.Accounting.JobEnd(fireAccounting)
		}
		if alreadyIdle && r.Steps != nil {
			r.Steps.JobTerminated(jobID)
		}
		r.kick()
	}
	return nil
}

// Cancel implements job_cancel (spec.md §4.6, listed alongside allocate/
// requeue as a job-lifecycle op dispatched through C8's terminal-state
// machinery): StepID == BatchScriptStepID kills the whole job, any other
// value kills just that step. A whole-job cancel reuses completeJobLocked
// so the per-node epilog fan-in clears Completing the same way a natural
// completion would.
func (r *Reconciler) Cancel(req *structs.JobCancelRequest) error {
	held := r.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Job, lockdomain.Write).
		With(lockdomain.Node, lockdomain.Read))
	defer held.Release()

	job, err := r.Store.FindJob(req.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrInvalidJobID
	}

	if req.StepID != structs.BatchScriptStepID {
		step, ok := job.Steps[req.StepID]
		if !ok {
			return structs.ErrInvalidJobID
		}
		if r.Agent != nil {
			for _, node := range r.Store.NodeNamesFromBitmap(step.NodeBitmap) {
				if err := r.Agent.AbortStep(node, req.JobID, req.StepID); err != nil {
					r.Logger.Warn("cancel: abort-step enqueue failed", "node", node, "job", req.JobID, "step", req.StepID, "error", err)
				}
			}
		}
		return nil
	}

	if job.Finished() {
		return structs.ErrAlreadyDone
	}
	if r.Agent != nil {
		for _, node := range r.Store.NodeNamesFromBitmap(job.NodeBitmap) {
			if err := r.Agent.KillJob(node, req.JobID); err != nil {
				r.Logger.Warn("cancel: kill-job enqueue failed", "node", node, "job", req.JobID, "error", err)
			}
		}
	}
	return r.cancelJobLocked(req.JobID)
}

// cancelJobLocked mirrors completeJobLocked but drives the Cancelled
// terminal state instead of Complete/Failed; a cancelled job is never
// eligible for the Requeue-flag path regardless of the job's policy.
func (r *Reconciler) cancelJobLocked(jobID uint32) error {
	var fireAccounting *structs.Job
	var alreadyIdle bool
	err := r.Store.MutateJob(jobID, func(j *structs.Job) error {
		if j.Finished() {
			return nil
		}
		if err := statemachine.ApplyJobTransition(j, structs.JobStateCancelled); err != nil {
			return err
		}
		j.Flags &^= structs.JobFlagRequeue
		j.EndTime = j.LastActive
		if j.NodeBitmap != nil && j.NodeBitmap.Count() > 0 {
			j.Flags |= structs.JobFlagCompleting
			j.EpilogPending = j.NodeBitmap.Clone()
		} else {
			alreadyIdle = true
		}
		fireAccounting = j
		return nil
	})
	if err != nil {
		return err
	}
	if fireAccounting != nil {
		if r.Accounting != nil {
			r.Accounting.JobEnd(fireAccounting)
		}
		if alreadyIdle && r.Steps != nil {
			r.Steps.JobTerminated(jobID)
		}
		r.kick()
	}
	return nil
}

// CompleteProlog implements spec.md §4.8 "Prolog complete": updates the
// job's prolog-done counter; when every assigned node has reported,
// Configuring clears and queued steps become eligible.
func (r *Reconciler) CompleteProlog(req *structs.CompletePrologRequest) error {
	held := r.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Job, lockdomain.Write))
	defer held.Release()

	nodeIdx := r.Store.NodeIndex(req.Node)
	var configuringCleared bool
	err := r.Store.MutateJob(req.JobID, func(j *structs.Job) error {
		if req.RC != 0 {
			j.Reason = structs.ReasonNodeDown
			return statemachine.ApplyJobTransition(j, structs.JobStateNodeFail)
		}
		if j.PrologPending == nil || !j.PrologPending.IsSet(nodeIdx) {
			return structs.ErrAlreadyDone
		}
		j.PrologPending.Clear(nodeIdx)
		if j.PrologPending.Count() == 0 {
			j.Flags &^= structs.JobFlagConfiguring
			configuringCleared = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if configuringCleared {
		r.kick() // queued steps become eligible
	}
	return nil
}
