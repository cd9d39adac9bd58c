package rpc

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// jobEndpoint is the "Job" net/rpc service: allocate/will_run/submit_batch/
// requeue/cancel (spec.md §4.6).
type jobEndpoint struct {
	d *Dispatcher
}

func (e *jobEndpoint) Allocate(req *structs.JobAllocateRequest, resp *structs.JobAllocateResponse) error {
	start := time.Now()
	uid, _, _, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	out, err := e.d.Scheduler.Allocate(req)
	if err != nil {
		return err
	}
	*resp = *out
	e.d.record(msgJobAllocate, uid, start)
	return nil
}

func (e *jobEndpoint) WillRun(req *structs.JobWillRunRequest, resp *structs.JobWillRunResponse) error {
	start := time.Now()
	uid, _, _, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	out, err := e.d.Scheduler.WillRun(req)
	if err != nil {
		return err
	}
	*resp = *out
	e.d.record(msgJobWillRun, uid, start)
	return nil
}

func (e *jobEndpoint) SubmitBatch(req *structs.JobSubmitBatchRequest, resp *structs.JobSubmitBatchResponse) error {
	start := time.Now()
	uid, _, _, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	out, err := e.d.Scheduler.SubmitBatch(req)
	if err != nil {
		return err
	}
	*resp = *out
	e.d.record(msgJobSubmitBatch, uid, start)
	return nil
}

// Requeue requires ownership or operator (spec.md §4.5 "Write RPCs
// targeting a specific object require ownership or operator").
func (e *jobEndpoint) Requeue(req *structs.JobRequeueRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	job, err := e.d.Store.FindJob(req.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrInvalidJobID
	}
	if err := e.d.requireOwnerOrOperator(uid, role, job.User); err != nil {
		return err
	}
	req.AdminRequested = req.AdminRequested && role.atLeast(RoleOperator)
	if err := e.d.Scheduler.Requeue(req); err != nil {
		return err
	}
	e.d.record(msgJobRequeue, uid, start)
	return nil
}

// Info is privacy-masked: with PrivateDataJobs set, a non-owner
// non-operator caller is denied rather than handed another user's job
// (spec.md §4.5 "Read RPCs honor a per-object privacy mask").
func (e *jobEndpoint) Info(req *structs.JobInfoRequest, resp *structs.JobInfoResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	job, err := e.d.Store.FindJob(req.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrInvalidJobID
	}
	if e.d.Config.Current().PrivateDataJobs {
		if err := e.d.requireOwnerOrOperator(uid, role, job.User); err != nil {
			return err
		}
	}
	resp.Job = job
	e.d.record(msgJobInfo, uid, start)
	return nil
}

// List returns every job, filtered down to the caller's own jobs when
// PrivateDataJobs is set and the caller isn't operator+ (spec.md §8
// Testable Property 8: "a non-operator reading jobs with PRIVATE_DATA_JOBS
// set sees exactly the jobs whose uid matches the caller").
func (e *jobEndpoint) List(req *structs.JobListRequest, resp *structs.JobListResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	all, err := e.d.Store.Jobs()
	if err != nil {
		return err
	}
	if e.d.Config.Current().PrivateDataJobs && !role.atLeast(RoleOperator) {
		name, err := e.d.username(uid)
		if err != nil {
			return err
		}
		all = filterJobsForUser(all, name)
	}
	resp.Jobs = all
	e.d.record(msgJobList, uid, start)
	return nil
}

func filterJobsForUser(all []*structs.Job, user string) []*structs.Job {
	var out []*structs.Job
	for _, j := range all {
		if j.User == user {
			out = append(out, j)
		}
	}
	return out
}

// Cancel requires ownership or operator.
func (e *jobEndpoint) Cancel(req *structs.JobCancelRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	job, err := e.d.Store.FindJob(req.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrInvalidJobID
	}
	if err := e.d.requireOwnerOrOperator(uid, role, job.User); err != nil {
		return err
	}
	if err := e.d.Completion.Cancel(req); err != nil {
		return err
	}
	e.d.record(msgJobCancel, uid, start)
	return nil
}
