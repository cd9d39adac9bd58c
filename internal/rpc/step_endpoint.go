package rpc

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// stepEndpoint is the "Step" net/rpc service (spec.md §4.7). All three
// RPCs target an existing job's resources, so all three require ownership
// or operator.
type stepEndpoint struct {
	d *Dispatcher
}

func (e *stepEndpoint) jobOwner(jobID uint32, uid uint32, role Role) error {
	job, err := e.d.Store.FindJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrInvalidJobID
	}
	return e.d.requireOwnerOrOperator(uid, role, job.User)
}

func (e *stepEndpoint) Create(req *structs.StepCreateRequest, resp *structs.StepCreateResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.jobOwner(req.JobID, uid, role); err != nil {
		return err
	}
	out, err := e.d.Steps.CreateStep(req, uid)
	if err != nil {
		return err
	}
	*resp = *out
	e.d.record(msgStepCreate, uid, start)
	return nil
}

func (e *stepEndpoint) BatchCredential(req *structs.BatchStepCredentialRequest, resp *structs.CredentialResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.jobOwner(req.JobID, uid, role); err != nil {
		return err
	}
	cred, err := e.d.Steps.BatchStepCredential(req.JobID, uid)
	if err != nil {
		return err
	}
	resp.Credential = cred
	e.d.record(msgBatchStepCred, uid, start)
	return nil
}

func (e *stepEndpoint) SBCastCredential(req *structs.SBCastCredentialRequest, resp *structs.CredentialResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.jobOwner(req.JobID, uid, role); err != nil {
		return err
	}
	cred, err := e.d.Steps.SBCastCredential(req.JobID, uid)
	if err != nil {
		return err
	}
	resp.Credential = cred
	e.d.record(msgSBCastCred, uid, start)
	return nil
}
