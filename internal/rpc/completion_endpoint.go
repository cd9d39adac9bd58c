package rpc

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// completionEndpoint is the "Completion" net/rpc service (spec.md §4.8).
// Every RPC here is node-origin: slurmd reports epilog/step/batch/job/
// prolog completion, never an end user (spec.md §4.5 "Node-origin RPCs
// ...require the slurm-user identity" -- job_complete and complete_prolog
// are the same category by analogy even though only epilog/step/batch are
// named explicitly).
type completionEndpoint struct {
	d *Dispatcher
}

func (e *completionEndpoint) nodeOrigin(token []byte) (uint32, error) {
	uid, _, role, err := e.d.identity(token)
	if err != nil {
		return 0, err
	}
	if err := requireRole(role, RoleSlurmUser); err != nil {
		return 0, err
	}
	return uid, nil
}

func (e *completionEndpoint) EpilogComplete(req *structs.EpilogCompleteRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, err := e.nodeOrigin(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.d.Completion.EpilogComplete(req); err != nil {
		return err
	}
	e.d.record(msgEpilogComplete, uid, start)
	return nil
}

func (e *completionEndpoint) StepComplete(req *structs.StepCompleteRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, err := e.nodeOrigin(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.d.Completion.StepComplete(req); err != nil {
		return err
	}
	e.d.record(msgStepComplete, uid, start)
	return nil
}

func (e *completionEndpoint) BatchComplete(req *structs.BatchCompleteRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, err := e.nodeOrigin(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.d.Completion.BatchComplete(req); err != nil {
		return err
	}
	e.d.record(msgBatchComplete, uid, start)
	return nil
}

func (e *completionEndpoint) JobComplete(req *structs.JobCompleteRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, err := e.nodeOrigin(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.d.Completion.JobComplete(req); err != nil {
		return err
	}
	e.d.record(msgJobComplete, uid, start)
	return nil
}

func (e *completionEndpoint) CompleteProlog(req *structs.CompletePrologRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, err := e.nodeOrigin(req.AuthToken)
	if err != nil {
		return err
	}
	if err := e.d.Completion.CompleteProlog(req); err != nil {
		return err
	}
	e.d.record(msgCompleteProlog, uid, start)
	return nil
}
