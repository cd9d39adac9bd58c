package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/filipjs/ostrichctld/internal/config"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/statemachine"
	"github.com/filipjs/ostrichctld/internal/structs"
)

// Pipeline is C6: admission of pending jobs and the throttle-gated submit
// path (spec.md §4.6). It owns no placement logic itself -- that is
// delegated to a plugins.SchedulerPlugin -- but it owns validation,
// insertion, the immediate/deferred split, requeue, and the kick signal.
type Pipeline struct {
	Store    *state.Store
	Locks    *lockdomain.Domain
	Throttle *lockdomain.Throttle
	Config   *config.Holder
	Plugin   plugins.SchedulerPlugin
	Logger   hclog.Logger

	kick chan struct{}
	now  func() time.Time
}

func NewPipeline(store *state.Store, locks *lockdomain.Domain, throttle *lockdomain.Throttle, cfg *config.Holder, plugin plugins.SchedulerPlugin, logger hclog.Logger) *Pipeline {
	return &Pipeline{
		Store:    store,
		Locks:    locks,
		Throttle: throttle,
		Config:   cfg,
		Plugin:   plugin,
		Logger:   logger.Named("scheduler"),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

type immediatePlacer interface {
	TryPlace(jobID uint32, now time.Time) (bool, error)
}

// Allocate validates and admits a job, then either places it immediately
// or leaves it Pending (spec.md §4.6 "allocate").
func (p *Pipeline) Allocate(req *structs.JobAllocateRequest) (*structs.JobAllocateResponse, error) {
	release := p.Throttle.Enter()
	defer release()

	job, err := p.admit(req.User, req.Group, req.Account, req.Request, req.SpankEnv)
	if err != nil {
		return nil, err
	}

	id, err := p.Store.InsertJob(job)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"scheduler", "jobs_submitted"}, 1)

	if req.Request.Immediate {
		placed, err := p.tryPlaceImmediate(id)
		if err != nil || !placed {
			p.Store.DeleteJob(id)
			if err != nil {
				return nil, err
			}
			return nil, structs.ErrCanNotStartImmediately
		}
		return &structs.JobAllocateResponse{JobID: id}, nil
	}

	p.Kick()
	return &structs.JobAllocateResponse{JobID: id, Reason: structs.ReasonPriority}, nil
}

// SubmitBatch is like Allocate but records a batch script to be launched
// once placement succeeds (spec.md §4.6 "submit_batch"). The script is
// stashed on the job's SwitchData slot as a PassthroughSwitch-compatible
// blob -- a real deployment stores it via state-save, out of scope here.
func (p *Pipeline) SubmitBatch(req *structs.JobSubmitBatchRequest) (*structs.JobSubmitBatchResponse, error) {
	release := p.Throttle.Enter()
	defer release()

	job, err := p.admit(req.User, req.Group, req.Account, req.Request, req.SpankEnv)
	if err != nil {
		return nil, err
	}
	job.SwitchData = structs.PluginData{Bytes: req.BatchScript}

	id, err := p.Store.InsertJob(job)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"scheduler", "jobs_submitted"}, 1)

	p.Kick()
	return &structs.JobSubmitBatchResponse{JobID: id, Reason: structs.ReasonPriority}, nil
}

func (p *Pipeline) tryPlaceImmediate(jobID uint32) (bool, error) {
	if ip, ok := p.Plugin.(immediatePlacer); ok {
		return ip.TryPlace(jobID, p.now())
	}
	if _, err := p.Plugin.Schedule(p.now()); err != nil {
		return false, err
	}
	job, err := p.Store.FindJob(jobID)
	if err != nil || job == nil {
		return false, err
	}
	return job.State == structs.JobStateRunning, nil
}

// admit validates req against partition policy and builds a Pending Job
// record, but does not insert it (spec.md §4.6 "validates against
// partition/reservation/QOS limits").
func (p *Pipeline) admit(user, group, account string, req structs.AllocationRequest, spankEnv []string) (*structs.Job, error) {
	if req.MinNodes <= 0 {
		req.MinNodes = 1
	}
	if req.MaxNodes > 0 && req.MaxNodes < req.MinNodes {
		return nil, structs.ErrUnexpected
	}

	held := p.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Partition, lockdomain.Read))
	part, err := p.Store.FindPartition(req.Partition)
	held.Release()
	if err != nil {
		return nil, err
	}
	if part == nil {
		return nil, structs.ErrPartConfigUnavailable
	}
	if !part.AllowsUser(user, account) {
		return nil, structs.ErrAccessDenied
	}
	limit, err := part.ClampTimeLimit(req.TimeLimit)
	if err != nil {
		return nil, err
	}
	req.TimeLimit = limit

	if req.Reservation != "" {
		held := p.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Read))
		res, err := p.Store.FindReservation(req.Reservation)
		held.Release()
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, structs.ErrReservationBusy
		}
		if !res.AllowsUser(user, account) {
			return nil, structs.ErrAccessDenied
		}
	}

	if req.QOS != "" {
		if err := p.admitQOS(user, req.QOS); err != nil {
			return nil, err
		}
	}

	now := p.now()
	return &structs.Job{
		User:         user,
		Group:        group,
		Account:      account,
		Request:      req,
		SpankEnv:     spankEnv,
		State:        structs.JobStatePending,
		SubmitTime:   now,
		LastActive:   now,
		RestartLimit: p.Config.Current().RestartLimit,
		Steps:        make(map[uint32]*structs.Step),
	}, nil
}

// admitQOS enforces the named QOS's MaxJobsPerUser threshold
// (spec.md §4.6 "validates against partition/reservation/QOS limits",
// §7 QosThreshold). An unconfigured QOS name is itself a threshold
// failure: there is no capacity to admit against.
func (p *Pipeline) admitQOS(user, name string) error {
	qos := p.Config.Current().FindQOS(name)
	if qos == nil {
		return structs.ErrQOSThreshold
	}
	if qos.MaxJobsPerUser <= 0 {
		return nil
	}
	held := p.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Job, lockdomain.Read))
	jobs, err := p.Store.JobsByUser(user)
	held.Release()
	if err != nil {
		return err
	}
	active := 0
	for _, j := range jobs {
		if !j.Finished() {
			active++
		}
	}
	if active >= qos.MaxJobsPerUser {
		return structs.ErrQOSThreshold
	}
	return nil
}

// WillRun is a read-mostly probe (spec.md §4.6 "will_run").
func (p *Pipeline) WillRun(req *structs.JobWillRunRequest) (*structs.JobWillRunResponse, error) {
	return p.Plugin.WillRun(req)
}

// Requeue resets an applicable job to Pending (spec.md §4.6 "requeue").
// AdminRequested requeues do not consume the restart budget (spec.md §9
// Open Question decision, recorded in DESIGN.md).
func (p *Pipeline) Requeue(req *structs.JobRequeueRequest) error {
	release := p.Throttle.Enter()
	defer release()

	err := p.Store.MutateJob(req.JobID, func(j *structs.Job) error {
		if !j.Finished() {
			return structs.ErrInProgress
		}
		if !req.AdminRequested && !statemachine.RequeueEligible(j) {
			return structs.ErrDisabled
		}
		return statemachine.Requeue(j, !req.AdminRequested)
	})
	if err != nil {
		return err
	}
	p.Kick()
	return nil
}

// Kick is a non-blocking hint to re-evaluate the scheduler
// (spec.md §4.6 "kick()"). It coalesces: a pending-but-undrained signal
// is enough, so a burst of Kicks only wakes the loop once.
func (p *Pipeline) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop: it wakes on Kick, or (in defer mode) on
// a fixed interval timer only, never per-event (spec.md §4.6 "Defer mode").
func (p *Pipeline) Run(stop <-chan struct{}) {
	cfg := p.Config.Current()
	var tick <-chan time.Time
	if cfg.Defer {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-stop:
			return
		case <-p.kick:
			if p.Config.Current().Defer {
				continue // deferred: event-driven kicks are ignored, only the timer fires a pass
			}
			p.runPass()
		case <-tick:
			p.runPass()
		}
	}
}

var passCounter int64

func (p *Pipeline) runPass() {
	start := time.Now()
	started, err := p.Plugin.Schedule(start)
	atomic.AddInt64(&passCounter, 1)
	dur := time.Since(start)
	metrics.AddSample([]string{"scheduler", "cycle_ms"}, float32(dur.Milliseconds()))
	if err != nil {
		p.Logger.Error("scheduling pass failed", "error", err)
		return
	}
	if started > 0 {
		p.Logger.Debug("scheduling pass started jobs", "count", started, "duration", dur)
	}
}
