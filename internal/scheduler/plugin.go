package scheduler

import (
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/filipjs/ostrichctld/internal/config"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/statemachine"
	"github.com/filipjs/ostrichctld/internal/structs"
)

// DefaultPlugin is the in-core reference implementation of
// plugins.SchedulerPlugin: it runs the feasibility-filter + minimal-weight
// selection algorithm of spec.md §4.6 directly against the Entity Store.
// A deployment may swap in a different SchedulerPlugin (e.g. backed by an
// external solver) without changing the Pipeline that drives it.
type DefaultPlugin struct {
	Store    *state.Store
	Locks    *lockdomain.Domain
	Config   *config.Holder
	Topology plugins.TopologyPlugin
	Priority plugins.PriorityPlugin
	Signer   plugins.CredentialSigner
	Agent    plugins.NodeAgent
	Logger   hclog.Logger
}

var _ plugins.SchedulerPlugin = (*DefaultPlugin)(nil)

// Schedule runs one pass over every partition's pending jobs in priority
// order, attempting to place each (spec.md §4.6 steps 1-4). It returns the
// count of jobs newly started.
func (p *DefaultPlugin) Schedule(now time.Time) (int, error) {
	started := 0
	partitions, err := p.Store.Partitions()
	if err != nil {
		return 0, err
	}
	for _, part := range partitions {
		jobs, err := p.Store.PendingJobsByPartition(part.Name)
		if err != nil {
			return started, err
		}
		sortByPriority(jobs, p.Priority)
		for _, job := range jobs {
			ok, err := p.tryPlace(job, part, now, false)
			if err != nil {
				p.Logger.Warn("scheduling pass failed for job", "job", job.ID, "error", err)
				continue
			}
			if ok {
				started++
			}
		}
	}
	return started, nil
}

// sortByPriority orders jobs highest-priority-first using the injected
// PriorityPlugin (spec.md §4.6 step 1: "Pending jobs are evaluated in
// priority order (priority supplied by the priority plugin)").
func sortByPriority(jobs []*structs.Job, p plugins.PriorityPlugin) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return p.PriorityOf(jobs[i]) > p.PriorityOf(jobs[j])
	})
}

// WillRun simulates scheduling req without committing (spec.md §4.6
// "a read-mostly probe"): it runs the same feasibility pass but never
// mutates the Store.
func (p *DefaultPlugin) WillRun(req *structs.JobWillRunRequest) (*structs.JobWillRunResponse, error) {
	held := p.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Node, lockdomain.Read).
		With(lockdomain.Partition, lockdomain.Read))
	defer held.Release()

	part, err := p.Store.FindPartition(req.Request.Partition)
	if err != nil {
		return nil, err
	}
	if part == nil {
		return &structs.JobWillRunResponse{Reason: structs.ReasonPartDown}, structs.ErrPartConfigUnavailable
	}
	nodes, err := p.Store.Nodes()
	if err != nil {
		return nil, err
	}
	reservations, err := p.Store.Reservations()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	feasible := filterFeasible(nodes, part, req.Request, reservations, req.User, "", now)
	ordered := p.Topology.OrderNodes(names(feasible))
	picked, ok := selectMinimalWeight(reorder(feasible, ordered), req.Request)
	if !ok {
		return &structs.JobWillRunResponse{Reason: structs.ReasonResources}, nil
	}
	return &structs.JobWillRunResponse{
		StartEstimate: now,
		NodeList:      names(picked),
	}, nil
}

func (p *DefaultPlugin) Reconfigure() error { return nil }

// TryPlace attempts to place a single already-admitted job immediately,
// used by the Pipeline's immediate-allocate path (spec.md §4.6 step 4a:
// "fail fast rather than defer"). It satisfies the unexported
// immediatePlacer interface Pipeline probes for via a type assertion; a
// SchedulerPlugin that doesn't implement it falls back to a full
// Schedule() pass.
func (p *DefaultPlugin) TryPlace(jobID uint32, now time.Time) (bool, error) {
	job, err := p.Store.FindJob(jobID)
	if err != nil || job == nil {
		return false, structs.ErrInvalidJobID
	}
	part, err := p.Store.FindPartition(job.Request.Partition)
	if err != nil || part == nil {
		return false, structs.ErrPartConfigUnavailable
	}
	return p.tryPlace(job, part, now, true)
}

// tryPlace attempts to place job onto part's nodes. It holds the job+node
// write and partition read locks for the whole attempt, from the
// feasibility pass through the LaunchProlog calls.
func (p *DefaultPlugin) tryPlace(job *structs.Job, part *structs.Partition, now time.Time, immediate bool) (bool, error) {
	held := p.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Job, lockdomain.Write).
		With(lockdomain.Node, lockdomain.Write).
		With(lockdomain.Partition, lockdomain.Read))
	defer held.Release()

	nodes, err := p.Store.Nodes()
	if err != nil {
		return false, err
	}
	reservations, err := p.Store.Reservations()
	if err != nil {
		return false, err
	}
	feasible := filterFeasible(nodes, part, job.Request, reservations, job.User, job.Account, now)
	ordered := p.Topology.OrderNodes(names(feasible))
	picked, ok := selectMinimalWeight(reorder(feasible, ordered), job.Request)
	if !ok {
		reason := structs.ReasonResources
		if len(feasible) == 0 {
			reason = structs.ReasonNodeDown
		}
		return false, p.Store.MutateJob(job.ID, func(j *structs.Job) error {
			j.Reason = reason
			return nil
		})
	}

	bitmap := structs.NewNodeBitmap(p.Store.NodeCount())
	cpuShare := make(map[string]int, len(picked))
	for _, n := range picked {
		bitmap.Set(n.Index)
		cpuShare[n.Name] = n.Topology.CPUs()
	}

	cred := &structs.Credential{
		JobID:       job.ID,
		StepID:      structs.BatchScriptStepID,
		NodeList:    names(picked),
		MemoryLimit: job.Request.MemPerNode,
		Expiration:  now.Add(job.Request.TimeLimit),
	}
	if p.Signer != nil {
		if err := p.Signer.Mint(cred); err != nil {
			return false, err
		}
	}

	err = p.Store.MutateJob(job.ID, func(j *structs.Job) error {
		if err := statemachine.ApplyJobTransition(j, structs.JobStateRunning); err != nil {
			return err
		}
		j.Flags |= structs.JobFlagConfiguring
		j.Reason = structs.ReasonNone
		j.NodeBitmap = bitmap
		j.PrologPending = bitmap.Clone()
		j.NodeCount = len(picked)
		j.JobResources = &structs.JobResources{CPUsPerNode: cpuShare}
		j.StartTime = now
		j.LastActive = now
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, n := range picked {
		jobCountAfter := 1
		for id := range n.RunningJobs {
			_ = id
			jobCountAfter++
		}
		if err := p.Store.MutateNode(n.Name, func(node *structs.Node) error {
			if node.RunningJobs == nil {
				node.RunningJobs = make(map[uint32]bool)
			}
			node.RunningJobs[job.ID] = true
			statemachine.AllocateTo(node, len(node.RunningJobs))
			return nil
		}); err != nil {
			p.Logger.Warn("failed to mark node allocated", "node", n.Name, "error", err)
		}
	}

	if p.Agent != nil {
		for _, n := range picked {
			if err := p.Agent.LaunchProlog(n.Name, job.ID); err != nil {
				p.Logger.Warn("prolog launch enqueue failed", "node", n.Name, "job", job.ID, "error", err)
			}
		}
	}

	return true, nil
}

func names(nodes []*structs.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func reorder(nodes []*structs.Node, order []string) []*structs.Node {
	idx := make(map[string]*structs.Node, len(nodes))
	for _, n := range nodes {
		idx[n.Name] = n
	}
	out := make([]*structs.Node, 0, len(order))
	for _, name := range order {
		if n, ok := idx[name]; ok {
			out = append(out, n)
		}
	}
	return out
}
