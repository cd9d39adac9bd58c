// Package nodehealth implements C9: node registration reconciliation and
// the periodic liveness watchdog (spec.md §4.9).
package nodehealth

import (
	"time"

	"github.com/hashicorp/go-hclog"
	goversion "github.com/hashicorp/go-version"

	"github.com/filipjs/ostrichctld/internal/config"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/statemachine"
	"github.com/filipjs/ostrichctld/internal/structs"
)

// Kicker is the subset of internal/scheduler.Pipeline this package drives
// on a newly-up node (spec.md §4.9 step 6).
type Kicker interface {
	Kick()
}

type Manager struct {
	Store  *state.Store
	Locks  *lockdomain.Domain
	Config *config.Holder
	Agent  plugins.NodeAgent
	Sched  Kicker
	Logger hclog.Logger
	now    func() time.Time
}

func New(store *state.Store, locks *lockdomain.Domain, cfg *config.Holder, agent plugins.NodeAgent, sched Kicker, logger hclog.Logger) *Manager {
	return &Manager{
		Store:  store,
		Locks:  locks,
		Config: cfg,
		Agent:  agent,
		Sched:  sched,
		Logger: logger.Named("nodehealth"),
		now:    time.Now,
	}
}

// RegisterNode implements spec.md §4.9 register_node.
func (m *Manager) RegisterNode(req *structs.NodeRegisterRequest) (*structs.NodeUpdateResponse, error) {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Node, lockdomain.Write).
		With(lockdomain.Job, lockdomain.Read))
	defer held.Release()

	report := req.Report
	node, err := m.Store.FindNode(report.Name)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, structs.ErrInvalidNodeName
	}

	cfg := m.Config.Current()
	resp := &structs.NodeUpdateResponse{}

	if cfg.MinNodeVersion != "" {
		if old, err := versionOlderThan(report.Version, cfg.MinNodeVersion); err != nil {
			m.Logger.Warn("node reported unparsable version", "node", report.Name, "version", report.Version, "error", err)
		} else if old {
			resp.Drained = true
			resp.DrainReason = "node daemon version older than minimum"
		}
	}

	if cfg.ConfigHash != "" && report.ConfigHash != cfg.ConfigHash && !resp.Drained {
		if cfg.NoConfHash {
			m.Logger.Warn("node config hash mismatch, ignoring", "node", report.Name)
		} else {
			resp.Drained = true
			resp.DrainReason = "config hash mismatch"
		}
	}

	if !cfg.FastSchedule && !resp.Drained {
		if reason, mismatch := hardwareMismatch(report, nodeConfigFor(cfg, report.Name)); mismatch {
			resp.Drained = true
			resp.DrainReason = reason
		}
	}

	resp.AbortSteps = m.reconcileRunningWork(node, report)

	newlyUp := node.State == structs.NodeStateDown || node.State == structs.NodeStateUnknown
	resp.NewlyUp = newlyUp

	err = m.Store.MutateNode(report.Name, func(n *structs.Node) error {
		n.LastRegistration = m.now()
		n.Version = report.Version
		n.ConfigHash = report.ConfigHash
		n.Topology = report.Topology
		n.Memory = report.Memory
		n.TmpDisk = report.TmpDisk
		if resp.Drained {
			// spec.md §4.9 step 2/3: a mismatch drains the node "with a
			// reason string and no state change" -- skip the normal
			// Unknown/Down -> Idle promotion below.
			statemachine.Drain(n, resp.DrainReason)
			n.Flags &^= structs.NodeFlagNoRespond
			return nil
		}
		statemachine.RegisterTransition(n, len(report.RunningJobs) > 0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if newlyUp && m.Sched != nil {
		m.Sched.Kick()
	}
	return resp, nil
}

// reconcileRunningWork implements spec.md §4.9 step 4: any job the
// controller believes is running on this node but the node does not
// report is marked NodeFail; any job/step the node reports that the
// controller does not recognize is returned for the node to abort.
func (m *Manager) reconcileRunningWork(node *structs.Node, report structs.NodeSelfReport) []structs.StepID {
	reported := make(map[uint32]bool, len(report.RunningJobs))
	for _, id := range report.RunningJobs {
		reported[id] = true
	}

	for jobID := range node.RunningJobs {
		if reported[jobID] {
			continue
		}
		if err := m.Store.MutateJob(jobID, func(j *structs.Job) error {
			if j.State != structs.JobStateRunning {
				return nil
			}
			j.Reason = structs.ReasonNodeDown
			return statemachine.ApplyJobTransition(j, structs.JobStateNodeFail)
		}); err != nil {
			m.Logger.Warn("failed to fail job missing from node report", "job", jobID, "node", node.Name, "error", err)
		}
	}

	var abort []structs.StepID
	for jobID, stepIDs := range report.RunningSteps {
		job, err := m.Store.FindJob(jobID)
		if err != nil {
			continue
		}
		for _, stepID := range stepIDs {
			if job == nil || job.State != structs.JobStateRunning {
				abort = append(abort, structs.StepID{JobID: jobID, StepID: stepID})
				continue
			}
			if stepID != structs.BatchScriptStepID {
				if _, ok := job.Steps[stepID]; !ok {
					abort = append(abort, structs.StepID{JobID: jobID, StepID: stepID})
				}
			}
		}
	}
	if m.Agent != nil {
		for _, s := range abort {
			if err := m.Agent.AbortStep(node.Name, s.JobID, s.StepID); err != nil {
				m.Logger.Warn("abort-step enqueue failed", "node", node.Name, "job", s.JobID, "step", s.StepID, "error", err)
			}
		}
	}
	return abort
}

func versionOlderThan(reported, min string) (bool, error) {
	if reported == "" {
		return false, nil
	}
	rv, err := goversion.NewVersion(reported)
	if err != nil {
		return false, err
	}
	mv, err := goversion.NewVersion(min)
	if err != nil {
		return false, err
	}
	return rv.LessThan(mv), nil
}

func nodeConfigFor(cfg *config.Snapshot, name string) *config.NodeConfig {
	for i := range cfg.Nodes {
		if cfg.Nodes[i].Name == name {
			return &cfg.Nodes[i]
		}
	}
	return nil
}

func hardwareMismatch(report structs.NodeSelfReport, nc *config.NodeConfig) (string, bool) {
	if nc == nil {
		return "", false
	}
	if report.Topology.CPUs() < nc.CPUs {
		return "fewer CPUs than configured", true
	}
	if report.Memory < nc.Memory {
		return "less memory than configured", true
	}
	return "", false
}

// RebootNodes implements spec.md §4.9 reboot_nodes.
func (m *Manager) RebootNodes(req *structs.RebootNodesRequest) error {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Write))
	defer held.Release()

	for _, name := range req.NodeNames {
		var scheduled bool
		err := m.Store.MutateNode(name, func(n *structs.Node) error {
			scheduled = statemachine.MarkMaint(n)
			return nil
		})
		if err != nil {
			m.Logger.Warn("reboot_nodes: node not found", "node", name, "error", err)
			continue
		}
		if scheduled && m.Agent != nil {
			if err := m.Agent.RebootNode(name); err != nil {
				m.Logger.Warn("reboot signal enqueue failed", "node", name, "error", err)
			}
		}
	}
	return nil
}

// Watch runs the periodic liveness sweep described in spec.md §4.9: nodes
// whose last registration exceeds slurmd_timeout get NoRespond; a second,
// longer grace period beyond that downs them outright.
func (m *Manager) Watch(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cfg := m.Config.Current()
	if cfg.SlurmdTimeout <= 0 {
		return
	}
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Node, lockdomain.Write))
	defer held.Release()

	nodes, err := m.Store.Nodes()
	if err != nil {
		m.Logger.Warn("watchdog: failed to list nodes", "error", err)
		return
	}
	now := m.now()
	downAfter := 2 * cfg.SlurmdTimeout
	for _, n := range nodes {
		if n.LastRegistration.IsZero() {
			continue
		}
		silence := now.Sub(n.LastRegistration)
		var mutateErr error
		switch {
		case silence >= downAfter && n.State != structs.NodeStateDown:
			mutateErr = m.Store.MutateNode(n.Name, func(node *structs.Node) error {
				statemachine.MarkDown(node)
				return nil
			})
		case silence >= cfg.SlurmdTimeout && !n.Flags.Has(structs.NodeFlagNoRespond):
			mutateErr = m.Store.MutateNode(n.Name, func(node *structs.Node) error {
				statemachine.MarkNoRespond(node)
				return nil
			})
		}
		if mutateErr != nil {
			m.Logger.Warn("watchdog: node update failed", "node", n.Name, "error", mutateErr)
		}
	}
}
