// Package stepmgr implements C7: step creation against a running job and
// the three credential-minting operations (spec.md §4.7).
package stepmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/structs"
)

const (
	minMPIPort = 10000
	maxMPIPort = 20000
)

// Manager is C7. It holds one StepIDAllocator per job (steps are
// per-job-monotonic, spec.md §4.1) and a single MPI port allocator shared
// across the node universe.
type Manager struct {
	Store  *state.Store
	Locks  *lockdomain.Domain
	Signer plugins.CredentialSigner
	Logger hclog.Logger

	mu         sync.Mutex
	stepIDs    map[uint32]*clock.StepIDAllocator
	portCursor map[string]int // node -> next port to try
}

func New(store *state.Store, locks *lockdomain.Domain, signer plugins.CredentialSigner, logger hclog.Logger) *Manager {
	return &Manager{
		Store:      store,
		Locks:      locks,
		Signer:     signer,
		Logger:     logger.Named("stepmgr"),
		stepIDs:    make(map[uint32]*clock.StepIDAllocator),
		portCursor: make(map[string]int),
	}
}

func (m *Manager) allocatorFor(jobID uint32) *clock.StepIDAllocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.stepIDs[jobID]
	if !ok {
		a = clock.NewStepIDAllocator()
		m.stepIDs[jobID] = a
	}
	return a
}

// forgetJob drops a job's step id allocator once the job is terminal, so
// the map does not grow without bound across the controller's lifetime.
func (m *Manager) forgetJob(jobID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stepIDs, jobID)
}

// CreateStep implements spec.md §4.7 create_step.
func (m *Manager) CreateStep(req *structs.StepCreateRequest, uid uint32) (*structs.StepCreateResponse, error) {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().
		With(lockdomain.Job, lockdomain.Write).
		With(lockdomain.Node, lockdomain.Read))
	defer held.Release()

	job, err := m.Store.FindJob(req.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, structs.ErrInvalidJobID
	}
	if job.State == structs.JobStateSuspended {
		return nil, structs.ErrDisabled
	}
	if job.State != structs.JobStateRunning {
		return nil, structs.ErrInvalidJobID
	}
	if job.Flags.Has(structs.JobFlagConfiguring) {
		return nil, structs.ErrPrologRunning
	}

	jobNodes := jobNodeNames(job)
	nodeCount := req.NodeCount
	if nodeCount <= 0 || nodeCount > len(jobNodes) {
		nodeCount = len(jobNodes)
	}
	if nodeCount == 0 {
		return nil, structs.ErrInvalidJobID
	}
	stepNodes := jobNodes[:nodeCount]

	totalCPUs := 0
	for _, n := range stepNodes {
		totalCPUs += job.JobResources.CPUsPerNode[n]
	}
	if req.NumTasks > 0 && req.CPUsPerTask > 0 && req.NumTasks*req.CPUsPerTask > totalCPUs {
		return nil, structs.ErrInvalidJobID
	}

	stepID := m.allocatorFor(job.ID).Alloc()
	layout := layoutTasks(stepNodes, req.NumTasks, req.CPUsPerTask)

	bitmap := structs.NewNodeBitmap(m.Store.NodeCount())
	for _, n := range stepNodes {
		bitmap.Set(m.Store.NodeIndex(n))
	}

	var ports map[string]structs.PortRange
	if req.WantPorts {
		ports = make(map[string]structs.PortRange, len(stepNodes))
		for _, n := range stepNodes {
			ports[n] = m.reservePorts(n)
		}
	}

	memLimit := req.MemLimit
	if memLimit <= 0 {
		memLimit = job.Request.MemPerNode
	}

	step := &structs.Step{
		JobID:       job.ID,
		ID:          stepID,
		NodeBitmap:  bitmap,
		Layout:      layout,
		MemLimit:    memLimit,
		Ports:       ports,
		CreateTime:  time.Now(),
		Outstanding: bitmap.Clone(),
	}

	cred := &structs.Credential{
		JobID:       job.ID,
		StepID:      stepID,
		UID:         uid,
		NodeList:    stepNodes,
		MemoryLimit: memLimit,
		Expiration:  job.StartTime.Add(job.Request.TimeLimit),
	}
	if err := m.mint(cred); err != nil {
		return nil, err
	}
	step.Credential = cred

	err = m.Store.MutateJob(job.ID, func(j *structs.Job) error {
		if j.Steps == nil {
			j.Steps = make(map[uint32]*structs.Step)
		}
		j.Steps[stepID] = step
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &structs.StepCreateResponse{Step: step, Credential: cred}, nil
}

// BatchStepCredential implements spec.md §4.7 batch_step_credential: a
// credential for the implicit batch-script step, covering the job's full
// node list.
func (m *Manager) BatchStepCredential(jobID uint32, uid uint32) (*structs.Credential, error) {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Job, lockdomain.Read))
	job, err := m.Store.FindJob(jobID)
	held.Release()
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, structs.ErrInvalidJobID
	}
	cred := &structs.Credential{
		JobID:       job.ID,
		StepID:      structs.BatchScriptStepID,
		UID:         uid,
		NodeList:    jobNodeNames(job),
		MemoryLimit: job.Request.MemPerNode,
		Expiration:  job.StartTime.Add(job.Request.TimeLimit),
	}
	if err := m.mint(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// SBCastCredential implements spec.md §4.7 sbcast_credential: a
// broadcast-file credential that expires at the job's end time rather than
// the step's own lifetime.
func (m *Manager) SBCastCredential(jobID uint32, uid uint32) (*structs.Credential, error) {
	held := m.Locks.Acquire(lockdomain.NewDeclaration().With(lockdomain.Job, lockdomain.Read))
	job, err := m.Store.FindJob(jobID)
	held.Release()
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, structs.ErrInvalidJobID
	}
	expiry := job.StartTime.Add(job.Request.TimeLimit)
	if expiry.IsZero() {
		expiry = time.Now().Add(24 * time.Hour)
	}
	cred := &structs.Credential{
		JobID:       job.ID,
		StepID:      structs.SBCastStepID,
		UID:         uid,
		NodeList:    jobNodeNames(job),
		MemoryLimit: job.Request.MemPerNode,
		Expiration:  expiry,
	}
	if err := m.mint(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (m *Manager) mint(c *structs.Credential) error {
	if m.Signer == nil {
		return nil
	}
	if err := m.Signer.Mint(c); err != nil {
		return structs.ErrCredentialInvalid
	}
	return nil
}

// JobTerminated releases the step id allocator for a job once it reaches a
// terminal state, called by the reconciler (C8) on job_complete.
func (m *Manager) JobTerminated(jobID uint32) { m.forgetJob(jobID) }

// reservePorts hands out the next unused MPI port pair on node, wrapping
// within [minMPIPort, maxMPIPort] (spec.md §4.7 "reserves MPI ports if
// requested"). It does not track release: ports are scoped to a step's
// lifetime by convention and the range is wide enough that wraparound
// collisions are vanishingly unlikely in practice for a single controller.
func (m *Manager) reservePorts(node string) structs.PortRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.portCursor[node]
	if !ok || cur >= maxMPIPort {
		cur = minMPIPort
	}
	low := cur
	high := cur + 1
	m.portCursor[node] = high + 1
	return structs.PortRange{Low: low, High: high}
}

// jobNodeNames returns the job's assigned node list, stable-ordered, drawn
// from the per-node CPU share map populated at placement time
// (internal/scheduler.tryPlace).
func jobNodeNames(j *structs.Job) []string {
	if j.JobResources == nil {
		return nil
	}
	out := make([]string, 0, len(j.JobResources.CPUsPerNode))
	for n := range j.JobResources.CPUsPerNode {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// layoutTasks distributes numTasks round-robin (cyclically) across nodes:
// task i goes to node i mod len(nodes).
func layoutTasks(nodes []string, numTasks, cpusPerTask int) structs.TaskLayout {
	if numTasks <= 0 {
		numTasks = len(nodes)
	}
	if cpusPerTask <= 0 {
		cpusPerTask = 1
	}
	perNode := make([]int, len(nodes))
	for i := 0; i < numTasks; i++ {
		perNode[i%len(nodes)]++
	}
	return structs.TaskLayout{
		NodeList:     nodes,
		TasksPerNode: perNode,
		CPUsPerTask:  cpusPerTask,
	}
}
