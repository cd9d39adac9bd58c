package scheduler

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/config"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/mock"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/structs"
)

type fixture struct {
	store    *state.Store
	locks    *lockdomain.Domain
	throttle *lockdomain.Throttle
	cfg      *config.Holder
	plugin   *DefaultPlugin
	pipeline *Pipeline
}

func newFixture(t *testing.T, nodeCount int) *fixture {
	t.Helper()
	store, err := state.New(clock.NewJobIDAllocator(1, 0))
	require.NoError(t, err)

	var names []string
	for i := 0; i < nodeCount; i++ {
		n := mock.Node()
		require.NoError(t, store.UpsertNode(n))
		names = append(names, n.Name)
	}
	require.NoError(t, store.UpsertPartition(mock.Partition("default", names...)))

	locks := lockdomain.NewDomain()
	throttle := lockdomain.NewThrottle()
	cfg := config.NewHolder(config.Default())

	plugin := &DefaultPlugin{
		Store: store, Locks: locks, Config: cfg,
		Topology: plugins.IdentityTopology{}, Priority: plugins.AgePriority{},
		Logger: hclog.NewNullLogger(),
	}
	pipeline := NewPipeline(store, locks, throttle, cfg, plugin, hclog.NewNullLogger())
	return &fixture{store: store, locks: locks, throttle: throttle, cfg: cfg, plugin: plugin, pipeline: pipeline}
}

func TestAllocate_ImmediateSuccessStartsJobAtOnce(t *testing.T) {
	f := newFixture(t, 1)

	resp, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User: "alice", Account: "acct",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default", Immediate: true},
	})
	require.NoError(t, err)

	job, err := f.store.FindJob(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobStateRunning, job.State)
}

func TestAllocate_ImmediateInfeasibleDeletesJobAndErrors(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User: "alice",
		Request: structs.AllocationRequest{MinNodes: 2, MaxNodes: 2, CPUs: 1, Partition: "default", Immediate: true},
	})
	require.ErrorIs(t, err, structs.ErrCanNotStartImmediately)

	jobs, err := f.store.Jobs()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestAllocate_DeferredLeavesJobPending(t *testing.T) {
	f := newFixture(t, 1)

	resp, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User: "alice",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default"},
	})
	require.NoError(t, err)

	job, err := f.store.FindJob(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobStatePending, job.State)
}

func TestAllocate_UnknownPartitionRejected(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "alice",
		Request: structs.AllocationRequest{Partition: "missing"},
	})
	require.ErrorIs(t, err, structs.ErrPartConfigUnavailable)
}

func TestAllocate_DisallowedUserRejected(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.UpsertPartition(&structs.Partition{
		Name: "restricted", Nodes: nil, AllowedUsers: []string{"root"}, MaxTimeLimit: time.Hour,
	}))

	_, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "alice",
		Request: structs.AllocationRequest{Partition: "restricted"},
	})
	require.ErrorIs(t, err, structs.ErrAccessDenied)
}

func TestAllocate_TimeLimitExceedsPartitionMax(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User: "alice",
		Request: structs.AllocationRequest{
			MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default", TimeLimit: 48 * time.Hour,
		},
	})
	require.ErrorIs(t, err, structs.ErrTimeLimitExceedsPartition)
}

func TestAllocate_UnknownQOSRejected(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "alice",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default", QOS: "missing"},
	})
	require.ErrorIs(t, err, structs.ErrQOSThreshold)
}

func TestAllocate_QOSMaxJobsPerUserRejectsOverThreshold(t *testing.T) {
	f := newFixture(t, 1)
	snap := config.Default()
	snap.QOS = []config.QOSConfig{{Name: "capped", MaxJobsPerUser: 1}}
	f.cfg.Swap(snap)

	req := structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default", QOS: "capped"}
	_, err := f.pipeline.Allocate(&structs.JobAllocateRequest{User: "alice", Request: req})
	require.NoError(t, err)

	_, err = f.pipeline.Allocate(&structs.JobAllocateRequest{User: "alice", Request: req})
	require.ErrorIs(t, err, structs.ErrQOSThreshold)

	// A different user has their own threshold budget.
	_, err = f.pipeline.Allocate(&structs.JobAllocateRequest{User: "bob", Request: req})
	require.NoError(t, err)
}

func TestSchedule_FillsPendingJobsInPriorityOrder(t *testing.T) {
	f := newFixture(t, 1)

	older, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "alice",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default"},
	})
	require.NoError(t, err)
	newer, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "bob",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default"},
	})
	require.NoError(t, err)

	started, err := f.plugin.Schedule(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, started, "only one node exists, only one job can start")

	job1, _ := f.store.FindJob(older.JobID)
	job2, _ := f.store.FindJob(newer.JobID)
	require.Equal(t, structs.JobStateRunning, job1.State, "the older job wins the single node: both score 0 under AgePriority at sub-second age, and the stable sort keeps submission order")
	require.Equal(t, structs.JobStatePending, job2.State)
}

func TestWillRun_DoesNotMutateStore(t *testing.T) {
	f := newFixture(t, 1)

	resp, err := f.pipeline.WillRun(&structs.JobWillRunRequest{
		User:    "alice",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default"},
	})
	require.NoError(t, err)
	require.Len(t, resp.NodeList, 1)

	jobs, err := f.store.Jobs()
	require.NoError(t, err)
	require.Empty(t, jobs, "WillRun is a probe, it must not insert a job")
}

func TestRequeue_RejectsUnfinishedJob(t *testing.T) {
	f := newFixture(t, 1)

	resp, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "alice",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default"},
	})
	require.NoError(t, err)

	err = f.pipeline.Requeue(&structs.JobRequeueRequest{JobID: resp.JobID})
	require.ErrorIs(t, err, structs.ErrInProgress)
}

func TestRequeue_AdminRequestedBypassesEligibilityAndBudget(t *testing.T) {
	f := newFixture(t, 1)

	resp, err := f.pipeline.Allocate(&structs.JobAllocateRequest{
		User:    "alice",
		Request: structs.AllocationRequest{MinNodes: 1, MaxNodes: 1, CPUs: 1, Partition: "default", Immediate: true},
	})
	require.NoError(t, err)

	require.NoError(t, f.store.MutateJob(resp.JobID, func(j *structs.Job) error {
		j.State = structs.JobStateComplete
		return nil
	}))

	require.NoError(t, f.pipeline.Requeue(&structs.JobRequeueRequest{JobID: resp.JobID, AdminRequested: true}))

	job, err := f.store.FindJob(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobStatePending, job.State)
	require.Equal(t, 0, job.RestartCount, "admin-requested requeue does not consume the restart budget")
}

func TestKick_Coalesces(t *testing.T) {
	f := newFixture(t, 1)
	f.pipeline.Kick()
	f.pipeline.Kick()
	f.pipeline.Kick()
	require.Len(t, f.pipeline.kick, 1, "a burst of kicks only wakes the loop once")
}
