package stepmgr

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/mock"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/structs"
)

func newManagerWithRunningJob(t *testing.T, numTasks int) (*Manager, uint32) {
	t.Helper()
	store, err := state.New(clock.NewJobIDAllocator(1, 0))
	require.NoError(t, err)

	n1, n2 := mock.Node(), mock.Node()
	require.NoError(t, store.UpsertNode(n1))
	require.NoError(t, store.UpsertNode(n2))

	bitmap := structs.NewNodeBitmap(store.NodeCount())
	bitmap.Set(store.NodeIndex(n1.Name))
	bitmap.Set(store.NodeIndex(n2.Name))

	job := mock.Job()
	job.State = structs.JobStateRunning
	job.NodeBitmap = bitmap
	job.NodeCount = 2
	job.StartTime = time.Now()
	job.Request.TimeLimit = time.Hour
	job.JobResources = &structs.JobResources{CPUsPerNode: map[string]int{n1.Name: 4, n2.Name: 4}}

	id, err := store.InsertJob(job)
	require.NoError(t, err)

	m := New(store, lockdomain.NewDomain(), nil, hclog.NewNullLogger())
	return m, id
}

func TestCreateStep_AssignsSequentialIDsPerJob(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)

	resp1, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID, NumTasks: 2}, 1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp1.Step.ID)

	resp2, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID, NumTasks: 2}, 1000)
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp2.Step.ID)
}

func TestCreateStep_RejectsOnNonRunningJob(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)
	require.NoError(t, m.Store.MutateJob(jobID, func(j *structs.Job) error {
		j.State = structs.JobStatePending
		j.NodeBitmap = nil
		j.NodeCount = 0
		return nil
	}))

	_, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID}, 1000)
	require.ErrorIs(t, err, structs.ErrInvalidJobID)
}

func TestCreateStep_RejectsWhileConfiguring(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)
	require.NoError(t, m.Store.MutateJob(jobID, func(j *structs.Job) error {
		j.Flags |= structs.JobFlagConfiguring
		return nil
	}))

	_, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID}, 1000)
	require.ErrorIs(t, err, structs.ErrPrologRunning)
}

func TestCreateStep_NarrowsToRequestedNodeCount(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)

	resp, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID, NodeCount: 1, NumTasks: 1}, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Step.NodeBitmap.Count())
}

func TestBatchStepCredential_CoversFullNodeList(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)

	cred, err := m.BatchStepCredential(jobID, 1000)
	require.NoError(t, err)
	require.Equal(t, structs.BatchScriptStepID, cred.StepID)
	require.Len(t, cred.NodeList, 2)
}

func TestSBCastCredential_ExpiresWithJobTimeLimit(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)

	cred, err := m.SBCastCredential(jobID, 1000)
	require.NoError(t, err)
	require.Equal(t, structs.SBCastStepID, cred.StepID)
	require.False(t, cred.Expiration.IsZero())
}

func TestJobTerminated_ResetsStepIDAllocator(t *testing.T) {
	m, jobID := newManagerWithRunningJob(t, 2)

	resp, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID, NumTasks: 1}, 1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.Step.ID)

	m.JobTerminated(jobID)

	resp2, err := m.CreateStep(&structs.StepCreateRequest{JobID: jobID, NumTasks: 1}, 1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp2.Step.ID, "forgetting a job resets its step id allocator")
}
