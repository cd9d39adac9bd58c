package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/mock"
	"github.com/filipjs/ostrichctld/internal/structs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(clock.NewJobIDAllocator(1, 0))
	require.NoError(t, err)
	return s
}

func TestUpsertNode_AssignsStableBitmapIndex(t *testing.T) {
	s := newStore(t)
	n := mock.Node()
	require.NoError(t, s.UpsertNode(n))
	require.Equal(t, 0, n.Index)

	found, err := s.FindNode(n.Name)
	require.NoError(t, err)
	require.Equal(t, 0, found.Index)

	n2 := mock.Node()
	require.NoError(t, s.UpsertNode(n2))
	require.Equal(t, 1, n2.Index)
	require.Equal(t, 2, s.NodeCount())
}

func TestFindNode_ReturnsDeepCopyNotLiveRecord(t *testing.T) {
	s := newStore(t)
	n := mock.Node()
	require.NoError(t, s.UpsertNode(n))

	copy1, err := s.FindNode(n.Name)
	require.NoError(t, err)
	copy1.Memory = 999999

	copy2, err := s.FindNode(n.Name)
	require.NoError(t, err)
	require.NotEqual(t, 999999, copy2.Memory, "mutating a returned copy must not affect stored state")
}

func TestMutateNode_MissingNameErrors(t *testing.T) {
	s := newStore(t)
	err := s.MutateNode("ghost", func(*structs.Node) error { return nil })
	require.ErrorIs(t, err, structs.ErrInvalidNodeName)
}

func TestNodeNamesFromBitmap_ResolvesSetIndices(t *testing.T) {
	s := newStore(t)
	n1, n2 := mock.Node(), mock.Node()
	require.NoError(t, s.UpsertNode(n1))
	require.NoError(t, s.UpsertNode(n2))

	b := structs.NewNodeBitmap(s.NodeCount())
	b.Set(n2.Index)

	names := s.NodeNamesFromBitmap(b)
	require.Equal(t, []string{n2.Name}, names)
}

func TestInsertJob_AllocatesMonotonicIDs(t *testing.T) {
	s := newStore(t)
	id1, err := s.InsertJob(mock.Job())
	require.NoError(t, err)
	id2, err := s.InsertJob(mock.Job())
	require.NoError(t, err)
	require.Equal(t, id1+1, id2)
}

func TestInsertJob_RejectsRunningJobWithEmptyBitmap(t *testing.T) {
	s := newStore(t)
	j := mock.Job()
	j.State = structs.JobStateRunning
	j.NodeCount = 1

	_, err := s.InsertJob(j)
	require.Error(t, err)
}

func TestInsertJob_RejectsBitmapCountMismatchWithNodeCount(t *testing.T) {
	s := newStore(t)
	n := mock.Node()
	require.NoError(t, s.UpsertNode(n))

	j := mock.Job()
	j.State = structs.JobStateRunning
	j.NodeCount = 2
	b := structs.NewNodeBitmap(s.NodeCount())
	b.Set(n.Index)
	j.NodeBitmap = b

	_, err := s.InsertJob(j)
	require.Error(t, err)
}

func TestMutateJob_ReEnforcesBitmapInvariantOnWrite(t *testing.T) {
	s := newStore(t)
	id, err := s.InsertJob(mock.Job())
	require.NoError(t, err)

	err = s.MutateJob(id, func(j *structs.Job) error {
		j.State = structs.JobStateRunning
		j.NodeCount = 1
		j.NodeBitmap = nil
		return nil
	})
	require.Error(t, err)
}

func TestDeleteJob_RejectsWhileCompleting(t *testing.T) {
	s := newStore(t)
	id, err := s.InsertJob(mock.Job())
	require.NoError(t, err)
	require.NoError(t, s.MutateJob(id, func(j *structs.Job) error {
		j.Flags |= structs.JobFlagCompleting
		return nil
	}))

	err = s.DeleteJob(id)
	require.Error(t, err)
}

func TestDeleteJob_ReleasesIDForReuse(t *testing.T) {
	// Ids keep increasing until the allocator wraps; a one-id space wraps on
	// every allocation, so the next Alloc lands on the id DeleteJob released.
	s, err := New(clock.NewJobIDAllocator(1, 1))
	require.NoError(t, err)
	id, err := s.InsertJob(mock.Job())
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(id))

	id2, err := s.InsertJob(mock.Job())
	require.NoError(t, err)
	require.Equal(t, id, id2, "once the id space wraps, the released id is reused")
}

func TestPendingJobsByPartition_OnlyReturnsPendingState(t *testing.T) {
	s := newStore(t)
	j1 := mock.Job()
	j1.Request.Partition = "default"
	id1, err := s.InsertJob(j1)
	require.NoError(t, err)

	j2 := mock.Job()
	j2.Request.Partition = "default"
	id2, err := s.InsertJob(j2)
	require.NoError(t, err)
	require.NoError(t, s.MutateJob(id2, func(j *structs.Job) error {
		j.State = structs.JobStateCancelled
		return nil
	}))

	pending, err := s.PendingJobsByPartition("default")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id1, pending[0].ID)
}

func TestFindStep_ResolvesFromJobsEmbeddedMap(t *testing.T) {
	s := newStore(t)
	j := mock.Job()
	j.Steps[3] = &structs.Step{JobID: 0, ID: 3}
	id, err := s.InsertJob(j)
	require.NoError(t, err)
	require.NoError(t, s.MutateJob(id, func(job *structs.Job) error {
		job.Steps[3].JobID = id
		return nil
	}))

	step, err := s.FindStep(id, 3)
	require.NoError(t, err)
	require.NotNil(t, step)
	require.Equal(t, uint32(3), step.ID)

	missing, err := s.FindStep(id, 99)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestReservations_UpsertFindDelete(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertReservation(mock.Reservation("r1", 0, "node-1")))

	found, err := s.FindReservation("r1")
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, s.DeleteReservation("r1"))
	gone, err := s.FindReservation("r1")
	require.NoError(t, err)
	require.Nil(t, gone)
}
