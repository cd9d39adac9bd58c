package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/mitchellh/copystructure"

	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/structs"
)

// Store is the Entity Store (C3). All mutation happens through its
// methods; callers hold the appropriate internal/lockdomain axis while
// calling them (the Store itself does no locking -- that is a deliberate
// split of concerns per spec.md §4.2/§4.3: C2 owns concurrency, C3 owns
// data).
type Store struct {
	db       *memdb.MemDB
	jobIDs   *clock.JobIDAllocator
	nodeIdx  map[string]int // name -> stable bitmap slot, append-only
	nodeName map[int]string // reverse of nodeIdx
}

func New(jobIDs *clock.JobIDAllocator) (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Store{db: db, jobIDs: jobIDs, nodeIdx: make(map[string]int), nodeName: make(map[int]string)}, nil
}

func deepCopy[T any](v T) T {
	if any(v) == nil {
		return v
	}
	out, err := copystructure.Copy(v)
	if err != nil {
		// copystructure only fails on unsupported kinds (chan/func),
		// none of which appear in this data model.
		panic(fmt.Sprintf("state: deep copy failed: %v", err))
	}
	return out.(T)
}

// --- Nodes ---------------------------------------------------------------

// NodeCount returns the number of nodes in the universe, which is the
// required length for any NodeBitmap (spec.md §3 Job invariant).
func (s *Store) NodeCount() int { return len(s.nodeIdx) }

// NodeIndex returns the stable bitmap slot for a node name, assigning one
// if this is the first time the name is seen (configuration load).
func (s *Store) NodeIndex(name string) int {
	if idx, ok := s.nodeIdx[name]; ok {
		return idx
	}
	idx := len(s.nodeIdx)
	s.nodeIdx[name] = idx
	s.nodeName[idx] = name
	return idx
}

// NodeNamesFromBitmap resolves a job's NodeBitmap back to node names, for
// callers (e.g. C5/C8 job-cancel) that must address each assigned node
// individually.
func (s *Store) NodeNamesFromBitmap(b *structs.NodeBitmap) []string {
	if b == nil {
		return nil
	}
	var out []string
	for _, idx := range b.Indices() {
		if name, ok := s.nodeName[idx]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (s *Store) UpsertNode(n *structs.Node) error {
	n.Index = s.NodeIndex(n.Name)
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableNodes, n); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) FindNode(name string) (*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TableNodes, "id", name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return deepCopy(raw.(*structs.Node)), nil
}

// MutateNode fetches the live (non-copied) node record, applies fn, and
// re-inserts it. Callers must hold the node write lock axis.
func (s *Store) MutateNode(name string, fn func(*structs.Node) error) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(TableNodes, "id", name)
	if err != nil {
		return err
	}
	if raw == nil {
		return structs.ErrInvalidNodeName
	}
	n := raw.(*structs.Node)
	if err := fn(n); err != nil {
		return err
	}
	if err := txn.Insert(TableNodes, n); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) Nodes() ([]*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableNodes, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Node
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, deepCopy(raw.(*structs.Node)))
	}
	return out, nil
}

// --- Jobs ------------------------------------------------------------------

// InsertJob assigns an id via the clock allocator and inserts the job,
// enforcing the bitmap-length invariant (spec.md §3 Job, §4.3).
func (s *Store) InsertJob(j *structs.Job) (uint32, error) {
	id, ok := s.jobIDs.Alloc()
	if !ok {
		return 0, structs.ErrUnexpected
	}
	j.ID = id
	if err := s.checkBitmapInvariant(j); err != nil {
		s.jobIDs.Release(id)
		return 0, err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableJobs, j); err != nil {
		s.jobIDs.Release(id)
		return 0, err
	}
	txn.Commit()
	return id, nil
}

func (s *Store) checkBitmapInvariant(j *structs.Job) error {
	if j.State != structs.JobStateRunning && j.State != structs.JobStateSuspended {
		return nil
	}
	if j.NodeBitmap == nil || j.NodeBitmap.Count() == 0 {
		return fmt.Errorf("job %d: running job must have a non-empty node bitmap", j.ID)
	}
	if j.NodeBitmap.Count() != j.NodeCount {
		return fmt.Errorf("job %d: bitmap cardinality %d != node_cnt %d", j.ID, j.NodeBitmap.Count(), j.NodeCount)
	}
	return nil
}

func (s *Store) FindJob(id uint32) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TableJobs, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return deepCopy(raw.(*structs.Job)), nil
}

// MutateJob fetches the live job record, applies fn, validates invariants,
// and re-inserts it. Callers must hold the job write lock axis.
func (s *Store) MutateJob(id uint32, fn func(*structs.Job) error) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(TableJobs, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return structs.ErrInvalidJobID
	}
	j := raw.(*structs.Job)
	if err := fn(j); err != nil {
		return err
	}
	if err := s.checkBitmapInvariant(j); err != nil {
		return err
	}
	if err := txn.Insert(TableJobs, j); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteJob removes a job's record. It must not be called while Completing
// is set (spec.md §4.3).
func (s *Store) DeleteJob(id uint32) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(TableJobs, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return structs.ErrInvalidJobID
	}
	j := raw.(*structs.Job)
	if j.Flags.Has(structs.JobFlagCompleting) {
		return fmt.Errorf("job %d: cannot delete while Completing", id)
	}
	if err := txn.Delete(TableJobs, j); err != nil {
		return err
	}
	txn.Commit()
	s.jobIDs.Release(id)
	return nil
}

func (s *Store) JobsByUser(user string) ([]*structs.Job, error) {
	return s.jobsByIndex("user", user)
}

func (s *Store) JobsByPartition(partition string) ([]*structs.Job, error) {
	return s.jobsByIndex("partition", partition)
}

func (s *Store) jobsByIndex(index, arg string) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableJobs, index, arg)
	if err != nil {
		return nil, err
	}
	var out []*structs.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, deepCopy(raw.(*structs.Job)))
	}
	return out, nil
}

func (s *Store) Jobs() ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableJobs, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, deepCopy(raw.(*structs.Job)))
	}
	return out, nil
}

// PendingJobsByPartition returns, for a given partition, every job whose
// base state is Pending -- the scheduler's candidate set for one pass
// over that partition (spec.md §4.6 step 1).
func (s *Store) PendingJobsByPartition(partition string) ([]*structs.Job, error) {
	jobs, err := s.JobsByPartition(partition)
	if err != nil {
		return nil, err
	}
	var out []*structs.Job
	for _, j := range jobs {
		if j.State == structs.JobStatePending {
			out = append(out, j)
		}
	}
	return out, nil
}

// --- Steps (embedded in Job) -----------------------------------------------

// FindStep resolves a step inside a job snapshot. Since Steps live inside
// Job.Steps, this is a convenience read; mutation goes through MutateJob.
func (s *Store) FindStep(jobID, stepID uint32) (*structs.Step, error) {
	j, err := s.FindJob(jobID)
	if err != nil || j == nil {
		return nil, err
	}
	return j.Steps[stepID], nil
}

// --- Partitions --------------------------------------------------------------

func (s *Store) UpsertPartition(p *structs.Partition) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TablePartitions, p); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) FindPartition(name string) (*structs.Partition, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TablePartitions, "id", name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return deepCopy(raw.(*structs.Partition)), nil
}

func (s *Store) Partitions() ([]*structs.Partition, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TablePartitions, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Partition
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, deepCopy(raw.(*structs.Partition)))
	}
	return out, nil
}

// --- Reservations --------------------------------------------------------------

func (s *Store) UpsertReservation(r *structs.Reservation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableReservations, r); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) DeleteReservation(name string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(TableReservations, "id", name)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("reservation %q not found", name)
	}
	if err := txn.Delete(TableReservations, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) FindReservation(name string) (*structs.Reservation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TableReservations, "id", name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return deepCopy(raw.(*structs.Reservation)), nil
}

func (s *Store) Reservations() ([]*structs.Reservation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableReservations, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Reservation
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, deepCopy(raw.(*structs.Reservation)))
	}
	return out, nil
}
