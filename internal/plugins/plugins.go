// Package plugins defines the narrow capability interfaces the core
// consumes from external collaborators (C11, spec.md §4.11, §1 "Out of
// scope"). Implementations live outside the core; this package also
// provides small in-process reference implementations used by tests and
// by the single-process demo wiring in cmd/ostrichctld.
package plugins

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// Authentication verifies an opaque credential and maps it to a uid/gid,
// mirroring the teacher's pluggable auth backend.
type Authentication interface {
	Verify(credential []byte) (uid, gid uint32, err error)
	ErrorString(credential []byte) string
}

// UIDResolver maps a numeric uid to the username ownership checks compare
// against (spec.md §4.5 authorization policy: "Write RPCs targeting a
// specific object require ownership"). A production deployment wraps
// os/user; StaticAuth serves this role for tests and the in-process demo.
type UIDResolver interface {
	Username(uid uint32) (string, error)
}

// WireCodec decodes/encodes the versioned, length-prefixed wire messages
// described in spec.md §6. The RPC dispatcher (C5) sits on top of this.
type WireCodec interface {
	Decode(b []byte) (msgType uint16, payload []byte, err error)
	Encode(msgType uint16, payload []byte) ([]byte, error)
}

// CredentialSigner mints and verifies the step/batch/sbcast credentials
// described in spec.md §4.7/§6. RotateKey is atomic with respect to new
// mints (spec.md §5 "Credential signer holds its private key internally").
type CredentialSigner interface {
	Mint(c *structs.Credential) error
	Verify(c *structs.Credential) error
	RotateKey(privateKey []byte) error
}

// Accounting is a best-effort sink: failures are logged, never propagated
// (spec.md §4.11, §7 "Infrastructure errors").
type Accounting interface {
	JobStart(j *structs.Job)
	JobEnd(j *structs.Job)
	StepStart(s *structs.Step)
	StepEnd(s *structs.Step)
	NodeDown(nodeName, reason string)
}

// Snapshot is the payload restore_all() hands back at startup.
type Snapshot struct {
	Jobs         []*structs.Job
	Nodes        []*structs.Node
	Partitions   []*structs.Partition
	Reservations []*structs.Reservation
	NextJobID    uint32
}

// StateSave persists the four entity collections plus the id counter,
// each as an atomic shadow-file-then-rename write (spec.md §4.11, §6
// "Persisted state").
type StateSave interface {
	SaveJobs(jobs []*structs.Job) error
	SaveNodes(nodes []*structs.Node) error
	SavePartitions(parts []*structs.Partition) error
	SaveReservations(res []*structs.Reservation) error
	RestoreAll() (*Snapshot, error)
}

// PriorityPlugin supplies job priority and its contributing factors
// (spec.md §4.11; treated as pluggable per §1 Non-goals: "fair-share
// computation internals").
type PriorityPlugin interface {
	PriorityOf(j *structs.Job) uint32
	Factors(j *structs.Job) PriorityFactors
}

type PriorityFactors struct {
	Age        float64
	Fairshare  float64
	JobSize    float64
	Partition  float64
	QOS        float64
}

// SchedulerPlugin is the pluggable placement engine C6 drives
// (spec.md §4.11, §4.6).
type SchedulerPlugin interface {
	Schedule(now time.Time) (started int, err error)
	WillRun(req *structs.JobWillRunRequest) (*structs.JobWillRunResponse, error)
	Reconfigure() error
}

// TopologyPlugin orders a candidate node subset by topology preference
// before the minimal-weight selection pass (spec.md §4.6 step 2).
type TopologyPlugin interface {
	OrderNodes(subset []string) []string
}

// SwitchPlugin packs/unpacks the opaque per-job and per-step blobs carried
// in credentials (spec.md §4.11, §9 "Large opaque blobs" design note).
type SwitchPlugin interface {
	Pack(data structs.PluginData) ([]byte, error)
	Unpack(b []byte) (structs.PluginData, error)
	Copy(data structs.PluginData) structs.PluginData
}

// NodeAgent is the outbound half of the C11 collaborator set: asynchronous
// messages to node daemons, sent over the agent queue described in
// spec.md §5 ("The Agent queue (outbound messages to node agents) is an
// MPSC channel with its own synchronization"). Handlers enqueue and
// return without waiting for delivery -- spec.md §5 forbids outbound
// network I/O while the lock domain is held.
type NodeAgent interface {
	LaunchProlog(node string, jobID uint32) error
	LaunchBatch(node string, jobID uint32, script []byte, cred *structs.Credential) error
	KillJob(node string, jobID uint32) error
	AbortStep(node string, jobID, stepID uint32) error
	RebootNode(node string) error
}
