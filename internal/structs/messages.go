package structs

import "time"

// QueryOptions/WriteRequest/QueryMeta/WriteMeta are the envelope types
// every RPC request/response embeds, mirroring the teacher's
// structs.QueryOptions / structs.WriteRequest pattern (grounded on
// command/agent/node_endpoint_test.go: `structs.WriteRequest{Region: "global"}`,
// `structs.QueryOptions{Region: "global"}`).

type QueryOptions struct {
	Region     string
	AllowStale bool
	MinIndex   uint64 // for blocking queries

	// AuthToken is the opaque credential C5 hands to plugins.Authentication
	// to resolve the caller's uid/gid (spec.md §4.5).
	AuthToken []byte
}

type WriteRequest struct {
	Region    string
	AuthToken []byte
}

type QueryMeta struct {
	Index       uint64
	KnownLeader bool
	LastContact time.Duration
}

type WriteMeta struct {
	Index uint64
}

// --- C9 Node Registration & Health -----------------------------------

type NodeSelfReport struct {
	Name        string
	Arch        string
	Topology    Topology
	Memory      int
	TmpDisk     int
	Uptime      time.Duration
	RunningJobs []uint32
	RunningSteps map[uint32][]uint32 // job id -> step ids
	Version     string
	ConfigHash  string
}

type NodeRegisterRequest struct {
	Node   *Node
	Report NodeSelfReport
	WriteRequest
}

type NodeUpdateResponse struct {
	Drained      bool
	DrainReason  string
	NewlyUp      bool
	AbortSteps   []StepID // steps the node reported that the controller doesn't know
	WriteMeta
}

type StepID struct {
	JobID  uint32
	StepID uint32
}

type NodeListStub struct {
	Name  string
	State NodeState
	Flags NodeFlags
}

type RebootNodesRequest struct {
	NodeNames []string
	WriteRequest
}

// --- C6 Scheduling Pipeline --------------------------------------------

type JobAllocateRequest struct {
	User      string
	Group     string
	Account   string
	Request   AllocationRequest
	SpankEnv  []string
	WriteRequest
}

type JobAllocateResponse struct {
	JobID           uint32
	ReservationMap  map[string]string // node -> reservation name, if gated
	Reason          JobReason
	WriteMeta
}

type JobWillRunRequest struct {
	User    string
	Request AllocationRequest
	QueryOptions
}

type JobWillRunResponse struct {
	StartEstimate time.Time
	NodeList      []string
	Reason        JobReason
	QueryMeta
}

type JobSubmitBatchRequest struct {
	User       string
	Group      string
	Account    string
	Request    AllocationRequest
	SpankEnv   []string
	BatchScript []byte
	WriteRequest
}

type JobSubmitBatchResponse struct {
	JobID  uint32
	Reason JobReason
	WriteMeta
}

type JobRequeueRequest struct {
	JobID uint32
	// AdminRequested marks this as an admin-initiated requeue, which does
	// not consume the per-job restart budget (spec.md §9 Open Question).
	AdminRequested bool
	WriteRequest
}

type JobCancelRequest struct {
	JobID  uint32
	StepID uint32 // BatchScriptStepID to kill the whole job
	WriteRequest
}

// --- C5 Read RPCs: Job/Node/Partition info & list, privacy-masked by
// Config.Current().PrivateDataJobs/Nodes/Partitions (spec.md §4.5 "Read
// RPCs honor a per-object privacy mask", §8 Testable Property 8) ---------

type JobInfoRequest struct {
	JobID uint32
	QueryOptions
}

type JobInfoResponse struct {
	Job *Job
	QueryMeta
}

type JobListRequest struct {
	QueryOptions
}

type JobListResponse struct {
	Jobs []*Job
	QueryMeta
}

type NodeInfoRequest struct {
	Name string
	QueryOptions
}

type NodeInfoResponse struct {
	Node *Node
	QueryMeta
}

type NodeListRequest struct {
	QueryOptions
}

type NodeListResponse struct {
	Nodes []*Node
	QueryMeta
}

type PartitionInfoRequest struct {
	Name string
	QueryOptions
}

type PartitionInfoResponse struct {
	Partition *Partition
	QueryMeta
}

type PartitionListRequest struct {
	QueryOptions
}

type PartitionListResponse struct {
	Partitions []*Partition
	QueryMeta
}

// --- C7 Step & Credential Manager ---------------------------------------

type StepCreateRequest struct {
	JobID        uint32
	NumTasks     int
	CPUsPerTask  int
	MemLimit     int
	NodeCount    int
	WantPorts    bool
	WriteRequest
}

type StepCreateResponse struct {
	Step       *Step
	Credential *Credential
	WriteMeta
}

type BatchStepCredentialRequest struct {
	JobID uint32
	WriteRequest
}

type SBCastCredentialRequest struct {
	JobID uint32
	WriteRequest
}

type CredentialResponse struct {
	Credential *Credential
	WriteMeta
}

// --- C8 Completion Reconciler --------------------------------------------

type EpilogCompleteRequest struct {
	JobID uint32
	Node  string
	RC    int
	WriteRequest
}

type StepCompleteRequest struct {
	JobID      uint32
	StepID     uint32
	FirstNode  int
	LastNode   int
	RC         int
	Accounting map[string]float64
	WriteRequest
}

type BatchCompleteRequest struct {
	JobID      uint32
	Node       string
	ScriptRC   int
	SlurmdRC   int
	Accounting map[string]float64
	WriteRequest
}

type JobCompleteRequest struct {
	JobID uint32
	RC    int
	WriteRequest
}

type CompletePrologRequest struct {
	JobID uint32
	Node  string
	RC    int
	WriteRequest
}

type GenericResponse struct {
	WriteMeta
}

// --- C10 Reservation Manager ---------------------------------------------

type ReservationCreateRequest struct {
	Reservation *Reservation
	WriteRequest
}

type ReservationUpdateRequest struct {
	Reservation *Reservation
	WriteRequest
}

type ReservationDeleteRequest struct {
	Name string
	WriteRequest
}

type ReservationListRequest struct {
	Node string // optional: narrow to reservations covering this node
	User string // optional: narrow to reservations usable by this user
	QueryOptions
}

type ReservationListResponse struct {
	Reservations []*Reservation
	QueryMeta
}

// --- C5 Admin / C12 Telemetry ---------------------------------------------

type PingRequest struct {
	WriteRequest
}

type PingResponse struct {
	WriteMeta
}

type ReconfigureRequest struct {
	WriteRequest
}

type ShutdownRequest struct {
	Options ShutdownOptions
	WriteRequest
}

type ShutdownOptions struct {
	Core bool
}

type SetDebugFlagsRequest struct {
	Mask uint32
	Set  bool // true adds, false clears
	WriteRequest
}

type TelemetrySnapshotRequest struct {
	QueryOptions
}

type TelemetryByType struct {
	MsgType       uint16
	Count         uint64
	CumulativeNS  int64
}

type TelemetryByUser struct {
	UID          uint32
	Count        uint64
	CumulativeNS int64
}

type TelemetrySnapshotResponse struct {
	ByType []TelemetryByType
	ByUser []TelemetryByUser
	QueryMeta
}

type TelemetryResetRequest struct {
	WriteRequest
}
