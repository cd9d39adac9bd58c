package structs

import "time"

// JobState is a Job's base state. A Job is in exactly one of these at a
// time (spec.md §4.4); modifier flags are tracked independently in
// JobFlags.
type JobState uint8

const (
	JobStatePending JobState = iota
	JobStateRunning
	JobStateSuspended
	JobStateComplete
	JobStateCancelled
	JobStateFailed
	JobStateTimeout
	JobStateNodeFail
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "PENDING"
	case JobStateRunning:
		return "RUNNING"
	case JobStateSuspended:
		return "SUSPENDED"
	case JobStateComplete:
		return "COMPLETE"
	case JobStateCancelled:
		return "CANCELLED"
	case JobStateFailed:
		return "FAILED"
	case JobStateTimeout:
		return "TIMEOUT"
	case JobStateNodeFail:
		return "NODE_FAIL"
	default:
		return "UNKNOWN"
	}
}

// JobFlags holds the modifier flags that compose orthogonally with
// JobState (spec.md §3, §4.4).
type JobFlags uint8

const (
	JobFlagCompleting JobFlags = 1 << iota
	JobFlagConfiguring
	JobFlagResizing
	JobFlagRequeue
)

func (f JobFlags) Has(bit JobFlags) bool { return f&bit != 0 }

// JobReason is the reason code explaining why a Job sits in its current
// state (spec.md §3, §4.6 step 4, §7).
type JobReason string

const (
	ReasonNone          JobReason = ""
	ReasonPriority      JobReason = "Priority"
	ReasonResources     JobReason = "Resources"
	ReasonNodeDown      JobReason = "NodeDown"
	ReasonDependency    JobReason = "Dependency"
	ReasonReservation   JobReason = "ReservationBusy"
	ReasonQOSThreshold  JobReason = "QosThreshold"
	ReasonHeld          JobReason = "JobHeldAdmin"
	ReasonPartDown      JobReason = "PartConfigUnavailable"
	ReasonBatchComplete JobReason = "batch job complete failure"
)

// AllocationRequest describes the resource demand submitted with a job
// (spec.md §3 Job).
type AllocationRequest struct {
	MinNodes     int
	MaxNodes     int // 0 means unbounded (== MinNodes floor only)
	CPUs         int
	MemPerCPU    int // mutually exclusive with MemPerNode; 0 if unused
	MemPerNode   int
	Features     []string
	GRES         map[string]int
	Partition    string
	Reservation  string
	QOS          string // empty means no QOS threshold is enforced
	TimeLimit    time.Duration // 0 means "use partition default"
	Immediate    bool
}

// Job is a long-lived unit of resource demand (spec.md §3 Job).
type Job struct {
	ID       uint32
	User     string
	Group    string
	Account  string
	Request  AllocationRequest

	SpankEnv []string

	ArrayMasterID uint32 // 0 if this job is not part of an array
	ArrayTaskID   uint32

	State  JobState
	Flags  JobFlags
	Reason JobReason

	NodeBitmap    *NodeBitmap
	JobResources  *JobResources
	NodeCount     int

	// PrologPending/EpilogPending track, per assigned node, which nodes
	// have not yet reported complete_prolog / epilog completion
	// (spec.md §4.8). Configuring/Completing clear when their respective
	// bitmap reaches zero population.
	PrologPending *NodeBitmap
	EpilogPending *NodeBitmap

	SubmitTime   time.Time
	StartTime    time.Time
	EndTime      time.Time
	LastActive   time.Time

	RestartCount int
	RestartLimit int // retry budget; 0 disables automatic requeue

	HoldOnExitCodes map[int]bool

	Steps map[uint32]*Step

	// SwitchData/SelectData carry opaque switch/select plugin blobs, per the
	// PluginData design note (spec.md §9).
	SwitchData PluginData
	SelectData PluginData
}

// JobResources maps each node assigned to a Job to its CPU share (spec.md
// §3 Job: "a companion 'job resources' record mapping each assigned node
// to its CPU share").
type JobResources struct {
	CPUsPerNode map[string]int
}

// Started reports the Started derived predicate (spec.md §4.4): base state
// strictly past Pending.
func (j *Job) Started() bool { return j.State > JobStatePending }

// Finished reports the Finished derived predicate: base state strictly
// past Suspended (i.e. any terminal state).
func (j *Job) Finished() bool { return j.State > JobStateSuspended }

// Completed reports the Completed derived predicate: Finished and not
// still in post-termination cleanup.
func (j *Job) Completed() bool { return j.Finished() && !j.Flags.Has(JobFlagCompleting) }

// Terminal reports whether the job's base state is one from which only a
// requeue transition is possible (Complete, Cancelled, Failed, Timeout,
// NodeFail).
func (j *Job) Terminal() bool { return j.Finished() }
