package structs

import "time"

// TaskLayout maps tasks to nodes within a Step (spec.md §3 Step).
type TaskLayout struct {
	NodeList    []string
	TasksPerNode []int
	CPUsPerTask int
}

// PortRange is an MPI port reservation on a node (spec.md §4.7).
type PortRange struct {
	Low  int
	High int
}

// Step is a unit of parallel execution inside a Job (spec.md §3 Step).
type Step struct {
	JobID  uint32
	ID     uint32

	NodeBitmap *NodeBitmap // subset of the Job's NodeBitmap

	Layout    TaskLayout
	MemLimit  int // MB, per step

	Ports map[string]PortRange // keyed by node name

	Credential *Credential

	SwitchContext PluginData

	CreateTime time.Time

	// Completion tracking for the binomial-tree fan-in (spec.md §4.8).
	Outstanding *NodeBitmap // nodes not yet reporting completion
	Finished    bool
	ReturnCode  int
}

// BatchScriptStepID is a sentinel step id reserved for the implicit
// batch-script step of a job.
const BatchScriptStepID uint32 = 0xfffffffe

// SBCastStepID is a sentinel step id used only on sbcast credentials,
// which bind a node list and expiration but no task layout.
const SBCastStepID uint32 = 0xfffffffd
