package structs

import "time"

// NodeState is a Node's base state (spec.md §3 Node, §4.4).
type NodeState uint8

const (
	NodeStateUnknown NodeState = iota
	NodeStateDown
	NodeStateIdle
	NodeStateAllocated
	NodeStateError
	NodeStateMixed
	NodeStateFuture
)

func (s NodeState) String() string {
	switch s {
	case NodeStateUnknown:
		return "UNKNOWN"
	case NodeStateDown:
		return "DOWN"
	case NodeStateIdle:
		return "IDLE"
	case NodeStateAllocated:
		return "ALLOCATED"
	case NodeStateError:
		return "ERROR"
	case NodeStateMixed:
		return "MIXED"
	case NodeStateFuture:
		return "FUTURE"
	default:
		return "UNKNOWN"
	}
}

// NodeFlags holds the modifier flags that compose orthogonally with
// NodeState (spec.md §3 Node).
type NodeFlags uint16

const (
	NodeFlagDrain NodeFlags = 1 << iota
	NodeFlagCompleting
	NodeFlagNoRespond
	NodeFlagPowerSave
	NodeFlagPowerUp
	NodeFlagFail
	NodeFlagMaint
	NodeFlagCloud
)

func (f NodeFlags) Has(bit NodeFlags) bool { return f&bit != 0 }

// Topology describes a Node's physical layout (spec.md §3 Node).
type Topology struct {
	Boards  int
	Sockets int
	Cores   int
	Threads int
}

func (t Topology) CPUs() int { return t.Boards * t.Sockets * t.Cores * t.Threads }

// Node is a compute resource (spec.md §3 Node).
type Node struct {
	Name     string
	Address  string
	Aliases  []string

	Topology Topology
	Memory   int // MB
	TmpDisk  int // MB

	Features []string
	Weight   int

	SpecializedCores int // reserved for controller/daemon use

	State NodeState
	Flags NodeFlags
	DrainReason string

	LastRegistration time.Time
	BootTime         time.Time
	Version          string
	ConfigHash       string

	CPULoad float64

	// RunningJobs is the set of job ids the controller currently believes
	// are allocated to this node, used by registration reconciliation
	// (spec.md §4.9 step 4).
	RunningJobs map[uint32]bool

	Index int // stable slot index into the node-bitmap universe
}

// Draining reports the Draining derived predicate (spec.md §3 Node):
// Drain set and base state in {Allocated, Error, Mixed}.
func (n *Node) Draining() bool {
	if !n.Flags.Has(NodeFlagDrain) {
		return false
	}
	switch n.State {
	case NodeStateAllocated, NodeStateError, NodeStateMixed:
		return true
	default:
		return false
	}
}

// Drained reports the Drained derived predicate: Drain set and not
// currently Draining (i.e. already quiesced).
func (n *Node) Drained() bool {
	return n.Flags.Has(NodeFlagDrain) && !n.Draining()
}

// Available reports whether the node can host new work: Idle or
// compatible Mixed, with no blocking flag set.
func (n *Node) Available() bool {
	if n.Flags.Has(NodeFlagDrain) || n.Flags.Has(NodeFlagFail) || n.Flags.Has(NodeFlagMaint) {
		return false
	}
	if n.Flags.Has(NodeFlagNoRespond) {
		return false
	}
	switch n.State {
	case NodeStateIdle, NodeStateMixed:
		return true
	default:
		return false
	}
}

// FrontEnd is a proxy daemon owning several compute nodes; treated as a
// Node for dispatch purposes but stored separately (spec.md §3 FrontEnd).
type FrontEnd struct {
	Node
	OwnedNodes []string
}
