package statemachine

import "github.com/filipjs/ostrichctld/internal/structs"

// RegisterTransition applies spec.md §4.9 step 5: clears NoRespond, and if
// the node was Down or Unknown transitions to Idle (or Allocated/Mixed if
// it reports running jobs).
func RegisterTransition(n *structs.Node, hasRunningJobs bool) {
	n.Flags &^= structs.NodeFlagNoRespond
	switch n.State {
	case structs.NodeStateDown, structs.NodeStateUnknown, structs.NodeStateFuture:
		if hasRunningJobs {
			n.State = structs.NodeStateAllocated
		} else {
			n.State = structs.NodeStateIdle
		}
	case structs.NodeStateAllocated, structs.NodeStateMixed:
		if !hasRunningJobs {
			n.State = structs.NodeStateIdle
		}
	}
}

// Drain sets the Drain flag with a reason, leaving base state untouched
// (spec.md §4.4 "If the node reports a mismatch, the node is drained...
// with a reason string and no state change").
func Drain(n *structs.Node, reason string) {
	n.Flags |= structs.NodeFlagDrain
	n.DrainReason = reason
}

// AllocateTo moves a node from Idle into Allocated or Mixed depending on
// whether it will host more than one job after this allocation
// (spec.md §4.4: "Mixed when the node hosts multiple jobs sharing it").
func AllocateTo(n *structs.Node, jobCountAfter int) {
	if jobCountAfter > 1 {
		n.State = structs.NodeStateMixed
	} else {
		n.State = structs.NodeStateAllocated
	}
}

// ReleaseFromJob applies spec.md §4.4 "On epilog complete for the last job
// on a node": Allocated/Mixed -> Idle, unless the node is still Drain
// flagged, in which case it stays Drained (base state still moves to Idle;
// Drained-ness is a derived predicate over Drain+state).
func ReleaseFromJob(n *structs.Node, remainingJobs int) {
	if remainingJobs > 0 {
		if remainingJobs > 1 {
			n.State = structs.NodeStateMixed
		} else {
			n.State = structs.NodeStateAllocated
		}
		return
	}
	switch n.State {
	case structs.NodeStateAllocated, structs.NodeStateMixed:
		n.State = structs.NodeStateIdle
	}
}

// MarkNoRespond sets NoRespond after missed heartbeats beyond the
// configured timeout (spec.md §4.9 watchdog).
func MarkNoRespond(n *structs.Node) {
	n.Flags |= structs.NodeFlagNoRespond
}

// MarkDown transitions a node to Down after further delay beyond
// NoRespond (spec.md §4.9 watchdog).
func MarkDown(n *structs.Node) {
	n.State = structs.NodeStateDown
}

// MarkMaint sets the Maint flag on a node being rebooted, blocking new
// allocations, if the node is eligible (spec.md §4.9 reboot_nodes: "sets
// Maint on non-Down, non-Future, non-cloud-powered-off nodes").
func MarkMaint(n *structs.Node) bool {
	if n.State == structs.NodeStateDown || n.State == structs.NodeStateFuture {
		return false
	}
	if n.Flags.Has(structs.NodeFlagCloud) && n.Flags.Has(structs.NodeFlagPowerSave) {
		return false
	}
	n.Flags |= structs.NodeFlagMaint
	return true
}
