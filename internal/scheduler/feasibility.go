// Package scheduler implements C6: admission of pending jobs, the
// pluggable placement algorithm, and back-pressure via throttling
// (spec.md §4.6).
package scheduler

import (
	"sort"
	"time"

	"github.com/hashicorp/go-set/v3"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// filterFeasible narrows nodes to the feasible set for req, applying
// spec.md §4.6 step 2: partition membership, feature match,
// availability, and reservation gating. req.GRES is not checked: nodes
// carry no GRES inventory to match it against.
func filterFeasible(nodes []*structs.Node, part *structs.Partition, req structs.AllocationRequest, reservations []*structs.Reservation, user, account string, now time.Time) []*structs.Node {
	partNodes := set.From(part.Nodes)

	var active []*structs.Reservation
	for _, r := range reservations {
		if r.Active(now) {
			active = append(active, r)
		}
	}
	blocked := blockedNodeSet(active, req.Reservation, user, account)

	var out []*structs.Node
	for _, n := range nodes {
		if !partNodes.Contains(n.Name) {
			continue
		}
		if !n.Available() {
			continue
		}
		if !hasFeatures(n.Features, req.Features) {
			continue
		}
		if blocked.Contains(n.Name) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func hasFeatures(have, want []string) bool {
	haveSet := set.From(have)
	return haveSet.ContainsSlice(want)
}

// blockedNodeSet computes which nodes are off-limits: nodes inside an
// active reservation that isn't the one requested (or none requested at
// all) and whose user/account allow-list excludes this requester
// (spec.md §4.10 "Acts as a gate that the scheduler consults").
func blockedNodeSet(reservations []*structs.Reservation, wantReservation, user, account string) *set.Set[string] {
	blocked := set.New[string](0)
	for _, r := range reservations {
		if r.Name == wantReservation {
			continue // this request is authorized to use these nodes
		}
		if r.AllowsUser(user, account) {
			continue
		}
		blocked.InsertSlice(r.Nodes)
	}
	return blocked
}

// selectMinimalWeight picks the smallest-weight subset of candidate nodes
// satisfying req's min/max node count and aggregate CPU demand
// (spec.md §4.6 step 2 final clause). It stable-sorts the candidates by
// weight, so the incoming topology order only breaks ties between equal
// weights, then picks greedily until the demand is met, which is a
// reasonable approximation of "minimal-weight subset".
func selectMinimalWeight(nodes []*structs.Node, req structs.AllocationRequest) ([]*structs.Node, bool) {
	sorted := make([]*structs.Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight < sorted[j].Weight })

	var picked []*structs.Node
	cpus := 0
	maxNodes := req.MaxNodes
	if maxNodes <= 0 {
		maxNodes = len(sorted)
	}
	for _, n := range sorted {
		if len(picked) >= maxNodes {
			break
		}
		picked = append(picked, n)
		cpus += n.Topology.CPUs()
		if len(picked) >= req.MinNodes && cpus >= req.CPUs {
			return picked, true
		}
	}
	if len(picked) >= req.MinNodes && cpus >= req.CPUs {
		return picked, true
	}
	return nil, false
}
