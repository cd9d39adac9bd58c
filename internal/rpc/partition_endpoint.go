package rpc

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// partitionEndpoint is the "Partition" net/rpc service: read-only
// info/list, privacy-masked the same way Job/Node/Reservation are
// (spec.md §4.5 "Read RPCs honor a per-object privacy mask").
type partitionEndpoint struct {
	d *Dispatcher
}

func (e *partitionEndpoint) Info(req *structs.PartitionInfoRequest, resp *structs.PartitionInfoResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	p, err := e.d.Store.FindPartition(req.Name)
	if err != nil {
		return err
	}
	if p == nil {
		return structs.ErrPartConfigUnavailable
	}
	if e.d.Config.Current().PrivateDataPartitions && !role.atLeast(RoleOperator) {
		name, err := e.d.username(uid)
		if err != nil {
			return err
		}
		if !p.AllowsUser(name, "") {
			return structs.ErrAccessDenied
		}
	}
	resp.Partition = p
	e.d.record(msgPartitionInfo, uid, start)
	return nil
}

// List returns every partition, filtered to the ones the caller is
// allowed to submit into when PrivateDataPartitions is set and the
// caller isn't operator+.
func (e *partitionEndpoint) List(req *structs.PartitionListRequest, resp *structs.PartitionListResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	all, err := e.d.Store.Partitions()
	if err != nil {
		return err
	}
	if e.d.Config.Current().PrivateDataPartitions && !role.atLeast(RoleOperator) {
		name, err := e.d.username(uid)
		if err != nil {
			return err
		}
		all = filterPartitionsForUser(all, name)
	}
	resp.Partitions = all
	e.d.record(msgPartitionList, uid, start)
	return nil
}

func filterPartitionsForUser(all []*structs.Partition, user string) []*structs.Partition {
	var out []*structs.Partition
	for _, p := range all {
		if p.AllowsUser(user, "") {
			out = append(out, p)
		}
	}
	return out
}
