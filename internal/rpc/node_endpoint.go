package rpc

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// nodeEndpoint is the "Node" net/rpc service (spec.md §4.9).
type nodeEndpoint struct {
	d *Dispatcher
}

// Register is node-origin only (spec.md §4.5 "Node-origin RPCs...
// require the slurm-user identity").
func (e *nodeEndpoint) Register(req *structs.NodeRegisterRequest, resp *structs.NodeUpdateResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSlurmUser); err != nil {
		return err
	}
	out, err := e.d.Health.RegisterNode(req)
	if err != nil {
		return err
	}
	*resp = *out
	e.d.record(msgNodeRegister, uid, start)
	return nil
}

// Reboot is administrative: super-user only (spec.md §4.5 "Administrative
// RPCs... require super-user").
func (e *nodeEndpoint) Reboot(req *structs.RebootNodesRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	if err := e.d.Health.RebootNodes(req); err != nil {
		return err
	}
	e.d.record(msgNodeReboot, uid, start)
	return nil
}

// Info is privacy-masked: with PrivateDataNodes set, a non-operator only
// sees a node if one of their own jobs is running on it (spec.md §4.5
// "Read RPCs honor a per-object privacy mask").
func (e *nodeEndpoint) Info(req *structs.NodeInfoRequest, resp *structs.NodeInfoResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	n, err := e.d.Store.FindNode(req.Name)
	if err != nil {
		return err
	}
	if n == nil {
		return structs.ErrInvalidNodeName
	}
	if e.d.Config.Current().PrivateDataNodes && !role.atLeast(RoleOperator) {
		name, err := e.d.username(uid)
		if err != nil {
			return err
		}
		visible, err := e.nodeVisibleToUser(n, name)
		if err != nil {
			return err
		}
		if !visible {
			return structs.ErrAccessDenied
		}
	}
	resp.Node = n
	e.d.record(msgNodeInfo, uid, start)
	return nil
}

// List returns every node, filtered to the ones running the caller's own
// jobs when PrivateDataNodes is set and the caller isn't operator+.
func (e *nodeEndpoint) List(req *structs.NodeListRequest, resp *structs.NodeListResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	all, err := e.d.Store.Nodes()
	if err != nil {
		return err
	}
	if e.d.Config.Current().PrivateDataNodes && !role.atLeast(RoleOperator) {
		name, err := e.d.username(uid)
		if err != nil {
			return err
		}
		all, err = e.filterNodesForUser(all, name)
		if err != nil {
			return err
		}
	}
	resp.Nodes = all
	e.d.record(msgNodeList, uid, start)
	return nil
}

func (e *nodeEndpoint) filterNodesForUser(all []*structs.Node, user string) ([]*structs.Node, error) {
	var out []*structs.Node
	for _, n := range all {
		visible, err := e.nodeVisibleToUser(n, user)
		if err != nil {
			return nil, err
		}
		if visible {
			out = append(out, n)
		}
	}
	return out, nil
}

// nodeVisibleToUser reports whether one of n's RunningJobs belongs to
// user, the only notion of node "ownership" this data model has.
func (e *nodeEndpoint) nodeVisibleToUser(n *structs.Node, user string) (bool, error) {
	for jobID := range n.RunningJobs {
		job, err := e.d.Store.FindJob(jobID)
		if err != nil {
			return false, err
		}
		if job != nil && job.User == user {
			return true, nil
		}
	}
	return false, nil
}
