package rpc

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// ctlEndpoint is the "Ctl" net/rpc service: liveness, admin control, and
// the C12 telemetry dump/reset RPCs (spec.md §4.5, §4.12).
type ctlEndpoint struct {
	d *Dispatcher
}

// Ping is node-origin (spec.md §4.5 "Node-origin RPCs (registration,
// epilog complete, step complete, batch complete, ping) require the
// slurm-user identity").
func (e *ctlEndpoint) Ping(req *structs.PingRequest, resp *structs.PingResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSlurmUser); err != nil {
		return err
	}
	e.d.record(msgPing, uid, start)
	return nil
}

// Reconfigure is administrative: super-user only.
func (e *ctlEndpoint) Reconfigure(req *structs.ReconfigureRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	if err := e.d.Scheduler.Plugin.Reconfigure(); err != nil {
		return err
	}
	e.d.record(msgReconfigure, uid, start)
	return nil
}

// Shutdown is administrative: super-user only. This handler only
// authorizes and records the request; it does not stop the process.
// cmd/ostrichctld shuts down on SIGINT or SIGTERM only.
func (e *ctlEndpoint) Shutdown(req *structs.ShutdownRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	e.d.record(msgShutdown, uid, start)
	return nil
}

// SetDebugFlags is administrative: super-user only.
func (e *ctlEndpoint) SetDebugFlags(req *structs.SetDebugFlagsRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	if req.Set {
		e.d.Logger.SetLevel(hclog.Debug)
	} else {
		e.d.Logger.SetLevel(hclog.Info)
	}
	e.d.record(msgSetDebugFlags, uid, start)
	return nil
}

// TelemetrySnapshot implements the dump RPC (spec.md §4.12): open to
// operators and super-users, since it exposes per-uid call volume.
func (e *ctlEndpoint) TelemetrySnapshot(req *structs.TelemetrySnapshotRequest, resp *structs.TelemetrySnapshotResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleOperator); err != nil {
		return err
	}
	byType, byUser := e.d.Telemetry.Dump()
	for _, t := range byType {
		resp.ByType = append(resp.ByType, structs.TelemetryByType{MsgType: t.MsgType, Count: t.Count, CumulativeNS: t.CumulativeNS})
	}
	for _, u := range byUser {
		resp.ByUser = append(resp.ByUser, structs.TelemetryByUser{UID: u.UID, Count: u.Count, CumulativeNS: u.CumulativeNS})
	}
	e.d.record(msgTelemetrySnapshot, uid, start)
	return nil
}

// TelemetryReset is super-user only (spec.md §4.12 "a reset RPC
// (super-user only)").
func (e *ctlEndpoint) TelemetryReset(req *structs.TelemetryResetRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	e.d.Telemetry.Reset()
	e.d.record(msgTelemetryReset, uid, start)
	return nil
}
