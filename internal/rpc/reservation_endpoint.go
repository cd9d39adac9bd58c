package rpc

import (
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// reservationEndpoint is the "Reservation" net/rpc service (spec.md
// §4.10). Create/Update/Delete are administrative (super-user); List is
// open to any authenticated caller, filtered down to reservations the
// caller may actually use unless they are an operator.
type reservationEndpoint struct {
	d *Dispatcher
}

func (e *reservationEndpoint) Create(req *structs.ReservationCreateRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	if err := e.d.Reservations.Create(req); err != nil {
		return err
	}
	e.d.record(msgReservationCreate, uid, start)
	return nil
}

func (e *reservationEndpoint) Update(req *structs.ReservationUpdateRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	if err := e.d.Reservations.Update(req); err != nil {
		return err
	}
	e.d.record(msgReservationUpdate, uid, start)
	return nil
}

func (e *reservationEndpoint) Delete(req *structs.ReservationDeleteRequest, resp *structs.GenericResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	if err := requireRole(role, RoleSuperUser); err != nil {
		return err
	}
	if err := e.d.Reservations.Delete(req); err != nil {
		return err
	}
	e.d.record(msgReservationDelete, uid, start)
	return nil
}

func (e *reservationEndpoint) List(req *structs.ReservationListRequest, resp *structs.ReservationListResponse) error {
	start := time.Now()
	uid, _, role, err := e.d.identity(req.AuthToken)
	if err != nil {
		return err
	}
	out, err := e.d.Reservations.List(req.Node, req.User)
	if err != nil {
		return err
	}
	if !role.atLeast(RoleOperator) {
		name, err := e.d.username(uid)
		if err != nil {
			return err
		}
		out = filterReservationsForUser(out, name)
	}
	resp.Reservations = out
	e.d.record(msgReservationList, uid, start)
	return nil
}

func filterReservationsForUser(all []*structs.Reservation, user string) []*structs.Reservation {
	var out []*structs.Reservation
	for _, r := range all {
		if r.AllowsUser(user, "") {
			out = append(out, r)
		}
	}
	return out
}
