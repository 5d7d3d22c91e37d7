package merge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	vehicleentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

var errAlreadyMerged = errors.New("source user already merged")

// run is the state threaded through the steps of one merge.
type run struct {
	source, target string
	stores         Stores
	logger         *zap.SugaredLogger
	report         *Report

	targetByReg    map[string]vehicleentity.Vehicle
	sourceVehicles []vehicleentity.VehicleWithTickets
}

type step struct {
	name string
	run  func(ctx context.Context, r *run) error
}

// pipeline is the fixed, ordered list of merge steps. Steps run sequentially
// so duplicate-ticket skips are reproducible from the logs.
func pipeline() []step {
	return []step{
		{"lock-users", lockUsers},
		{"index-target-vehicles", indexTargetVehicles},
		{"load-source-vehicles", loadSourceVehicles},
		{"migrate-vehicles", migrateVehicles},
		{"reassign-push-tokens", reassignPushTokens},
		{"reassign-notifications", reassignNotifications},
		{"repoint-device-sessions", repointDeviceSessions},
		{"verify-source-empty", verifySourceEmpty},
		{"delete-source-user", deleteSourceUser},
	}
}

func lockUsers(ctx context.Context, r *run) error {
	for _, id := range lockOrder(r.source, r.target) {
		_, err := r.stores.Users.LockByID(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, database.ErrNotFound) && id == r.source:
			return errAlreadyMerged
		case errors.Is(err, database.ErrNotFound):
			return fmt.Errorf("target user %s: %w", id, err)
		default:
			return fmt.Errorf("lock user %s: %w", id, err)
		}
	}
	return nil
}

func indexTargetVehicles(ctx context.Context, r *run) error {
	vs, err := r.stores.Vehicles.ListByUser(ctx, r.target)
	if err != nil {
		return err
	}
	r.targetByReg = make(map[string]vehicleentity.Vehicle, len(vs))
	for _, v := range vs {
		r.targetByReg[vehicleentity.NormalizeRegistration(v.RegistrationNumber)] = v
	}
	return nil
}

func loadSourceVehicles(ctx context.Context, r *run) error {
	vs, err := r.stores.Vehicles.ListByUser(ctx, r.source)
	if err != nil {
		return err
	}
	r.sourceVehicles = make([]vehicleentity.VehicleWithTickets, 0, len(vs))
	for _, v := range vs {
		ts, err := r.stores.Tickets.ListByVehicle(ctx, v.ID)
		if err != nil {
			return fmt.Errorf("tickets of vehicle %s: %w", v.ID, err)
		}
		r.sourceVehicles = append(r.sourceVehicles, vehicleentity.VehicleWithTickets{Vehicle: v, Tickets: ts})
	}
	return nil
}

func migrateVehicles(ctx context.Context, r *run) error {
	for _, sv := range r.sourceVehicles {
		reg := vehicleentity.NormalizeRegistration(sv.RegistrationNumber)
		tv, collides := r.targetByReg[reg]
		if !collides {
			if err := r.stores.Vehicles.Reassign(ctx, sv.ID, r.target); err != nil {
				return fmt.Errorf("reassign vehicle %s: %w", sv.ID, err)
			}
			r.report.VehiclesMoved++
			r.report.TicketsMoved += len(sv.Tickets)
			continue
		}
		for _, t := range sv.Tickets {
			err := r.stores.Tickets.Move(ctx, t.ID, tv.ID)
			if err == nil {
				r.report.TicketsMoved++
				continue
			}
			if !errors.Is(err, database.ErrDuplicateKey) {
				return fmt.Errorf("move ticket %s: %w", t.ID, err)
			}
			r.logger.Warnw("duplicate ticket skipped during merge",
				"pcn_number", t.PCNNumber,
				"ticket_id", t.ID,
				"source_vehicle_id", sv.ID,
				"target_vehicle_id", tv.ID,
				"registration_number", reg,
			)
			if err := r.stores.Tickets.Delete(ctx, t.ID); err != nil {
				return fmt.Errorf("delete duplicate ticket %s: %w", t.ID, err)
			}
			r.report.SkippedPCNs = append(r.report.SkippedPCNs, t.PCNNumber)
		}
		if err := r.stores.Vehicles.Delete(ctx, sv.ID); err != nil {
			return fmt.Errorf("delete collapsed vehicle %s: %w", sv.ID, err)
		}
		r.report.VehiclesCollapsed++
	}
	return nil
}

func reassignPushTokens(ctx context.Context, r *run) (err error) {
	r.report.PushTokens, err = r.stores.Inbox.ReassignPushTokens(ctx, r.source, r.target)
	return err
}

func reassignNotifications(ctx context.Context, r *run) (err error) {
	r.report.Notifications, err = r.stores.Inbox.ReassignNotifications(ctx, r.source, r.target)
	return err
}

func repointDeviceSessions(ctx context.Context, r *run) (err error) {
	r.report.DeviceSessions, err = r.stores.Sessions.RepointUser(ctx, r.source, r.target)
	return err
}

// verifySourceEmpty refuses to delete through cascades: anything still owned
// by the source at this point is a migration bug.
func verifySourceEmpty(ctx context.Context, r *run) error {
	counts := []struct {
		what  string
		count func(context.Context, string) (int64, error)
	}{
		{"vehicles", r.stores.Vehicles.CountByUser},
		{"push tokens and notifications", r.stores.Inbox.CountByUser},
		{"device sessions", r.stores.Sessions.CountByUser},
	}
	for _, c := range counts {
		n, err := c.count(ctx, r.source)
		if err != nil {
			return fmt.Errorf("count %s: %w", c.what, err)
		}
		if n != 0 {
			return fmt.Errorf("%d %s still owned by source", n, c.what)
		}
	}
	return nil
}

func deleteSourceUser(ctx context.Context, r *run) error {
	return r.stores.Users.Delete(ctx, r.source)
}
