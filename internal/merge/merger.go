package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	userentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	vehicleentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

var (
	// ErrMergeAborted wraps every failure that rolled a merge back. Both users
	// are left as they were and the merge may be retried.
	ErrMergeAborted = errors.New("merge aborted")
	ErrSameUser     = errors.New("cannot merge a user into itself")
)

type UserStore interface {
	LockByID(ctx context.Context, id string) (*userentity.User, error)
	Delete(ctx context.Context, id string) error
}

type VehicleStore interface {
	ListByUser(ctx context.Context, userID string) ([]vehicleentity.Vehicle, error)
	Reassign(ctx context.Context, vehicleID, userID string) error
	Delete(ctx context.Context, vehicleID string) error
	CountByUser(ctx context.Context, userID string) (int64, error)
}

type TicketStore interface {
	ListByVehicle(ctx context.Context, vehicleID string) ([]vehicleentity.Ticket, error)
	Move(ctx context.Context, ticketID, vehicleID string) error
	Delete(ctx context.Context, ticketID string) error
}

type InboxStore interface {
	ReassignPushTokens(ctx context.Context, fromUserID, toUserID string) (int64, error)
	ReassignNotifications(ctx context.Context, fromUserID, toUserID string) (int64, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
}

type SessionStore interface {
	RepointUser(ctx context.Context, fromUserID, toUserID string) (int64, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
}

// Stores groups the repositories a merge touches.
type Stores struct {
	Users    UserStore
	Vehicles VehicleStore
	Tickets  TicketStore
	Inbox    InboxStore
	Sessions SessionStore
}

// Report summarises what a merge moved.
type Report struct {
	SourceUserID      string
	TargetUserID      string
	AlreadyMerged     bool
	VehiclesMoved     int
	VehiclesCollapsed int
	TicketsMoved      int
	SkippedPCNs       []string
	PushTokens        int64
	Notifications     int64
	DeviceSessions    int64
}

// Merger moves everything a source user owns into a target user and deletes
// the source. It is destructive and not reversible.
type Merger struct {
	tx     database.Transactor
	stores Stores
	steps  []step
	logger *zap.SugaredLogger
}

func NewMerger(tx database.Transactor, stores Stores, logger *zap.SugaredLogger) *Merger {
	return &Merger{tx: tx, stores: stores, steps: pipeline(), logger: logger}
}

// Merge runs the step pipeline in one transaction. If ctx already carries a
// transaction the merge joins it. A source user that no longer exists is
// reported as AlreadyMerged with a nil error.
func (m *Merger) Merge(ctx context.Context, sourceUserID, targetUserID string) (*Report, error) {
	if sourceUserID == targetUserID {
		return nil, ErrSameUser
	}
	var report *Report
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		run := &run{
			source: sourceUserID,
			target: targetUserID,
			stores: m.stores,
			logger: m.logger.With("source_user_id", sourceUserID, "target_user_id", targetUserID),
			report: &Report{SourceUserID: sourceUserID, TargetUserID: targetUserID},
		}
		report = run.report
		for _, s := range m.steps {
			if err := s.run(ctx, run); err != nil {
				if errors.Is(err, errAlreadyMerged) {
					report.AlreadyMerged = true
					return nil
				}
				run.logger.Errorw("merge step failed", "step", s.name, "err", err)
				return fmt.Errorf("%w: %s: %w", ErrMergeAborted, s.name, err)
			}
			run.logger.Debugw("merge step done", "step", s.name)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrMergeAborted) {
			err = fmt.Errorf("%w: %w", ErrMergeAborted, err)
		}
		return nil, err
	}
	if report.AlreadyMerged {
		m.logger.Infow("merge source already gone", "source_user_id", sourceUserID, "target_user_id", targetUserID)
		return report, nil
	}
	m.logger.Infow("users merged",
		"source_user_id", sourceUserID,
		"target_user_id", targetUserID,
		"vehicles_moved", report.VehiclesMoved,
		"vehicles_collapsed", report.VehiclesCollapsed,
		"tickets_moved", report.TicketsMoved,
		"tickets_skipped", len(report.SkippedPCNs),
		"push_tokens", report.PushTokens,
		"notifications", report.Notifications,
		"device_sessions", report.DeviceSessions,
	)
	return report, nil
}

// lockOrder returns ids sorted so concurrent merges lock rows in the same order.
func lockOrder(ids ...string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
