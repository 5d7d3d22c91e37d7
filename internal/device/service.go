package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device/entity"
	userentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/utilities"
)

const maxDeviceIDLen = 255

var ErrInvalidDeviceID = errors.New("invalid device id")

// ErrDeviceIdentified rejects a bare device identifier for a device whose user
// has signed in. Such a device must present its token.
var ErrDeviceIdentified = errors.New("device is bound to an identified user")

// errLostRace signals that another request created the session first.
var errLostRace = errors.New("device session created concurrently")

type UserStore interface {
	Create(ctx context.Context, u *userentity.User) error
	GetByID(ctx context.Context, id string) (*userentity.User, error)
}

type SessionStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*entity.DeviceSession, error)
	Create(ctx context.Context, s *entity.DeviceSession) (bool, error)
	Touch(ctx context.Context, deviceID string, at time.Time) error
}

type BootstrapResult struct {
	UserID string
	IsNew  bool
}

// Service resolves device identifiers to users, creating anonymous users on
// first contact.
type Service struct {
	tx       database.Transactor
	users    UserStore
	sessions SessionStore
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewService(tx database.Transactor, users UserStore, sessions SessionStore, logger *zap.SugaredLogger) *Service {
	return &Service{tx: tx, users: users, sessions: sessions, logger: logger, now: time.Now}
}

// NormalizeDeviceID trims id and rejects empty or oversized identifiers.
func NormalizeDeviceID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxDeviceIDLen {
		return "", ErrInvalidDeviceID
	}
	return id, nil
}

// GetOrCreateDeviceUser is safe to call on every app foreground event: only
// the first call for a device id creates a user and a session.
func (s *Service) GetOrCreateDeviceUser(ctx context.Context, deviceID string) (*BootstrapResult, error) {
	deviceID, err := NormalizeDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	if res, err := s.existing(ctx, deviceID); res != nil || err != nil {
		return res, err
	}

	u := &userentity.User{ID: utilities.NewKSUID(), Name: userentity.AnonymousName}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, u); err != nil {
			return fmt.Errorf("create anonymous user: %w", err)
		}
		created, err := s.sessions.Create(ctx, &entity.DeviceSession{DeviceID: deviceID, UserID: u.ID, LastSeenAt: s.now()})
		if err != nil {
			return fmt.Errorf("create device session: %w", err)
		}
		if !created {
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		s.logger.Debugw("device bootstrap lost insert race", "device_id", deviceID)
		res, err := s.existing(ctx, deviceID)
		if err == nil && res == nil {
			err = fmt.Errorf("device session %s vanished after conflict", deviceID)
		}
		return res, err
	}
	if err != nil {
		return nil, err
	}
	s.logger.Infow("anonymous user created", "device_id", deviceID, "user_id", u.ID)
	return &BootstrapResult{UserID: u.ID, IsNew: true}, nil
}

// AuthenticateDevice bootstraps deviceID and accepts it as a credential only
// while the device is unbound or its user is still anonymous.
func (s *Service) AuthenticateDevice(ctx context.Context, deviceID string) (*BootstrapResult, error) {
	res, err := s.GetOrCreateDeviceUser(ctx, deviceID)
	if err != nil || res.IsNew {
		return res, err
	}
	u, err := s.users.GetByID(ctx, res.UserID)
	if err != nil {
		return nil, fmt.Errorf("load device user: %w", err)
	}
	if !u.IsAnonymous() {
		return nil, ErrDeviceIdentified
	}
	return res, nil
}

// existing returns nil, nil when the device has no session yet.
func (s *Service) existing(ctx context.Context, deviceID string) (*BootstrapResult, error) {
	sess, err := s.sessions.GetByDeviceID(ctx, deviceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device session: %w", err)
	}
	if err := s.sessions.Touch(ctx, deviceID, s.now()); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("touch device session: %w", err)
	}
	return &BootstrapResult{UserID: sess.UserID, IsNew: false}, nil
}

// CurrentOwner returns the user the device is bound to right now.
func (s *Service) CurrentOwner(ctx context.Context, deviceID string) (string, error) {
	sess, err := s.sessions.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return sess.UserID, nil
}
