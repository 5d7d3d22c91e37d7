package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	deviceentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/device/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/merge"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/referral"
	userentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/utilities"
)

var ErrInvalidEmail = errors.New("invalid email")

type UserStore interface {
	GetByID(ctx context.Context, id string) (*userentity.User, error)
	GetByEmail(ctx context.Context, email string) (*userentity.User, error)
	Create(ctx context.Context, u *userentity.User) error
	SetIdentity(ctx context.Context, id, email, name string) error
}

type SessionStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*deviceentity.DeviceSession, error)
	Upsert(ctx context.Context, s *deviceentity.DeviceSession) error
}

type Merger interface {
	Merge(ctx context.Context, sourceUserID, targetUserID string) (*merge.Report, error)
}

// Request is the OAuth callback payload.
type Request struct {
	DeviceID     string `json:"deviceId,omitempty"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	ReferralCode string `json:"referralCode,omitempty"`
}

type Result struct {
	UserID    string
	IsNewUser bool
	WasMerged bool
	Action    Action
	Merge     *merge.Report
}

// facts are the rows behind an Observation.
type facts struct {
	obs        Observation
	session    *deviceentity.DeviceSession
	sessionUsr *userentity.User
	owner      *userentity.User
}

// Resolver decides which user an authenticated email belongs to on a device.
type Resolver struct {
	tx        database.Transactor
	users     UserStore
	sessions  SessionStore
	merger    Merger
	referrals referral.Attributor
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewResolver(tx database.Transactor, users UserStore, sessions SessionStore, merger Merger, referrals referral.Attributor, logger *zap.SugaredLogger) *Resolver {
	if referrals == nil {
		referrals = referral.Noop
	}
	return &Resolver{
		tx:        tx,
		users:     users,
		sessions:  sessions,
		merger:    merger,
		referrals: referrals,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve observes the device session and email ownership, classifies the
// scenario and applies it in one transaction. A duplicate key while applying
// means a concurrent sign-in changed the picture, so the resolution is
// retried once against fresh state.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	req.Email = email
	req.Name = strings.TrimSpace(req.Name)
	req.DeviceID = strings.TrimSpace(req.DeviceID)

	var res *Result
	for attempt := 0; ; attempt++ {
		res, err = r.resolveOnce(ctx, req)
		if err == nil || !errors.Is(err, database.ErrDuplicateKey) || attempt == 1 {
			break
		}
		r.logger.Infow("sign-in raced with another request, retrying", "email", email, "device_id", req.DeviceID)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Infow("sign-in resolved",
		"action", res.Action.String(),
		"user_id", res.UserID,
		"device_id", req.DeviceID,
		"is_new_user", res.IsNewUser,
		"was_merged", res.WasMerged,
	)
	if req.ReferralCode != "" && res.Action.AttributesReferral() {
		if err := r.referrals.Attribute(ctx, res.UserID, req.ReferralCode); err != nil {
			r.logger.Warnw("referral attribution failed", "user_id", res.UserID, "code", req.ReferralCode, "err", err)
		}
	}
	return res, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, req Request) (*Result, error) {
	var res *Result
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		f, err := r.observe(ctx, req.DeviceID, req.Email)
		if err != nil {
			return err
		}
		res, err = r.apply(ctx, Classify(f.obs), f, req)
		return err
	})
	return res, err
}

func (r *Resolver) observe(ctx context.Context, deviceID, email string) (*facts, error) {
	f := &facts{}
	owner, err := r.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		f.owner = owner
		f.obs.EmailOwned = true
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("lookup email owner: %w", err)
	}
	if deviceID == "" {
		return f, nil
	}

	sess, err := r.sessions.GetByDeviceID(ctx, deviceID)
	if errors.Is(err, database.ErrNotFound) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device session: %w", err)
	}
	u, err := r.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup session user %s: %w", sess.UserID, err)
	}
	f.session, f.sessionUsr = sess, u
	if u.IsAnonymous() {
		f.obs.Session = SessionAnonymous
	} else {
		f.obs.Session = SessionIdentified
		f.obs.SessionOwnsEmail = u.HasEmail(email)
	}
	return f, nil
}

func (r *Resolver) apply(ctx context.Context, a Action, f *facts, req Request) (*Result, error) {
	res := &Result{Action: a}
	res.IsNewUser, res.WasMerged = a.Outcome()

	switch a {
	case ActionCreateUser, ActionCreateAndRepoint:
		u, err := r.createUser(ctx, req)
		if err != nil {
			return nil, err
		}
		res.UserID = u.ID
	case ActionLinkExisting, ActionHandOff, ActionAlreadyLinked:
		res.UserID = f.owner.ID
	case ActionPromoteAnonymous:
		name := req.Name
		if name == "" {
			name = f.sessionUsr.Name
		}
		if err := r.users.SetIdentity(ctx, f.sessionUsr.ID, req.Email, name); err != nil {
			return nil, fmt.Errorf("promote anonymous user: %w", err)
		}
		res.UserID = f.sessionUsr.ID
	case ActionMergeIntoOwner:
		rep, err := r.merger.Merge(ctx, f.sessionUsr.ID, f.owner.ID)
		if err != nil {
			return nil, err
		}
		res.UserID, res.Merge = f.owner.ID, rep
	default:
		return nil, fmt.Errorf("unhandled sign-in action %d", a)
	}

	if req.DeviceID != "" {
		// Upsert covers linking, repointing and refreshing last_seen_at; after
		// a merge the session already points at the owner.
		if err := r.sessions.Upsert(ctx, &deviceentity.DeviceSession{DeviceID: req.DeviceID, UserID: res.UserID, LastSeenAt: r.now()}); err != nil {
			return nil, fmt.Errorf("bind device session: %w", err)
		}
	}
	return res, nil
}

func (r *Resolver) createUser(ctx context.Context, req Request) (*userentity.User, error) {
	email := req.Email
	u := &userentity.User{ID: utilities.NewKSUID(), Email: &email, Name: req.Name}
	if err := r.users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func normalizeEmail(raw string) (string, error) {
	email := userentity.NormalizeEmail(raw)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
