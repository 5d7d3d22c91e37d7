package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

// NOTE: expected table schema (see EnsureTable):
// CREATE TABLE device_sessions (
//   device_id TEXT PRIMARY KEY,
//   user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
//   created_at TIMESTAMPTZ NOT NULL,
//   last_seen_at TIMESTAMPTZ NOT NULL
// );

type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS device_sessions (
  device_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_device_sessions_user_id ON device_sessions(user_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *SessionRepo) GetByDeviceID(ctx context.Context, deviceID string) (*entity.DeviceSession, error) {
	const q = `SELECT device_id, user_id, created_at, last_seen_at FROM device_sessions WHERE device_id = $1`
	var s entity.DeviceSession
	if err := database.Conn(ctx, r.db).GetContext(ctx, &s, q, deviceID); err != nil {
		return nil, database.Translate(err)
	}
	return &s, nil
}

// Create inserts s unless a session for the device already exists. It
// reports whether this call inserted the row.
func (r *SessionRepo) Create(ctx context.Context, s *entity.DeviceSession) (bool, error) {
	const q = `INSERT INTO device_sessions (device_id, user_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (device_id) DO NOTHING`
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, q, s.DeviceID, s.UserID, s.LastSeenAt)
	if err != nil {
		return false, database.Translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		s.CreatedAt = s.LastSeenAt
	}
	return n == 1, nil
}

// Upsert binds the device to s.UserID, creating the session if needed.
func (r *SessionRepo) Upsert(ctx context.Context, s *entity.DeviceSession) error {
	const q = `INSERT INTO device_sessions (device_id, user_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (device_id) DO UPDATE SET user_id = EXCLUDED.user_id, last_seen_at = EXCLUDED.last_seen_at
		RETURNING created_at`
	row := database.Conn(ctx, r.db).QueryRowxContext(ctx, q, s.DeviceID, s.UserID, s.LastSeenAt)
	return database.Translate(row.Scan(&s.CreatedAt))
}

func (r *SessionRepo) Touch(ctx context.Context, deviceID string, at time.Time) error {
	const q = `UPDATE device_sessions SET last_seen_at = $2 WHERE device_id = $1`
	return database.ExpectOne(database.Conn(ctx, r.db).ExecContext(ctx, q, deviceID, at))
}

// RepointUser moves every session owned by fromUserID to toUserID.
func (r *SessionRepo) RepointUser(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	const q = `UPDATE device_sessions SET user_id = $2 WHERE user_id = $1`
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, q, fromUserID, toUserID)
	if err != nil {
		return 0, database.Translate(err)
	}
	return res.RowsAffected()
}

func (r *SessionRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := database.Conn(ctx, r.db).GetContext(ctx, &n, `SELECT COUNT(*) FROM device_sessions WHERE user_id = $1`, userID)
	return n, database.Translate(err)
}
