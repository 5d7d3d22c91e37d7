package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/notification/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

// Repo stores push tokens and notifications. Both are plain user-owned rows.
type Repo struct {
	db *sqlx.DB
}

func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// EnsureTable creates the push_tokens and notifications tables if they do not
// already exist.
func (r *Repo) EnsureTable(ctx context.Context) error {
	const tbl = `
	CREATE TABLE IF NOT EXISTS push_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token TEXT NOT NULL,
		platform VARCHAR(16) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		read_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	if _, err := r.db.ExecContext(ctx, tbl); err != nil {
		return err
	}

	const idx = `
	CREATE UNIQUE INDEX IF NOT EXISTS idx_push_tokens_token ON push_tokens (token);
	CREATE INDEX IF NOT EXISTS idx_push_tokens_user_id ON push_tokens (user_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications (user_id);
	`
	_, err := r.db.ExecContext(ctx, idx)
	return err
}

// UpsertPushToken registers t, moving an already known token to t.UserID.
func (r *Repo) UpsertPushToken(ctx context.Context, t *entity.PushToken) error {
	const q = `INSERT INTO push_tokens (id, user_id, token, platform) VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform
		RETURNING id, created_at`
	row := database.Conn(ctx, r.db).QueryRowxContext(ctx, q, t.ID, t.UserID, t.Token, t.Platform)
	return database.Translate(row.Scan(&t.ID, &t.CreatedAt))
}

func (r *Repo) ReassignPushTokens(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	return r.reassign(ctx, `UPDATE push_tokens SET user_id=$2 WHERE user_id=$1`, fromUserID, toUserID)
}

func (r *Repo) ReassignNotifications(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	return r.reassign(ctx, `UPDATE notifications SET user_id=$2 WHERE user_id=$1`, fromUserID, toUserID)
}

func (r *Repo) reassign(ctx context.Context, q, from, to string) (int64, error) {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, q, from, to)
	if err != nil {
		return 0, database.Translate(err)
	}
	return res.RowsAffected()
}

// CountByUser counts push tokens plus notifications owned by userID.
func (r *Repo) CountByUser(ctx context.Context, userID string) (int64, error) {
	const q = `SELECT (SELECT COUNT(*) FROM push_tokens WHERE user_id=$1) + (SELECT COUNT(*) FROM notifications WHERE user_id=$1)`
	var n int64
	err := database.Conn(ctx, r.db).GetContext(ctx, &n, q, userID)
	return n, database.Translate(err)
}
