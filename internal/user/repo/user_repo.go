package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

// UserRepo provides data access for users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email CITEXT UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const userColumns = `id, email, name, created_at, updated_at`

// Create inserts u. A taken email yields database.ErrDuplicateKey.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	const q = `INSERT INTO users (id, email, name) VALUES ($1, $2, $3) RETURNING created_at, updated_at`
	row := database.Conn(ctx, r.db).QueryRowxContext(ctx, q, u.ID, u.Email, u.Name)
	return database.Translate(row.Scan(&u.CreatedAt, &u.UpdatedAt))
}

// GetByID fetches a user or database.ErrNotFound.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	var u entity.User
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &u, q, id); err != nil {
		return nil, database.Translate(err)
	}
	return &u, nil
}

// GetByEmail returns a user matched by email (case-insensitive due to citext).
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	var u entity.User
	q := `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &u, q, email); err != nil {
		return nil, database.Translate(err)
	}
	return &u, nil
}

// LockByID fetches a user and holds a row lock until the surrounding
// transaction ends. Outside a transaction the lock is released immediately.
func (r *UserRepo) LockByID(ctx context.Context, id string) (*entity.User, error) {
	var u entity.User
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1 FOR UPDATE`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &u, q, id); err != nil {
		return nil, database.Translate(err)
	}
	return &u, nil
}

// SetIdentity promotes a user in place by assigning email and name.
func (r *UserRepo) SetIdentity(ctx context.Context, id, email, name string) error {
	const q = `UPDATE users SET email=$2, name=$3, updated_at=NOW() WHERE id=$1`
	return database.ExpectOne(database.Conn(ctx, r.db).ExecContext(ctx, q, id, email, name))
}

// Delete removes a user row. Owned rows cascade, callers migrate them first.
func (r *UserRepo) Delete(ctx context.Context, id string) error {
	return database.ExpectOne(database.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id))
}
