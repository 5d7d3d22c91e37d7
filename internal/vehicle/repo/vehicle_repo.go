package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

// VehicleRepo provides data access for the vehicles table.
type VehicleRepo struct {
	db *sqlx.DB
}

func NewVehicleRepo(db *sqlx.DB) *VehicleRepo { return &VehicleRepo{db: db} }

func (r *VehicleRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS vehicles (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  registration_number TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  CONSTRAINT vehicles_user_registration_unique UNIQUE (user_id, registration_number)
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create inserts v. A plate the user already owns yields database.ErrDuplicateKey.
func (r *VehicleRepo) Create(ctx context.Context, v *entity.Vehicle) error {
	const q = `INSERT INTO vehicles (id, user_id, registration_number) VALUES ($1, $2, $3) RETURNING created_at`
	row := database.Conn(ctx, r.db).QueryRowxContext(ctx, q, v.ID, v.UserID, v.RegistrationNumber)
	return database.Translate(row.Scan(&v.CreatedAt))
}

func (r *VehicleRepo) GetByRegistration(ctx context.Context, userID, reg string) (*entity.Vehicle, error) {
	const q = `SELECT id, user_id, registration_number, created_at FROM vehicles WHERE user_id=$1 AND registration_number=$2`
	var v entity.Vehicle
	if err := database.Conn(ctx, r.db).GetContext(ctx, &v, q, userID, reg); err != nil {
		return nil, database.Translate(err)
	}
	return &v, nil
}

// ListByUser returns the user's vehicles oldest first.
func (r *VehicleRepo) ListByUser(ctx context.Context, userID string) ([]entity.Vehicle, error) {
	const q = `SELECT id, user_id, registration_number, created_at FROM vehicles WHERE user_id=$1 ORDER BY created_at, id`
	var out []entity.Vehicle
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, q, userID); err != nil {
		return nil, database.Translate(err)
	}
	return out, nil
}

// Reassign changes the vehicle owner; its tickets follow implicitly.
func (r *VehicleRepo) Reassign(ctx context.Context, vehicleID, userID string) error {
	const q = `UPDATE vehicles SET user_id=$2 WHERE id=$1`
	return database.ExpectOne(database.Conn(ctx, r.db).ExecContext(ctx, q, vehicleID, userID))
}

func (r *VehicleRepo) Delete(ctx context.Context, vehicleID string) error {
	return database.ExpectOne(database.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM vehicles WHERE id=$1`, vehicleID))
}

func (r *VehicleRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := database.Conn(ctx, r.db).GetContext(ctx, &n, `SELECT COUNT(*) FROM vehicles WHERE user_id=$1`, userID)
	return n, database.Translate(err)
}
