package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

// TicketRepo provides data access for the tickets table.
type TicketRepo struct {
	db *sqlx.DB
}

func NewTicketRepo(db *sqlx.DB) *TicketRepo { return &TicketRepo{db: db} }

// EnsureTable creates tickets. A PCN is unique per vehicle, which is what
// makes two users' copies of the same plate collide on merge.
func (r *TicketRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tickets (
  id TEXT PRIMARY KEY,
  vehicle_id TEXT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
  pcn_number TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  -- deliberately per vehicle, not a global UNIQUE(pcn_number)
  CONSTRAINT tickets_vehicle_pcn_unique UNIQUE (vehicle_id, pcn_number)
);
CREATE INDEX IF NOT EXISTS idx_tickets_pcn_number ON tickets(pcn_number);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *TicketRepo) Create(ctx context.Context, t *entity.Ticket) error {
	const q = `INSERT INTO tickets (id, vehicle_id, pcn_number) VALUES ($1, $2, $3) RETURNING created_at`
	row := database.Conn(ctx, r.db).QueryRowxContext(ctx, q, t.ID, t.VehicleID, t.PCNNumber)
	return database.Translate(row.Scan(&t.CreatedAt))
}

// ListByVehicle returns tickets oldest first, ties broken by id.
func (r *TicketRepo) ListByVehicle(ctx context.Context, vehicleID string) ([]entity.Ticket, error) {
	const q = `SELECT id, vehicle_id, pcn_number, created_at FROM tickets WHERE vehicle_id=$1 ORDER BY created_at, id`
	var out []entity.Ticket
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, q, vehicleID); err != nil {
		return nil, database.Translate(err)
	}
	return out, nil
}

// Move re-points a ticket to another vehicle. When the target vehicle already
// has the PCN it returns database.ErrDuplicateKey and leaves any surrounding
// transaction usable.
func (r *TicketRepo) Move(ctx context.Context, ticketID, vehicleID string) error {
	q := database.Conn(ctx, r.db)
	return database.WithSavepoint(ctx, q, "move_ticket", func() error {
		return database.ExpectOne(q.ExecContext(ctx, `UPDATE tickets SET vehicle_id=$2 WHERE id=$1`, ticketID, vehicleID))
	})
}

func (r *TicketRepo) Delete(ctx context.Context, ticketID string) error {
	return database.ExpectOne(database.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM tickets WHERE id=$1`, ticketID))
}
