package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

func TestListAndCountTranslateErrors(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")
	vehicles, tickets := NewVehicleRepo(db), NewTicketRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM vehicles WHERE user_id=$1 ORDER BY")).WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM vehicles WHERE user_id=$1")).WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tickets WHERE vehicle_id=$1 ORDER BY")).WithArgs("v1").
		WillReturnError(sql.ErrNoRows)

	if _, err := vehicles.ListByUser(ctx, "u1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("ListByUser err = %v, want ErrNotFound", err)
	}
	if _, err := vehicles.CountByUser(ctx, "u1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("CountByUser err = %v, want ErrNotFound", err)
	}
	if _, err := tickets.ListByVehicle(ctx, "v1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("ListByVehicle err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
