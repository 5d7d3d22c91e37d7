package vehicle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/utilities"
)

var (
	ErrInvalidRegistration = errors.New("invalid registration number")
	ErrInvalidPCN          = errors.New("invalid pcn number")
	ErrVehicleNotFound     = errors.New("vehicle not found")
	ErrDuplicateTicket     = errors.New("ticket already recorded for vehicle")
)

type VehicleStore interface {
	Create(ctx context.Context, v *entity.Vehicle) error
	GetByRegistration(ctx context.Context, userID, reg string) (*entity.Vehicle, error)
	ListByUser(ctx context.Context, userID string) ([]entity.Vehicle, error)
}

type TicketStore interface {
	Create(ctx context.Context, t *entity.Ticket) error
	ListByVehicle(ctx context.Context, vehicleID string) ([]entity.Ticket, error)
}

// Service records the vehicles and tickets a user tracks.
type Service struct {
	vehicles VehicleStore
	tickets  TicketStore
}

func NewService(v VehicleStore, t TicketStore) *Service {
	return &Service{vehicles: v, tickets: t}
}

// AddVehicle returns the user's vehicle for the plate, creating it if needed.
func (s *Service) AddVehicle(ctx context.Context, userID, registration string) (*entity.Vehicle, bool, error) {
	reg := entity.NormalizeRegistration(registration)
	if reg == "" || len(reg) > 16 {
		return nil, false, ErrInvalidRegistration
	}
	if v, err := s.vehicles.GetByRegistration(ctx, userID, reg); err == nil {
		return v, false, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}
	v := &entity.Vehicle{ID: utilities.NewSnowflakeID(), UserID: userID, RegistrationNumber: reg}
	if err := s.vehicles.Create(ctx, v); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			// created by a concurrent request
			existing, gerr := s.vehicles.GetByRegistration(ctx, userID, reg)
			return existing, false, gerr
		}
		return nil, false, fmt.Errorf("create vehicle: %w", err)
	}
	return v, true, nil
}

// AddTicket records a PCN against one of the user's vehicles.
func (s *Service) AddTicket(ctx context.Context, userID, registration, pcn string) (*entity.Ticket, error) {
	pcn = entity.NormalizePCN(pcn)
	if pcn == "" {
		return nil, ErrInvalidPCN
	}
	v, err := s.vehicles.GetByRegistration(ctx, userID, entity.NormalizeRegistration(registration))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}
	t := &entity.Ticket{ID: utilities.NewSnowflakeID(), VehicleID: v.ID, PCNNumber: pcn}
	if err := s.tickets.Create(ctx, t); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			return nil, ErrDuplicateTicket
		}
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return t, nil
}

// List returns the user's vehicles with their tickets.
func (s *Service) List(ctx context.Context, userID string) ([]entity.VehicleWithTickets, error) {
	vs, err := s.vehicles.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]entity.VehicleWithTickets, 0, len(vs))
	for _, v := range vs {
		ts, err := s.tickets.ListByVehicle(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		if ts == nil {
			ts = []entity.Ticket{}
		}
		out = append(out, entity.VehicleWithTickets{Vehicle: v, Tickets: ts})
	}
	return out, nil
}
