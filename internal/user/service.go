package user

import (
	"context"
	"errors"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

var ErrUserNotFound = errors.New("user not found")

// Store is the part of the user repository the service reads from.
type Store interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
}

// UserService exposes read access to accounts for the API layer.
type UserService struct {
	store Store
}

func NewUserService(s Store) *UserService {
	return &UserService{store: s}
}

// GetProfile returns the user or ErrUserNotFound, e.g. after the account was
// merged into another one or deleted.
func (s *UserService) GetProfile(ctx context.Context, id string) (*entity.User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}
