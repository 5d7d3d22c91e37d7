package notification

import (
	"context"
	"errors"
	"strings"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/notification/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/utilities"
)

var ErrInvalidToken = errors.New("invalid push token")

type Store interface {
	UpsertPushToken(ctx context.Context, t *entity.PushToken) error
}

// Service registers push tokens; delivery happens elsewhere.
type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

func (s *Service) RegisterPushToken(ctx context.Context, userID, token, platform string) (*entity.PushToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	t := &entity.PushToken{
		ID:       utilities.NewSnowflakeID(),
		UserID:   userID,
		Token:    token,
		Platform: strings.ToLower(strings.TrimSpace(platform)),
	}
	if err := s.store.UpsertPushToken(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
