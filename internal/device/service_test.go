package device_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/testutil/memstore"
)

func newService(t *testing.T, s *memstore.Store) *device.Service {
	t.Helper()
	return device.NewService(s, s.Users, s.Sessions, zaptest.NewLogger(t).Sugar())
}

func TestGetOrCreateDeviceUserIsIdempotent(t *testing.T) {
	s := memstore.New()
	svc := newService(t, s)
	ctx := context.Background()

	first, err := svc.GetOrCreateDeviceUser(ctx, "D1")
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if !first.IsNew || first.UserID == "" {
		t.Fatalf("first bootstrap = %+v", first)
	}
	u, err := s.Users.GetByID(ctx, first.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if !u.IsAnonymous() || u.Name != "Mobile User" {
		t.Errorf("bootstrap user = %+v", u)
	}

	for i := 0; i < 3; i++ {
		again, err := svc.GetOrCreateDeviceUser(ctx, "  D1 ")
		if err != nil {
			t.Fatal(err)
		}
		if again.UserID != first.UserID || again.IsNew {
			t.Fatalf("bootstrap %d = %+v, want %s not new", i, again, first.UserID)
		}
	}
	if users, sessions := s.Counts(); users != 1 || sessions != 1 {
		t.Errorf("counts = %d users, %d sessions; want 1, 1", users, sessions)
	}
}

func TestGetOrCreateDeviceUserSeparatesDevices(t *testing.T) {
	s := memstore.New()
	svc := newService(t, s)
	a, err := svc.GetOrCreateDeviceUser(context.Background(), "D1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.GetOrCreateDeviceUser(context.Background(), "D2")
	if err != nil {
		t.Fatal(err)
	}
	if a.UserID == b.UserID {
		t.Fatal("two devices share a user")
	}
}

func TestGetOrCreateDeviceUserRejectsBadIDs(t *testing.T) {
	svc := newService(t, memstore.New())
	for _, id := range []string{"", "   ", strings.Repeat("d", 256)} {
		if _, err := svc.GetOrCreateDeviceUser(context.Background(), id); !errors.Is(err, device.ErrInvalidDeviceID) {
			t.Errorf("id of len %d: err = %v, want ErrInvalidDeviceID", len(id), err)
		}
	}
}

func TestGetOrCreateDeviceUserRollsBackOnSessionFailure(t *testing.T) {
	s := memstore.New()
	s.Fail("Sessions.Create", errors.New("disk full"))
	svc := newService(t, s)

	if _, err := svc.GetOrCreateDeviceUser(context.Background(), "D1"); err == nil {
		t.Fatal("expected error")
	}
	if users, sessions := s.Counts(); users != 0 || sessions != 0 {
		t.Errorf("counts = %d users, %d sessions; want 0, 0", users, sessions)
	}
}

// lostRaceSessions hides the session on the first lookup, as if a concurrent
// request inserted it after our read.
type lostRaceSessions struct {
	*memstore.Sessions
	hidden bool
}

func (l *lostRaceSessions) GetByDeviceID(ctx context.Context, deviceID string) (*entity.DeviceSession, error) {
	if !l.hidden {
		l.hidden = true
		return l.Sessions.GetByDeviceID(ctx, "missing:"+deviceID)
	}
	return l.Sessions.GetByDeviceID(ctx, deviceID)
}

func TestGetOrCreateDeviceUserReturnsRaceWinner(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	winner, err := newService(t, s).GetOrCreateDeviceUser(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}

	svc := device.NewService(s, s.Users, &lostRaceSessions{Sessions: s.Sessions}, zaptest.NewLogger(t).Sugar())
	res, err := svc.GetOrCreateDeviceUser(ctx, "D1")
	if err != nil {
		t.Fatalf("bootstrap after lost race: %v", err)
	}
	if res.UserID != winner.UserID || res.IsNew {
		t.Errorf("result = %+v, want winner %s", res, winner.UserID)
	}
	if users, sessions := s.Counts(); users != 1 || sessions != 1 {
		t.Errorf("counts = %d users, %d sessions; loser's user was not rolled back", users, sessions)
	}
}
