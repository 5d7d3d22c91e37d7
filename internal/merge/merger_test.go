package merge_test

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"go.uber.org/zap/zaptest"

	deviceentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/device/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/merge"
	notificationentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/notification/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/testutil/memstore"
	userentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	vehicleentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

func newMerger(t *testing.T, s *memstore.Store) *merge.Merger {
	t.Helper()
	return merge.NewMerger(s, stores(s), zaptest.NewLogger(t).Sugar())
}

func stores(s *memstore.Store) merge.Stores {
	return merge.Stores{
		Users:    s.Users,
		Vehicles: s.Vehicles,
		Tickets:  s.Tickets,
		Inbox:    s.Inbox,
		Sessions: s.Sessions,
	}
}

func seedUser(t *testing.T, s *memstore.Store, id, email string) {
	t.Helper()
	u := &userentity.User{ID: id, Name: userentity.AnonymousName}
	if email != "" {
		u.Email = &email
		u.Name = "Owner"
	}
	if err := s.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
}

func seedVehicle(t *testing.T, s *memstore.Store, id, userID, reg string, pcns ...string) {
	t.Helper()
	ctx := context.Background()
	v := &vehicleentity.Vehicle{ID: id, UserID: userID, RegistrationNumber: reg}
	if err := s.Vehicles.Create(ctx, v); err != nil {
		t.Fatalf("create vehicle %s: %v", id, err)
	}
	for _, pcn := range pcns {
		tk := &vehicleentity.Ticket{ID: id + "-" + pcn, VehicleID: id, PCNNumber: pcn}
		if err := s.Tickets.Create(ctx, tk); err != nil {
			t.Fatalf("create ticket %s: %v", tk.ID, err)
		}
	}
}

func seedSession(t *testing.T, s *memstore.Store, deviceID, userID string) {
	t.Helper()
	if _, err := s.Sessions.Create(context.Background(), &deviceentity.DeviceSession{DeviceID: deviceID, UserID: userID}); err != nil {
		t.Fatalf("create session %s: %v", deviceID, err)
	}
}

func plates(t *testing.T, s *memstore.Store, userID string) []string {
	t.Helper()
	vs, err := s.Vehicles.ListByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("list vehicles: %v", err)
	}
	var out []string
	for _, v := range vs {
		out = append(out, v.RegistrationNumber)
	}
	sort.Strings(out)
	return out
}

func TestMergeDisjointVehiclesConservesEverything(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")
	seedUser(t, s, "owner", "a@b.com")
	seedVehicle(t, s, "v-anon", "anon", "AB12CDE", "PCN001", "PCN002")
	seedVehicle(t, s, "v-owner", "owner", "XY99ZZZ", "PCN900")
	seedSession(t, s, "D1", "anon")
	seedSession(t, s, "D2", "anon")
	seedSession(t, s, "D3", "owner")
	if err := s.Inbox.UpsertPushToken(ctx, &notificationentity.PushToken{ID: "pt1", UserID: "anon", Token: "tok-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Inbox.SeedNotification(ctx, &notificationentity.Notification{ID: "n1", UserID: "anon", Title: "hello"}); err != nil {
		t.Fatal(err)
	}
	ticketsBefore := s.TicketIDs()

	rep, err := newMerger(t, s).Merge(ctx, "anon", "owner")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got, want := plates(t, s, "owner"), []string{"AB12CDE", "XY99ZZZ"}; !reflect.DeepEqual(got, want) {
		t.Errorf("owner plates = %v, want %v", got, want)
	}
	if got := s.TicketIDs(); !reflect.DeepEqual(got, ticketsBefore) {
		t.Errorf("tickets after merge = %v, want %v", got, ticketsBefore)
	}
	for _, id := range ticketsBefore {
		owner, err := s.TicketOwner(id)
		if err != nil || owner != "owner" {
			t.Errorf("ticket %s owner = %q, %v; want owner", id, owner, err)
		}
	}
	for _, d := range []string{"D1", "D2", "D3"} {
		sess, err := s.Sessions.GetByDeviceID(ctx, d)
		if err != nil || sess.UserID != "owner" {
			t.Errorf("session %s = %+v, %v; want owner", d, sess, err)
		}
	}
	if n, _ := s.Inbox.CountByUser(ctx, "owner"); n != 2 {
		t.Errorf("owner inbox rows = %d, want 2", n)
	}
	if _, err := s.Users.GetByID(ctx, "anon"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("source lookup err = %v, want ErrNotFound", err)
	}

	want := &merge.Report{
		SourceUserID:   "anon",
		TargetUserID:   "owner",
		VehiclesMoved:  1,
		TicketsMoved:   2,
		PushTokens:     1,
		Notifications:  1,
		DeviceSessions: 2,
	}
	if !reflect.DeepEqual(rep, want) {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
}

func TestMergeCollisionSkipsDuplicateTickets(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")
	seedUser(t, s, "owner", "a@b.com")
	seedVehicle(t, s, "v-anon", "anon", "AB12CDE", "X1", "Y2", "Z3")
	seedVehicle(t, s, "v-owner", "owner", "AB12CDE", "X1", "Z3")

	rep, err := newMerger(t, s).Merge(ctx, "anon", "owner")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	for _, pcn := range []string{"X1", "Y2", "Z3"} {
		ts := s.TicketsWithPCN(pcn)
		if len(ts) != 1 {
			t.Fatalf("tickets with %s = %d, want 1", pcn, len(ts))
		}
		if ts[0].VehicleID != "v-owner" {
			t.Errorf("ticket %s on vehicle %s, want v-owner", pcn, ts[0].VehicleID)
		}
	}
	if got, want := plates(t, s, "owner"), []string{"AB12CDE"}; !reflect.DeepEqual(got, want) {
		t.Errorf("owner plates = %v, want %v", got, want)
	}
	if got, want := rep.SkippedPCNs, []string{"X1", "Z3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("skipped = %v, want %v (creation order)", got, want)
	}
	if rep.VehiclesCollapsed != 1 || rep.VehiclesMoved != 0 || rep.TicketsMoved != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestMergeAbortLeavesBothUsersIntact(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")
	seedUser(t, s, "owner", "a@b.com")
	seedVehicle(t, s, "v-anon", "anon", "AB12CDE", "PCN001")
	seedVehicle(t, s, "v-owner", "owner", "XY99ZZZ")
	seedSession(t, s, "D1", "anon")

	boom := errors.New("store unavailable")
	s.Fail("Inbox.ReassignNotifications", boom)

	_, err := newMerger(t, s).Merge(ctx, "anon", "owner")
	if !errors.Is(err, merge.ErrMergeAborted) || !errors.Is(err, boom) {
		t.Fatalf("Merge err = %v, want ErrMergeAborted wrapping the store error", err)
	}

	if _, err := s.Users.GetByID(ctx, "anon"); err != nil {
		t.Errorf("source user gone after abort: %v", err)
	}
	if got := plates(t, s, "anon"); !reflect.DeepEqual(got, []string{"AB12CDE"}) {
		t.Errorf("source plates after abort = %v", got)
	}
	if owner, _ := s.TicketOwner("v-anon-PCN001"); owner != "anon" {
		t.Errorf("ticket owner after abort = %q, want anon", owner)
	}
	if sess, _ := s.Sessions.GetByDeviceID(ctx, "D1"); sess.UserID != "anon" {
		t.Errorf("session after abort points to %q", sess.UserID)
	}

	// the same merge succeeds once the store recovers
	s.Fail("Inbox.ReassignNotifications", nil)
	if _, err := newMerger(t, s).Merge(ctx, "anon", "owner"); err != nil {
		t.Fatalf("retry Merge: %v", err)
	}
}

func TestMergeTicketMoveFailureAborts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")
	seedUser(t, s, "owner", "a@b.com")
	seedVehicle(t, s, "v-anon", "anon", "AB12CDE", "PCN001")
	seedVehicle(t, s, "v-owner", "owner", "AB12CDE")
	s.Fail("Tickets.Move", errors.New("connection reset"))

	_, err := newMerger(t, s).Merge(ctx, "anon", "owner")
	if !errors.Is(err, merge.ErrMergeAborted) {
		t.Fatalf("err = %v, want ErrMergeAborted", err)
	}
	if owner, _ := s.TicketOwner("v-anon-PCN001"); owner != "anon" {
		t.Errorf("ticket moved despite abort, owner = %q", owner)
	}
}

func TestMergeRetryAfterSuccessIsNoop(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")
	seedUser(t, s, "owner", "a@b.com")
	m := newMerger(t, s)

	if _, err := m.Merge(ctx, "anon", "owner"); err != nil {
		t.Fatalf("first Merge: %v", err)
	}
	rep, err := m.Merge(ctx, "anon", "owner")
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if !rep.AlreadyMerged {
		t.Errorf("second merge report = %+v, want AlreadyMerged", rep)
	}
}

func TestMergeMissingTargetAborts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")

	_, err := newMerger(t, s).Merge(ctx, "anon", "ghost")
	if !errors.Is(err, merge.ErrMergeAborted) || !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("err = %v, want ErrMergeAborted wrapping ErrNotFound", err)
	}
	if _, err := s.Users.GetByID(ctx, "anon"); err != nil {
		t.Errorf("source user: %v", err)
	}
}

func TestMergeIntoSelfIsRejected(t *testing.T) {
	s := memstore.New()
	if _, err := newMerger(t, s).Merge(context.Background(), "u1", "u1"); !errors.Is(err, merge.ErrSameUser) {
		t.Fatalf("err = %v, want ErrSameUser", err)
	}
}

// leakySessions pretends to repoint sessions but leaves them in place.
type leakySessions struct {
	*memstore.Sessions
}

func (leakySessions) RepointUser(context.Context, string, string) (int64, error) { return 0, nil }

func TestMergeRefusesToCascadeLeftovers(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedUser(t, s, "anon", "")
	seedUser(t, s, "owner", "a@b.com")
	seedSession(t, s, "D1", "anon")

	st := stores(s)
	st.Sessions = leakySessions{s.Sessions}
	_, err := merge.NewMerger(s, st, zaptest.NewLogger(t).Sugar()).Merge(ctx, "anon", "owner")
	if !errors.Is(err, merge.ErrMergeAborted) {
		t.Fatalf("err = %v, want ErrMergeAborted", err)
	}
	if _, err := s.Users.GetByID(ctx, "anon"); err != nil {
		t.Errorf("source deleted despite leftover session: %v", err)
	}
	if sess, err := s.Sessions.GetByDeviceID(ctx, "D1"); err != nil || sess.UserID != "anon" {
		t.Errorf("session = %+v, %v", sess, err)
	}
}
