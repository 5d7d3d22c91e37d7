package identity_test

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/merge"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/referral"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/testutil/memstore"
	userentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	vehicleentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

type attribution struct{ userID, code string }

type fixture struct {
	t         *testing.T
	store     *memstore.Store
	devices   *device.Service
	resolver  *identity.Resolver
	referrals []attribution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	logger := zaptest.NewLogger(t).Sugar()
	f := &fixture{t: t, store: s}
	merger := merge.NewMerger(s, merge.Stores{
		Users:    s.Users,
		Vehicles: s.Vehicles,
		Tickets:  s.Tickets,
		Inbox:    s.Inbox,
		Sessions: s.Sessions,
	}, logger)
	rec := referral.Func(func(_ context.Context, userID, code string) error {
		f.referrals = append(f.referrals, attribution{userID, code})
		return nil
	})
	f.devices = device.NewService(s, s.Users, s.Sessions, logger)
	f.resolver = identity.NewResolver(s, s.Users, s.Sessions, merger, rec, logger)
	return f
}

// bootstrap returns the anonymous user created for deviceID.
func (f *fixture) bootstrap(deviceID string) string {
	f.t.Helper()
	res, err := f.devices.GetOrCreateDeviceUser(context.Background(), deviceID)
	if err != nil {
		f.t.Fatalf("bootstrap %s: %v", deviceID, err)
	}
	return res.UserID
}

func (f *fixture) resolve(req identity.Request) *identity.Result {
	f.t.Helper()
	res, err := f.resolver.Resolve(context.Background(), req)
	if err != nil {
		f.t.Fatalf("Resolve(%+v): %v", req, err)
	}
	return res
}

func (f *fixture) sessionOwner(deviceID string) string {
	f.t.Helper()
	sess, err := f.store.Sessions.GetByDeviceID(context.Background(), deviceID)
	if err != nil {
		f.t.Fatalf("session %s: %v", deviceID, err)
	}
	return sess.UserID
}

func (f *fixture) user(id string) *userentity.User {
	f.t.Helper()
	u, err := f.store.Users.GetByID(context.Background(), id)
	if err != nil {
		f.t.Fatalf("user %s: %v", id, err)
	}
	return u
}

func (f *fixture) addVehicle(userID, vehicleID, reg string, pcns ...string) {
	f.t.Helper()
	ctx := context.Background()
	if err := f.store.Vehicles.Create(ctx, &vehicleentity.Vehicle{ID: vehicleID, UserID: userID, RegistrationNumber: reg}); err != nil {
		f.t.Fatalf("vehicle %s: %v", vehicleID, err)
	}
	for _, pcn := range pcns {
		if err := f.store.Tickets.Create(ctx, &vehicleentity.Ticket{ID: vehicleID + "-" + pcn, VehicleID: vehicleID, PCNNumber: pcn}); err != nil {
			f.t.Fatalf("ticket %s: %v", pcn, err)
		}
	}
}

func assertOutcome(t *testing.T, res *identity.Result, action identity.Action, isNew, merged bool) {
	t.Helper()
	if res.Action != action || res.IsNewUser != isNew || res.WasMerged != merged {
		t.Fatalf("result = {%s new:%t merged:%t}, want {%s new:%t merged:%t}",
			res.Action, res.IsNewUser, res.WasMerged, action, isNew, merged)
	}
}

func TestResolveWithoutSessionCreatesUser(t *testing.T) {
	f := newFixture(t)
	res := f.resolve(identity.Request{Email: "New@Example.com", Name: "Ann", ReferralCode: "FRIEND"})

	assertOutcome(t, res, identity.ActionCreateUser, true, false)
	u := f.user(res.UserID)
	if u.Email == nil || *u.Email != "new@example.com" || u.Name != "Ann" {
		t.Errorf("created user = %+v", u)
	}
	if want := []attribution{{res.UserID, "FRIEND"}}; !reflect.DeepEqual(f.referrals, want) {
		t.Errorf("referrals = %v, want %v", f.referrals, want)
	}
}

func TestResolveWithoutSessionLinksExistingUser(t *testing.T) {
	f := newFixture(t)
	first := f.resolve(identity.Request{Email: "a@b.com"})
	f.referrals = nil

	res := f.resolve(identity.Request{DeviceID: "D9", Email: "A@B.com", ReferralCode: "FRIEND"})
	assertOutcome(t, res, identity.ActionLinkExisting, false, false)
	if res.UserID != first.UserID {
		t.Errorf("linked to %s, want %s", res.UserID, first.UserID)
	}
	if got := f.sessionOwner("D9"); got != first.UserID {
		t.Errorf("D9 bound to %s, want %s", got, first.UserID)
	}
	if len(f.referrals) != 0 {
		t.Errorf("referral attributed for existing user: %v", f.referrals)
	}
}

func TestResolvePromotesAnonymousUser(t *testing.T) {
	f := newFixture(t)
	anon := f.bootstrap("D1")
	f.addVehicle(anon, "v1", "AB12CDE", "PCN001")

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "a@b.com", ReferralCode: "FRIEND"})
	assertOutcome(t, res, identity.ActionPromoteAnonymous, true, false)
	if res.UserID != anon {
		t.Fatalf("promoted user = %s, want %s", res.UserID, anon)
	}
	u := f.user(anon)
	if u.Email == nil || *u.Email != "a@b.com" || u.Name != userentity.AnonymousName {
		t.Errorf("promoted user = %+v", u)
	}
	if owner, _ := f.store.TicketOwner("v1-PCN001"); owner != anon {
		t.Errorf("ticket owner = %s, want %s", owner, anon)
	}
	if users, sessions := f.store.Counts(); users != 1 || sessions != 1 {
		t.Errorf("counts = %d users, %d sessions; want 1, 1", users, sessions)
	}
	if want := []attribution{{anon, "FRIEND"}}; !reflect.DeepEqual(f.referrals, want) {
		t.Errorf("referrals = %v, want %v", f.referrals, want)
	}
}

func TestResolveMergesAnonymousIntoOwner(t *testing.T) {
	f := newFixture(t)
	owner := f.resolve(identity.Request{DeviceID: "D2", Email: "a@b.com"}).UserID
	f.addVehicle(owner, "v-owner", "XY99ZZZ")
	anon := f.bootstrap("D1")
	f.addVehicle(anon, "v-anon", "AB12CDE", "PCN001")
	f.referrals = nil

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "a@b.com", ReferralCode: "FRIEND"})

	assertOutcome(t, res, identity.ActionMergeIntoOwner, false, true)
	if res.UserID != owner {
		t.Fatalf("user = %s, want %s", res.UserID, owner)
	}
	if _, err := f.store.Users.GetByID(context.Background(), anon); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("anonymous user lookup err = %v, want ErrNotFound", err)
	}
	vs, err := f.store.Vehicles.ListByUser(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	var regs []string
	for _, v := range vs {
		regs = append(regs, v.RegistrationNumber)
	}
	sort.Strings(regs)
	if want := []string{"AB12CDE", "XY99ZZZ"}; !reflect.DeepEqual(regs, want) {
		t.Errorf("owner plates = %v, want %v", regs, want)
	}
	if got, _ := f.store.TicketOwner("v-anon-PCN001"); got != owner {
		t.Errorf("PCN001 owner = %s, want %s", got, owner)
	}
	if got := f.sessionOwner("D1"); got != owner {
		t.Errorf("D1 bound to %s, want %s", got, owner)
	}
	if res.Merge == nil || res.Merge.VehiclesMoved != 1 {
		t.Errorf("merge report = %+v", res.Merge)
	}
	if len(f.referrals) != 0 {
		t.Errorf("referral attributed on merge: %v", f.referrals)
	}
}

func TestResolveMergeCollapsesDuplicateTicket(t *testing.T) {
	f := newFixture(t)
	owner := f.resolve(identity.Request{Email: "a@b.com"}).UserID
	f.addVehicle(owner, "v-owner", "AB12CDE", "X1")
	anon := f.bootstrap("D1")
	f.addVehicle(anon, "v-anon", "AB 12 cde", "X1")

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "a@b.com"})
	assertOutcome(t, res, identity.ActionMergeIntoOwner, false, true)

	ts := f.store.TicketsWithPCN("X1")
	if len(ts) != 1 || ts[0].VehicleID != "v-owner" {
		t.Fatalf("X1 tickets = %+v, want one on v-owner", ts)
	}
	if got := res.Merge.SkippedPCNs; !reflect.DeepEqual(got, []string{"X1"}) {
		t.Errorf("skipped = %v", got)
	}
}

func TestResolveHandsOffIdentifiedSession(t *testing.T) {
	f := newFixture(t)
	alice := f.resolve(identity.Request{DeviceID: "D1", Email: "alice@example.com"}).UserID
	bob := f.resolve(identity.Request{Email: "bob@example.com"}).UserID

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "bob@example.com"})
	assertOutcome(t, res, identity.ActionHandOff, false, false)
	if res.UserID != bob {
		t.Fatalf("user = %s, want %s", res.UserID, bob)
	}
	if got := f.sessionOwner("D1"); got != bob {
		t.Errorf("D1 bound to %s, want %s", got, bob)
	}
	if u := f.user(alice); u.Email == nil || *u.Email != "alice@example.com" {
		t.Errorf("previous owner changed: %+v", u)
	}
	if users, sessions := f.store.Counts(); users != 2 || sessions != 1 {
		t.Errorf("counts = %d users, %d sessions; want 2, 1", users, sessions)
	}
}

func TestResolveCreatesAndRepointsIdentifiedSession(t *testing.T) {
	f := newFixture(t)
	alice := f.resolve(identity.Request{DeviceID: "D1", Email: "alice@example.com"}).UserID
	f.referrals = nil

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "carol@example.com", ReferralCode: "FRIEND"})
	assertOutcome(t, res, identity.ActionCreateAndRepoint, true, false)
	if res.UserID == alice {
		t.Fatal("expected a new user")
	}
	if got := f.sessionOwner("D1"); got != res.UserID {
		t.Errorf("D1 bound to %s, want %s", got, res.UserID)
	}
	f.user(alice)
	if len(f.referrals) != 0 {
		t.Errorf("referral attributed when repointing an identified device: %v", f.referrals)
	}
}

func TestResolveSameEmailOnIdentifiedSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	alice := f.resolve(identity.Request{DeviceID: "D1", Email: "alice@example.com"}).UserID

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "ALICE@example.com"})
	assertOutcome(t, res, identity.ActionAlreadyLinked, false, false)
	if res.UserID != alice {
		t.Errorf("user = %s, want %s", res.UserID, alice)
	}
	if users, sessions := f.store.Counts(); users != 1 || sessions != 1 {
		t.Errorf("counts = %d users, %d sessions; want 1, 1", users, sessions)
	}
}

func TestResolveNeverDuplicatesDeviceSession(t *testing.T) {
	f := newFixture(t)
	f.bootstrap("D1")
	for _, email := range []string{"a@b.com", "c@d.com", "a@b.com", "c@d.com"} {
		f.resolve(identity.Request{DeviceID: "D1", Email: email})
	}
	if _, sessions := f.store.Counts(); sessions != 1 {
		t.Fatalf("sessions = %d, want 1", sessions)
	}
}

func TestResolveRejectsInvalidEmail(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"", "   ", "not-an-email", "Ann <ann@example.com>"} {
		if _, err := f.resolver.Resolve(context.Background(), identity.Request{Email: email}); !errors.Is(err, identity.ErrInvalidEmail) {
			t.Errorf("Resolve(%q) err = %v, want ErrInvalidEmail", email, err)
		}
	}
}

func TestResolveReferralFailureDoesNotFailSignIn(t *testing.T) {
	s := memstore.New()
	logger := zaptest.NewLogger(t).Sugar()
	failing := referral.Func(func(context.Context, string, string) error { return errors.New("referral service down") })
	r := identity.NewResolver(s, s.Users, s.Sessions, nil, failing, logger)

	res, err := r.Resolve(context.Background(), identity.Request{Email: "a@b.com", ReferralCode: "FRIEND"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsNewUser {
		t.Errorf("IsNewUser = false")
	}
}

func TestResolveMergeAbortRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	owner := f.resolve(identity.Request{Email: "a@b.com"}).UserID
	anon := f.bootstrap("D1")
	f.addVehicle(anon, "v-anon", "AB12CDE", "PCN001")
	f.store.Fail("Sessions.RepointUser", errors.New("deadlock detected"))

	_, err := f.resolver.Resolve(context.Background(), identity.Request{DeviceID: "D1", Email: "a@b.com"})
	if !errors.Is(err, merge.ErrMergeAborted) {
		t.Fatalf("err = %v, want ErrMergeAborted", err)
	}
	if got := f.sessionOwner("D1"); got != anon {
		t.Errorf("D1 bound to %s after abort, want %s", got, anon)
	}
	if got, _ := f.store.TicketOwner("v-anon-PCN001"); got != anon {
		t.Errorf("ticket owner after abort = %s, want %s", got, anon)
	}
	f.user(owner)
}

// staleUsers misses the first email lookup, as if another sign-in committed
// the user between our read and our insert.
type staleUsers struct {
	*memstore.Users
	stale bool
}

func (u *staleUsers) GetByEmail(ctx context.Context, email string) (*userentity.User, error) {
	if !u.stale {
		u.stale = true
		return nil, database.ErrNotFound
	}
	return u.Users.GetByEmail(ctx, email)
}

func TestResolveRetriesAfterConcurrentSignIn(t *testing.T) {
	s := memstore.New()
	email := "a@b.com"
	if err := s.Users.Create(context.Background(), &userentity.User{ID: "winner", Email: &email, Name: "Ann"}); err != nil {
		t.Fatal(err)
	}
	r := identity.NewResolver(s, &staleUsers{Users: s.Users}, s.Sessions, nil, nil, zaptest.NewLogger(t).Sugar())

	res, err := r.Resolve(context.Background(), identity.Request{Email: email})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	assertOutcome(t, res, identity.ActionLinkExisting, false, false)
	if res.UserID != "winner" {
		t.Errorf("user = %s, want winner", res.UserID)
	}
	if users, _ := s.Counts(); users != 1 {
		t.Errorf("users = %d, want 1", users)
	}
}

func TestEndToEndAnonymousDeviceSignsIntoExistingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// U2 signed in earlier on another device and tracks XY99ZZZ.
	u2 := f.resolve(identity.Request{DeviceID: "D2", Email: "a@b.com", Name: "Ann"}).UserID
	f.addVehicle(u2, "v-xy", "XY99ZZZ")

	// D1 is a fresh install.
	u1 := f.bootstrap("D1")
	f.addVehicle(u1, "v-ab", "AB12CDE", "PCN001")

	res := f.resolve(identity.Request{DeviceID: "D1", Email: "a@b.com"})
	got := struct {
		UserID           string
		IsNew, WasMerged bool
	}{res.UserID, res.IsNewUser, res.WasMerged}
	want := struct {
		UserID           string
		IsNew, WasMerged bool
	}{u2, false, true}
	if got != want {
		t.Fatalf("result = %+v, want %+v", got, want)
	}

	if _, err := f.store.Users.GetByID(ctx, u1); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("U1 lookup err = %v, want ErrNotFound", err)
	}
	if got := f.sessionOwner("D1"); got != u2 {
		t.Errorf("D1 bound to %s, want U2", got)
	}
	if owner, _ := f.store.TicketOwner("v-ab-PCN001"); owner != u2 {
		t.Errorf("PCN001 owned by %s, want U2", owner)
	}

	// the next bootstrap from D1 lands on U2 without creating anything
	again, err := f.devices.GetOrCreateDeviceUser(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if again.UserID != u2 || again.IsNew {
		t.Errorf("bootstrap after merge = %+v", again)
	}
	if users, sessions := f.store.Counts(); users != 1 || sessions != 2 {
		t.Errorf("counts = %d users, %d sessions; want 1, 2", users, sessions)
	}
}
