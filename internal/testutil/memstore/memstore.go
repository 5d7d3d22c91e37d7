// Package memstore is an in-memory implementation of the repositories used by
// the device, identity, merge and vehicle services. It enforces the same
// unique keys and cascades as the postgres schema and rolls back on error
// inside RunInTx, so service tests exercise the real control flow.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	deviceentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/device/entity"
	notificationentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/notification/entity"
	userentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/entity"
	vehicleentity "github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/entity"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

var errForeignKey = errors.New("foreign key violation")

type data struct {
	users         map[string]userentity.User
	sessions      map[string]deviceentity.DeviceSession
	vehicles      map[string]vehicleentity.Vehicle
	tickets       map[string]vehicleentity.Ticket
	pushTokens    map[string]notificationentity.PushToken
	notifications map[string]notificationentity.Notification
}

func newData() data {
	return data{
		users:         map[string]userentity.User{},
		sessions:      map[string]deviceentity.DeviceSession{},
		vehicles:      map[string]vehicleentity.Vehicle{},
		tickets:       map[string]vehicleentity.Ticket{},
		pushTokens:    map[string]notificationentity.PushToken{},
		notifications: map[string]notificationentity.Notification{},
	}
}

func (d data) clone() data {
	c := newData()
	for k, v := range d.users {
		c.users[k] = copyUser(v)
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.vehicles {
		c.vehicles[k] = v
	}
	for k, v := range d.tickets {
		c.tickets[k] = v
	}
	for k, v := range d.pushTokens {
		c.pushTokens[k] = v
	}
	for k, v := range d.notifications {
		c.notifications[k] = v
	}
	return c
}

// Store holds all tables. The exported fields satisfy the per-package store
// interfaces.
type Store struct {
	mu     sync.Mutex
	d      data
	clock  time.Time
	faults map[string]error

	Users    *Users
	Sessions *Sessions
	Vehicles *Vehicles
	Tickets  *Tickets
	Inbox    *Inbox
}

func New() *Store {
	s := &Store{
		d:      newData(),
		clock:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		faults: map[string]error{},
	}
	s.Users = &Users{s}
	s.Sessions = &Sessions{s}
	s.Vehicles = &Vehicles{s}
	s.Tickets = &Tickets{s}
	s.Inbox = &Inbox{s}
	return s
}

// Fail makes the named operation (e.g. "Inbox.ReassignNotifications") return
// err until cleared with a nil err.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// lock acquires the store and returns the injected fault for op, if any.
func (s *Store) lock(op string) error {
	s.mu.Lock()
	return s.faults[op]
}

// tick returns a strictly increasing timestamp so ordering by creation is
// deterministic.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

type txKey struct{}

// RunInTx snapshots every table and restores the snapshot when fn fails.
// Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func copyUser(u userentity.User) userentity.User {
	if u.Email != nil {
		e := *u.Email
		u.Email = &e
	}
	return u
}

// ---- users

type Users struct{ s *Store }

func (r *Users) Create(_ context.Context, u *userentity.User) error {
	s := r.s
	if err := s.lock("Users.Create"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.users[u.ID]; ok {
		return database.ErrDuplicateKey
	}
	if u.Email != nil && s.emailTaken(*u.Email, "") {
		return database.ErrDuplicateKey
	}
	now := s.tick()
	u.CreatedAt, u.UpdatedAt = now, now
	s.d.users[u.ID] = copyUser(*u)
	return nil
}

func (s *Store) emailTaken(email, exceptID string) bool {
	email = userentity.NormalizeEmail(email)
	for id, u := range s.d.users {
		if id != exceptID && u.Email != nil && userentity.NormalizeEmail(*u.Email) == email {
			return true
		}
	}
	return false
}

func (r *Users) GetByID(_ context.Context, id string) (*userentity.User, error) {
	s := r.s
	if err := s.lock("Users.GetByID"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	u, ok := s.d.users[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := copyUser(u)
	return &c, nil
}

func (r *Users) GetByEmail(_ context.Context, email string) (*userentity.User, error) {
	s := r.s
	if err := s.lock("Users.GetByEmail"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	email = userentity.NormalizeEmail(email)
	for _, u := range s.d.users {
		if u.Email != nil && userentity.NormalizeEmail(*u.Email) == email {
			c := copyUser(u)
			return &c, nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *Users) LockByID(ctx context.Context, id string) (*userentity.User, error) {
	if err := r.s.lock("Users.LockByID"); err != nil {
		r.s.mu.Unlock()
		return nil, err
	}
	r.s.mu.Unlock()
	return r.GetByID(ctx, id)
}

func (r *Users) SetIdentity(_ context.Context, id, email, name string) error {
	s := r.s
	if err := s.lock("Users.SetIdentity"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	u, ok := s.d.users[id]
	if !ok {
		return database.ErrNotFound
	}
	if s.emailTaken(email, id) {
		return database.ErrDuplicateKey
	}
	u.Email = &email
	u.Name = name
	u.UpdatedAt = s.tick()
	s.d.users[id] = u
	return nil
}

// Delete cascades like the postgres foreign keys do.
func (r *Users) Delete(_ context.Context, id string) error {
	s := r.s
	if err := s.lock("Users.Delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.users[id]; !ok {
		return database.ErrNotFound
	}
	delete(s.d.users, id)
	for k, v := range s.d.sessions {
		if v.UserID == id {
			delete(s.d.sessions, k)
		}
	}
	for k, v := range s.d.vehicles {
		if v.UserID == id {
			s.deleteVehicle(k)
		}
	}
	for k, v := range s.d.pushTokens {
		if v.UserID == id {
			delete(s.d.pushTokens, k)
		}
	}
	for k, v := range s.d.notifications {
		if v.UserID == id {
			delete(s.d.notifications, k)
		}
	}
	return nil
}

// ---- device sessions

type Sessions struct{ s *Store }

func (r *Sessions) GetByDeviceID(_ context.Context, deviceID string) (*deviceentity.DeviceSession, error) {
	s := r.s
	if err := s.lock("Sessions.GetByDeviceID"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	sess, ok := s.d.sessions[deviceID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &sess, nil
}

func (r *Sessions) Create(_ context.Context, sess *deviceentity.DeviceSession) (bool, error) {
	s := r.s
	if err := s.lock("Sessions.Create"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.sessions[sess.DeviceID]; ok {
		return false, nil
	}
	if _, ok := s.d.users[sess.UserID]; !ok {
		return false, errForeignKey
	}
	sess.CreatedAt = sess.LastSeenAt
	s.d.sessions[sess.DeviceID] = *sess
	return true, nil
}

func (r *Sessions) Upsert(_ context.Context, sess *deviceentity.DeviceSession) error {
	s := r.s
	if err := s.lock("Sessions.Upsert"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.users[sess.UserID]; !ok {
		return errForeignKey
	}
	if existing, ok := s.d.sessions[sess.DeviceID]; ok {
		sess.CreatedAt = existing.CreatedAt
	} else {
		sess.CreatedAt = sess.LastSeenAt
	}
	s.d.sessions[sess.DeviceID] = *sess
	return nil
}

func (r *Sessions) Touch(_ context.Context, deviceID string, at time.Time) error {
	s := r.s
	if err := s.lock("Sessions.Touch"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	sess, ok := s.d.sessions[deviceID]
	if !ok {
		return database.ErrNotFound
	}
	sess.LastSeenAt = at
	s.d.sessions[deviceID] = sess
	return nil
}

func (r *Sessions) RepointUser(_ context.Context, fromUserID, toUserID string) (int64, error) {
	s := r.s
	if err := s.lock("Sessions.RepointUser"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.d.sessions {
		if v.UserID == fromUserID {
			v.UserID = toUserID
			s.d.sessions[k] = v
			n++
		}
	}
	return n, nil
}

func (r *Sessions) CountByUser(_ context.Context, userID string) (int64, error) {
	s := r.s
	if err := s.lock("Sessions.CountByUser"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.d.sessions {
		if v.UserID == userID {
			n++
		}
	}
	return n, nil
}

// ---- vehicles

type Vehicles struct{ s *Store }

func (s *Store) plateTaken(userID, reg, exceptID string) bool {
	for id, v := range s.d.vehicles {
		if id != exceptID && v.UserID == userID && v.RegistrationNumber == reg {
			return true
		}
	}
	return false
}

func (r *Vehicles) Create(_ context.Context, v *vehicleentity.Vehicle) error {
	s := r.s
	if err := s.lock("Vehicles.Create"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.users[v.UserID]; !ok {
		return errForeignKey
	}
	if _, ok := s.d.vehicles[v.ID]; ok || s.plateTaken(v.UserID, v.RegistrationNumber, "") {
		return database.ErrDuplicateKey
	}
	v.CreatedAt = s.tick()
	s.d.vehicles[v.ID] = *v
	return nil
}

func (r *Vehicles) GetByRegistration(_ context.Context, userID, reg string) (*vehicleentity.Vehicle, error) {
	s := r.s
	if err := s.lock("Vehicles.GetByRegistration"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	for _, v := range s.d.vehicles {
		if v.UserID == userID && v.RegistrationNumber == reg {
			return &v, nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *Vehicles) ListByUser(_ context.Context, userID string) ([]vehicleentity.Vehicle, error) {
	s := r.s
	if err := s.lock("Vehicles.ListByUser"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var out []vehicleentity.Vehicle
	for _, v := range s.d.vehicles {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Vehicles) Reassign(_ context.Context, vehicleID, userID string) error {
	s := r.s
	if err := s.lock("Vehicles.Reassign"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	v, ok := s.d.vehicles[vehicleID]
	if !ok {
		return database.ErrNotFound
	}
	if _, ok := s.d.users[userID]; !ok {
		return errForeignKey
	}
	if s.plateTaken(userID, v.RegistrationNumber, vehicleID) {
		return database.ErrDuplicateKey
	}
	v.UserID = userID
	s.d.vehicles[vehicleID] = v
	return nil
}

func (r *Vehicles) Delete(_ context.Context, vehicleID string) error {
	s := r.s
	if err := s.lock("Vehicles.Delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.vehicles[vehicleID]; !ok {
		return database.ErrNotFound
	}
	s.deleteVehicle(vehicleID)
	return nil
}

func (s *Store) deleteVehicle(id string) {
	delete(s.d.vehicles, id)
	for k, t := range s.d.tickets {
		if t.VehicleID == id {
			delete(s.d.tickets, k)
		}
	}
}

func (r *Vehicles) CountByUser(_ context.Context, userID string) (int64, error) {
	s := r.s
	if err := s.lock("Vehicles.CountByUser"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.d.vehicles {
		if v.UserID == userID {
			n++
		}
	}
	return n, nil
}

// ---- tickets

type Tickets struct{ s *Store }

func (s *Store) pcnTaken(vehicleID, pcn, exceptID string) bool {
	for id, t := range s.d.tickets {
		if id != exceptID && t.VehicleID == vehicleID && t.PCNNumber == pcn {
			return true
		}
	}
	return false
}

func (r *Tickets) Create(_ context.Context, t *vehicleentity.Ticket) error {
	s := r.s
	if err := s.lock("Tickets.Create"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.vehicles[t.VehicleID]; !ok {
		return errForeignKey
	}
	if _, ok := s.d.tickets[t.ID]; ok || s.pcnTaken(t.VehicleID, t.PCNNumber, "") {
		return database.ErrDuplicateKey
	}
	t.CreatedAt = s.tick()
	s.d.tickets[t.ID] = *t
	return nil
}

func (r *Tickets) ListByVehicle(_ context.Context, vehicleID string) ([]vehicleentity.Ticket, error) {
	s := r.s
	if err := s.lock("Tickets.ListByVehicle"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var out []vehicleentity.Ticket
	for _, t := range s.d.tickets {
		if t.VehicleID == vehicleID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Tickets) Move(_ context.Context, ticketID, vehicleID string) error {
	s := r.s
	if err := s.lock("Tickets.Move"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	t, ok := s.d.tickets[ticketID]
	if !ok {
		return database.ErrNotFound
	}
	if _, ok := s.d.vehicles[vehicleID]; !ok {
		return errForeignKey
	}
	if s.pcnTaken(vehicleID, t.PCNNumber, ticketID) {
		return database.ErrDuplicateKey
	}
	t.VehicleID = vehicleID
	s.d.tickets[ticketID] = t
	return nil
}

func (r *Tickets) Delete(_ context.Context, ticketID string) error {
	s := r.s
	if err := s.lock("Tickets.Delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.tickets[ticketID]; !ok {
		return database.ErrNotFound
	}
	delete(s.d.tickets, ticketID)
	return nil
}

// ---- push tokens and notifications

type Inbox struct{ s *Store }

func (r *Inbox) UpsertPushToken(_ context.Context, t *notificationentity.PushToken) error {
	s := r.s
	if err := s.lock("Inbox.UpsertPushToken"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.users[t.UserID]; !ok {
		return errForeignKey
	}
	for id, existing := range s.d.pushTokens {
		if existing.Token == t.Token {
			existing.UserID, existing.Platform = t.UserID, t.Platform
			s.d.pushTokens[id] = existing
			*t = existing
			return nil
		}
	}
	t.CreatedAt = s.tick()
	s.d.pushTokens[t.ID] = *t
	return nil
}

// SeedNotification stores n as a fixture. Notifications are written by the
// delivery side, never by this service.
func (r *Inbox) SeedNotification(_ context.Context, n *notificationentity.Notification) error {
	s := r.s
	if err := s.lock("Inbox.SeedNotification"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.d.users[n.UserID]; !ok {
		return errForeignKey
	}
	n.CreatedAt = s.tick()
	s.d.notifications[n.ID] = *n
	return nil
}

func (r *Inbox) ReassignPushTokens(_ context.Context, fromUserID, toUserID string) (int64, error) {
	s := r.s
	if err := s.lock("Inbox.ReassignPushTokens"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.d.pushTokens {
		if v.UserID == fromUserID {
			v.UserID = toUserID
			s.d.pushTokens[k] = v
			n++
		}
	}
	return n, nil
}

func (r *Inbox) ReassignNotifications(_ context.Context, fromUserID, toUserID string) (int64, error) {
	s := r.s
	if err := s.lock("Inbox.ReassignNotifications"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.d.notifications {
		if v.UserID == fromUserID {
			v.UserID = toUserID
			s.d.notifications[k] = v
			n++
		}
	}
	return n, nil
}

func (r *Inbox) CountByUser(_ context.Context, userID string) (int64, error) {
	s := r.s
	if err := s.lock("Inbox.CountByUser"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.d.pushTokens {
		if v.UserID == userID {
			n++
		}
	}
	for _, v := range s.d.notifications {
		if v.UserID == userID {
			n++
		}
	}
	return n, nil
}

// ---- inspection helpers for tests

// Counts returns the number of users and device sessions.
func (s *Store) Counts() (users, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.d.users), len(s.d.sessions)
}

// TicketsWithPCN returns every ticket carrying pcn, across all vehicles.
func (s *Store) TicketsWithPCN(pcn string) []vehicleentity.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vehicleentity.Ticket
	for _, t := range s.d.tickets {
		if t.PCNNumber == pcn {
			out = append(out, t)
		}
	}
	return out
}

// TicketOwner returns the user owning the ticket's vehicle.
func (s *Store) TicketOwner(ticketID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.d.tickets[ticketID]
	if !ok {
		return "", fmt.Errorf("ticket %s: %w", ticketID, database.ErrNotFound)
	}
	v, ok := s.d.vehicles[t.VehicleID]
	if !ok {
		return "", fmt.Errorf("vehicle %s: %w", t.VehicleID, database.ErrNotFound)
	}
	return v.UserID, nil
}

// TicketIDs returns the ids of all stored tickets.
func (s *Store) TicketIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.d.tickets))
	for id := range s.d.tickets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
