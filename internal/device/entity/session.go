package entity

import "time"

// DeviceSession binds one physical device installation to exactly one user.
// DeviceID is unique; UserID may be repointed but the row is never duplicated.
type DeviceSession struct {
	DeviceID   string    `db:"device_id" json:"device_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	LastSeenAt time.Time `db:"last_seen_at" json:"last_seen_at"`
}
