package entity

import (
	"strings"
	"time"
)

// AnonymousName is the display name given to users created by device bootstrap.
const AnonymousName = "Mobile User"

// User represents an account row in the `users` table. A nil Email marks an
// anonymous user that only anchors device-collected data until it is
// identified or merged away.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (u *User) IsAnonymous() bool {
	return u.Email == nil || *u.Email == ""
}

// HasEmail reports whether u is identified by the (normalized) email.
func (u *User) HasEmail(email string) bool {
	return !u.IsAnonymous() && NormalizeEmail(*u.Email) == email
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
