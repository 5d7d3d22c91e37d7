package entity

import (
	"strings"
	"time"
	"unicode"
)

// Vehicle is owned by exactly one user; (UserID, RegistrationNumber) is unique.
type Vehicle struct {
	ID                 string    `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	RegistrationNumber string    `db:"registration_number" json:"registration_number"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// Ticket is a penalty charge notice recorded against a vehicle.
type Ticket struct {
	ID        string    `db:"id" json:"id"`
	VehicleID string    `db:"vehicle_id" json:"vehicle_id"`
	PCNNumber string    `db:"pcn_number" json:"pcn_number"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// VehicleWithTickets is a vehicle and the tickets recorded against it.
type VehicleWithTickets struct {
	Vehicle
	Tickets []Ticket `json:"tickets"`
}

// NormalizeRegistration upper-cases a plate and strips all whitespace, so
// "ab12 cde" and "AB12CDE" name the same vehicle.
func NormalizeRegistration(reg string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, reg)
}

func NormalizePCN(pcn string) string {
	return strings.ToUpper(strings.TrimSpace(pcn))
}
