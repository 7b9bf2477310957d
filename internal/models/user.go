package models

import "time"

// User is an account holder.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Confirmed reports whether the email address was verified.
func (u *User) Confirmed() bool {
	return u != nil && u.ConfirmedAt != nil
}
