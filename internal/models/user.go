package models

import "time"

// User is a catalog-owned tenant identity (spec.md §3). Password and API
// key are stored only as hashes; the plaintext API key is shown to the
// caller once, at signup or login, and never persisted.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	APIKeyHash   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
