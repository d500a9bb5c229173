package models

import (
	"time"
)

// Operator is a back-office user allowed to act on the ledger. Every approval,
// void and correction records the operator identity; anonymous actors are
// rejected at the middleware.
type Operator struct {
	ID           int       `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	FullName     string    `json:"fullName" db:"full_name"`
	Role         string    `json:"role" db:"role"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}
