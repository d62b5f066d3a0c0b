package model

import (
	"time"

	"github.com/google/uuid"
)

// User is an authenticated principal: a rule author, a reader, or an
// operator. API keys are stored as Argon2id hashes, never in clear.
type User struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Role       UserRole  `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
