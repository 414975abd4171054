package domain

import (
	"github.com/google/uuid"
	"time"
)

// Account represents a local actor hosted by this instance
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	WebPublicKey  string // PEM encoded RSA public key, served in the actor document
	WebPrivateKey string // PEM encoded RSA private key, used to sign outbound requests
	CreatedAt     time.Time
}
