// Package credential generates the control-port password handed to Tor.
//
// Tor never sees the plaintext at launch: it receives the hashed form through
// --HashedControlPassword, and the control client later authenticates with the
// plaintext.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// PasswordBytes is the amount of randomness in a generated password.
const PasswordBytes = 16

// Credentials holds one password and its hashed form.
type Credentials struct {
	Password       string
	HashedPassword string
}

// String hides the plaintext password.
func (c Credentials) String() string {
	return "Credentials{Password: <redacted>, HashedPassword: " + c.HashedPassword + "}"
}

// Hasher turns a plaintext password into Tor's HashedControlPassword form.
type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
}

// HashGenerationError reports that a password hash could not be produced.
type HashGenerationError struct {
	Err error
}

func (e *HashGenerationError) Error() string {
	return fmt.Sprintf("generate hashed control password: %v", e.Err)
}

func (e *HashGenerationError) Unwrap() error { return e.Err }

// NewPassword returns a hex encoded random password.
func NewPassword() (string, error) {
	b := make([]byte, PasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Generate creates a fresh password and hashes it with h. A nil h uses S2KHasher.
func Generate(ctx context.Context, h Hasher) (Credentials, error) {
	if h == nil {
		h = S2KHasher{}
	}
	pw, err := NewPassword()
	if err != nil {
		return Credentials{}, &HashGenerationError{Err: err}
	}
	hashed, err := h.Hash(ctx, pw)
	if err != nil {
		var he *HashGenerationError
		if errors.As(err, &he) {
			return Credentials{}, he
		}
		return Credentials{}, &HashGenerationError{Err: err}
	}
	return Credentials{Password: pw, HashedPassword: hashed}, nil
}
