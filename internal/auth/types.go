package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the API. Admin may kill Tor and change services;
// viewer may only read.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("insufficient permissions")
)

// User is a statically configured API account.
type User struct {
	Name         string `toml:"name" mapstructure:"name"`
	PasswordHash string `toml:"password_hash" mapstructure:"password_hash"` // bcrypt
	Role         string `toml:"role" mapstructure:"role"`
}

// Config enables API authentication. An empty JWTSecret gets a random one
// per process, so issued tokens do not survive a restart.
type Config struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	Users     []User        `toml:"users" mapstructure:"users"`
}

// Claims carried by issued tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Token is the login response.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result identifies an authenticated caller.
type Result struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// CanWrite reports whether the role may mutate state.
func (r Result) CanWrite() bool { return r.Role == RoleAdmin }
