// Package auth protects the HTTP API with bcrypt-hashed users and HS256
// bearer tokens.
package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "torvisr"

// Service authenticates users and issues tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	users  map[string]User
}

func NewService(cfg Config) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Name == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth user requires name and password_hash")
		}
		switch u.Role {
		case "":
			u.Role = RoleViewer
		case RoleAdmin, RoleViewer:
		default:
			return nil, fmt.Errorf("auth user %s: unknown role %q", u.Name, u.Role)
		}
		users[u.Name] = u
	}
	return &Service{secret: secret, ttl: ttl, users: users}, nil
}

// HashPassword returns a bcrypt hash for a users entry.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword verifies a username and password.
func (s *Service) CheckPassword(username, password string) (Result, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: u.Name, Role: u.Role}, nil
}

// Login checks the password and issues a bearer token.
func (s *Service) Login(username, password string) (Token, error) {
	r, err := s.CheckPassword(username, password)
	if err != nil {
		return Token{}, err
	}
	return s.Issue(r)
}

// Issue signs a token for r.
func (s *Service) Issue(r Result) (Token, error) {
	now := time.Now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Role: r.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   r.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	v, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: v, ExpiresAt: exp}, nil
}

// Verify parses a bearer token. The user must still be configured.
func (s *Service) Verify(token string) (Result, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	u, ok := s.users[claims.Subject]
	if !ok {
		return Result{}, ErrInvalidToken
	}
	return Result{Username: u.Name, Role: u.Role}, nil
}
