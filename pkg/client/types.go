package client

import (
	"fmt"
	"net/http"
	"time"
)

// CreateServiceRequest is the POST /services body. An empty PrivateKey asks
// Tor for a fresh key.
type CreateServiceRequest struct {
	VirtPort   int    `json:"virt_port"`
	TargetPort int    `json:"target_port"`
	PrivateKey string `json:"private_key,omitempty"`
}

// CreatedService is returned by CreateService.
type CreatedService struct {
	OnionAddress string `json:"onion_address"`
	PrivateKey   string `json:"private_key,omitempty"`
}

// Service is one cached hidden service. Keys are only returned on creation.
type Service struct {
	VirtPort   int    `json:"virt_port"`
	TargetPort int    `json:"target_port"`
	Address    string `json:"address"`
}

// Ports Tor listens on.
type Ports struct {
	Socks      int `json:"socks"`
	HTTPTunnel int `json:"http_tunnel"`
	Control    int `json:"control"`
}

// Status of the supervised Tor process.
type Status struct {
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	Attempts  int       `json:"attempts"`
	Bootstrap int       `json:"bootstrap_percent"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
	DataDir   string    `json:"data_dir"`
	Ports     Ports     `json:"ports"`
}

// HistoryQuery filters GET /history. Zero fields are omitted.
type HistoryQuery struct {
	Type  string
	Since time.Time
	Limit int
}

// Event is one recorded supervisor or service event.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	Attempt    int       `json:"attempt"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Token is an API bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// NotFound reports a 404, e.g. no service cached for a port.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }
