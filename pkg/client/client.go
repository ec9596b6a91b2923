package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to a torvisr daemon's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	auth    func(*http.Request)
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
	// Token is sent as a bearer token; otherwise Username/Password use
	// basic auth when set.
	Token    string
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 2 * time.Minute,
	}
}

// New creates a client. A bad TLS configuration is returned as an error.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	c := &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
	switch {
	case config.Token != "":
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+config.Token) }
	case config.Username != "":
		c.auth = func(r *http.Request) { r.SetBasicAuth(config.Username, config.Password) }
	}
	return c, nil
}

// IsReachable checks if the daemon is running and reachable. Any answer
// except 404 counts, so an API that demands credentials is reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.NotFound()
	}
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// Login exchanges a username and password for a bearer token and uses it
// for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	var tok Token
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &tok); err != nil {
		return Token{}, err
	}
	c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok.Value) }
	return tok, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// CreateService adds a hidden service and returns its address.
func (c *Client) CreateService(ctx context.Context, req CreateServiceRequest) (CreatedService, error) {
	c.logger.Debug("creating hidden service", "virt_port", req.VirtPort, "target_port", req.TargetPort)
	var out CreatedService
	err := c.do(ctx, http.MethodPost, "/services", req, &out)
	return out, err
}

func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var out []Service
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	return out, err
}

// GetServiceAddress returns the cached address for virtPort. A miss is an
// *APIError with NotFound() true.
func (c *Client) GetServiceAddress(ctx context.Context, virtPort int) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	err := c.do(ctx, http.MethodGet, "/services/"+strconv.Itoa(virtPort), nil, &out)
	return out.Address, err
}

// DestroyService reports whether Tor accepted DEL_ONION for id.
func (c *Client) DestroyService(ctx context.Context, id string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(id), nil, &out)
	return out.OK, err
}

// History returns recorded lifecycle events, newest first. Daemons
// without a queryable history sink answer 404.
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]Event, error) {
	v := url.Values{}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	path := "/history"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Kill terminates the supervised Tor process.
func (c *Client) Kill(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/kill", nil, nil)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg *TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 SkipVerify is opt-in for self-signed development certs
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify,
		ServerName:         cfg.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CACert != "" {
		pemData, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("parse CA certificate %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// do performs a JSON request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		c.logger.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode, "error", er.Error)
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
