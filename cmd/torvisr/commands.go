package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loykin/torvisr"
	"github.com/loykin/torvisr/pkg/client"
)

type command struct {
	out      io.Writer
	sessions *SessionStore
}

func newCommand() command {
	return command{out: os.Stdout, sessions: NewSessionStore()}
}

// apiClient builds a client for f. Without --api-url the current session
// picks the daemon; a saved token for the chosen URL is always sent.
func (c command) apiClient(ctx context.Context, f APIFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	var session *Session
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
		session, _ = c.sessions.For(f.APIUrl)
	} else if session, _ = c.sessions.Current(); session != nil {
		cfg.BaseURL = session.ServerURL
	}
	if session != nil {
		cfg.Token = session.Token
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	if f.CACert != "" || f.SkipVerify {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert, SkipVerify: f.SkipVerify}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'torvisr serve'", cfg.BaseURL)
	}
	return cl, nil
}

func (c command) Status(ctx context.Context, f APIFlags) error {
	cl, err := c.apiClient(ctx, f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	c.printJSON(st)
	return nil
}

func (c command) Kill(ctx context.Context, f APIFlags) error {
	cl, err := c.apiClient(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.Kill(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "tor terminated")
	return nil
}

func (c command) CreateService(ctx context.Context, f ServiceCreateFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	created, err := cl.CreateService(ctx, client.CreateServiceRequest{
		VirtPort:   f.VirtPort,
		TargetPort: f.TargetPort,
		PrivateKey: f.PrivateKey,
	})
	if err != nil {
		return err
	}
	c.printJSON(created)
	return nil
}

func (c command) DestroyService(ctx context.Context, f ServiceFlags) error {
	if f.ID == "" {
		return errors.New("service id is required")
	}
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	ok, err := cl.DestroyService(ctx, f.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tor did not remove service %s", f.ID)
	}
	_, _ = fmt.Fprintf(c.out, "service %s removed\n", f.ID)
	return nil
}

func (c command) GetService(ctx context.Context, f ServiceFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	addr, err := cl.GetServiceAddress(ctx, f.VirtPort)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return fmt.Errorf("no service on virtual port %d", f.VirtPort)
		}
		return err
	}
	_, _ = fmt.Fprintln(c.out, addr)
	return nil
}

func (c command) ListServices(ctx context.Context, f APIFlags) error {
	cl, err := c.apiClient(ctx, f)
	if err != nil {
		return err
	}
	svcs, err := cl.ListServices(ctx)
	if err != nil {
		return err
	}
	c.printJSON(svcs)
	return nil
}

// History prints recorded events, newest first.
func (c command) History(ctx context.Context, f HistoryFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	q := client.HistoryQuery{Type: f.Type, Limit: f.Limit}
	if f.Since > 0 {
		q.Since = time.Now().Add(-f.Since)
	}
	events, err := cl.History(ctx, q)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return errors.New("daemon keeps no queryable history (set history.dsn)")
		}
		return err
	}
	if f.JSON {
		c.printJSON(events)
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-18s %-11s pid=%-7d attempt=%d",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, e.State, e.PID, e.Attempt)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c command) Login(ctx context.Context, f LoginFlags) error {
	if f.Username == "" || f.Password == "" {
		return errors.New("username and password are required")
	}
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	tok, err := cl.Login(ctx, f.Username, f.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	serverURL := f.APIUrl
	if serverURL == "" {
		serverURL = client.DefaultConfig().BaseURL
	}
	if err := c.sessions.Save(&Session{
		Token:     tok.Value,
		TokenType: tok.Type,
		ExpiresAt: tok.ExpiresAt,
		Username:  f.Username,
		ServerURL: serverURL,
	}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "logged in as %s until %s\n", f.Username, tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Logout forgets the session for f.APIUrl, or the current one.
func (c command) Logout(f APIFlags) error {
	if err := c.sessions.Clear(f.APIUrl); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "logged out")
	return nil
}

// HashPassword prints a fresh control password and its HashedControlPassword.
func (c command) HashPassword(ctx context.Context, f HashPasswordFlags) error {
	creds, err := torvisr.GenerateCredentials(ctx, f.TorPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Password: %s\nHashedControlPassword: %s\n", creds.Password, creds.HashedPassword)
	return nil
}

func (c command) HashAPIPassword(password string) error {
	if password == "" {
		return errors.New("password is required")
	}
	h, err := torvisr.HashAPIPassword(password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}
