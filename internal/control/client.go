// Package control implements the line-oriented client for Tor's ControlPort.
package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/torvisr/internal/metrics"
)

// Defaults for the control connection.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second

	asyncEventCode = 650
)

// Config describes how to reach and authenticate to the control port.
// Password and cookie are mutually exclusive.
type Config struct {
	Addr        string
	Password    string
	CookiePath  string
	Cookie      []byte
	Timeout     time.Duration // bound for one request/reply exchange
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client is a persistent control-port session. SendCommand calls are
// serialized, so a reply is always paired with the request that caused it.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// New configures a client without connecting.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Client{cfg: cfg, logger: l.With("component", "control", "addr", cfg.Addr)}
}

// Addr returns the control endpoint.
func (c *Client) Addr() string { return c.cfg.Addr }

// Connected reports whether an authenticated session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the control port and authenticates. It is a no-op when a
// session is already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	method, arg, err := c.authArgument()
	if err != nil {
		return &AuthenticationError{Method: method, Err: err}
	}

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return &ConnectionError{Addr: c.cfg.Addr, Err: err}
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	line := "AUTHENTICATE"
	if arg != "" {
		line += " " + arg
	}
	rep, err := c.roundTripLocked(ctx, line, "AUTHENTICATE")
	if err != nil {
		c.dropLocked()
		return err
	}
	if !rep.OK() {
		c.dropLocked()
		return &AuthenticationError{Method: method, Err: replyError(rep)}
	}
	c.logger.Debug("control session authenticated", "method", method)
	return nil
}

// authArgument picks the AUTHENTICATE argument for the configured method.
func (c *Client) authArgument() (string, string, error) {
	hasCookie := c.cfg.CookiePath != "" || len(c.cfg.Cookie) > 0
	switch {
	case c.cfg.Password != "" && hasCookie:
		return "password", "", errConflictingAuthentications
	case c.cfg.Password != "":
		return "password", Quote(c.cfg.Password), nil
	case hasCookie:
		cookie := c.cfg.Cookie
		if len(cookie) == 0 {
			b, err := os.ReadFile(c.cfg.CookiePath)
			if err != nil {
				return "cookie", "", err
			}
			cookie = b
		}
		return "cookie", hex.EncodeToString(cookie), nil
	default:
		return "null", "", nil
	}
}

// SendCommand writes one command line and returns the complete reply.
// Failure statuses are returned as *ReplyError alongside the reply.
func (c *Client) SendCommand(ctx context.Context, line string) (*Reply, error) {
	if strings.ContainsAny(line, "\r\n") {
		return nil, &ProtocolError{Line: line, Reason: "command must be a single line"}
	}
	verb := commandVerb(line)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		metrics.IncControlCommand(verb, "connect_error")
		return nil, err
	}
	rep, err := c.roundTripLocked(ctx, line, verb)
	if err != nil {
		metrics.IncControlCommand(verb, "error")
		return nil, err
	}
	if rerr := replyError(rep); rerr != nil {
		metrics.IncControlCommand(verb, "rejected")
		return rep, rerr
	}
	metrics.IncControlCommand(verb, "ok")
	return rep, nil
}

func (c *Client) roundTripLocked(ctx context.Context, line, verb string) (*Reply, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	_ = conn.SetDeadline(deadline)
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	// Unblock the read when ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, line+"\r\n"); err != nil {
		return nil, c.ioFailureLocked(ctx, verb, err)
	}
	for {
		rep, err := readReply(c.reader)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.dropLocked()
				return nil, err
			}
			return nil, c.ioFailureLocked(ctx, verb, err)
		}
		if rep.Code == asyncEventCode {
			c.logger.Debug("discarding asynchronous event", "event", rep.Status())
			continue
		}
		return rep, nil
	}
}

func (c *Client) ioFailureLocked(ctx context.Context, verb string, err error) error {
	c.dropLocked()
	if ctx.Err() != nil {
		return &TimeoutError{Command: verb, Err: ctx.Err()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Command: verb, Err: err}
	}
	return &ConnectionError{Addr: c.cfg.Addr, Err: err}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// Close tears the session down. A later SendCommand reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// readReply reads lines until the terminal one.
func readReply(r *bufio.Reader) (*Reply, error) {
	rep := &Reply{}
	for {
		s, err := readLine(r)
		if err != nil {
			return nil, err
		}
		line, err := parseLine(s)
		if err != nil {
			return nil, err
		}
		if len(rep.Lines) > 0 && line.Code != rep.Lines[0].Code {
			return nil, &ProtocolError{Line: s, Reason: "status code changed inside reply"}
		}
		if line.Separator == '+' {
			data, err := readData(r)
			if err != nil {
				return nil, err
			}
			line.Data = data
		}
		rep.Lines = append(rep.Lines, line)
		if line.Separator == ' ' {
			rep.Code = line.Code
			return rep, nil
		}
	}
}

// readData consumes a dot-terminated data block.
func readData(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		s, err := readLine(r)
		if err != nil {
			return "", err
		}
		if s == "." {
			return b.String(), nil
		}
		if strings.HasPrefix(s, "..") {
			s = s[1:]
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
}

func readLine(r *bufio.Reader) (string, error) {
	s, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && s != "" {
			return "", &ProtocolError{Line: s, Reason: "unterminated line"}
		}
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(s, "\n"), "\r"), nil
}

func commandVerb(line string) string {
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb)
}
