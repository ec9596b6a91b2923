package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/torvisr/internal/control/controltest"
)

func TestConnectPasswordAuthentication(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("s3cret", nil))
	c := New(Config{Addr: srv.Addr(), Password: "s3cret"})
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, []string{`AUTHENTICATE "s3cret"`}, srv.Commands())

	// second Connect reuses the session
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, srv.Connections())
}

func TestConnectBadPassword(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("right", nil))
	c := New(Config{Addr: srv.Addr(), Password: "wrong"})

	err := c.Connect(context.Background())
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "password", ae.Method)
	assert.ErrorIs(t, err, ErrBadAuthentication)
	assert.False(t, c.Connected())
}

func TestConnectCookieAuthentication(t *testing.T) {
	cookie := []byte{0xde, 0xad, 0xbe, 0xef}
	path := filepath.Join(t.TempDir(), "control_auth_cookie")
	require.NoError(t, os.WriteFile(path, cookie, 0o600))

	srv := controltest.NewServer(t, func(line string) []string {
		if line == "AUTHENTICATE deadbeef" {
			return []string{"250 OK"}
		}
		return []string{"515 Authentication failed"}
	})
	c := New(Config{Addr: srv.Addr(), CookiePath: path})
	require.NoError(t, c.Connect(context.Background()))
	_ = c.Close()
}

func TestConnectRejectsPasswordAndCookie(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1", Password: "a", Cookie: []byte{1}})
	err := c.Connect(context.Background())
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, errConflictingAuthentications)
}

func TestConnectNullAuthentication(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", nil))
	c := New(Config{Addr: srv.Addr()})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"AUTHENTICATE"}, srv.Commands())
	_ = c.Close()
}

func TestConnectRefused(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", nil))
	addr := srv.Addr()
	srv.Close()

	c := New(Config{Addr: addr, DialTimeout: time.Second})
	err := c.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Addr)
}

func TestSendCommandMultiLineReply(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("pw", func(line string) []string {
		if strings.HasPrefix(line, "ADD_ONION") {
			return []string{"250-ServiceID=wxyz9876", "250-PrivateKey=ED25519-V3:AAAA", "250 OK"}
		}
		return nil
	}))
	c := New(Config{Addr: srv.Addr(), Password: "pw"})
	defer func() { _ = c.Close() }()

	rep, err := c.SendCommand(context.Background(), "ADD_ONION NEW:BEST Flags=Detach Port=80,127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, 250, rep.Code)
	assert.True(t, rep.OK())
	assert.Equal(t, []string{"250-ServiceID=wxyz9876", "250-PrivateKey=ED25519-V3:AAAA", "250 OK"}, rep.Messages())
	id, ok := rep.Value("ServiceID")
	assert.True(t, ok)
	assert.Equal(t, "wxyz9876", id)
	assert.Equal(t, "ED25519-V3:AAAA", rep.Values()["PrivateKey"])
	assert.Equal(t, "OK", rep.Status())
}

func TestSendCommandDataLinesAndAsyncEvents(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string {
		return []string{
			"650 CIRC 1 LAUNCHED",
			"250+config-text=",
			"SocksPort 9052",
			"..dotted",
			".",
			"250 OK",
		}
	}))
	c := New(Config{Addr: srv.Addr()})
	defer func() { _ = c.Close() }()

	rep, err := c.SendCommand(context.Background(), "GETINFO config-text")
	require.NoError(t, err)
	require.Len(t, rep.Lines, 2)
	assert.Equal(t, byte('+'), rep.Lines[0].Separator)
	assert.Equal(t, "SocksPort 9052\n.dotted\n", rep.Lines[0].Data)
}

func TestSendCommandReplyError(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string {
		return []string{"552 Unknown Onion Service id abcd"}
	}))
	c := New(Config{Addr: srv.Addr()})
	defer func() { _ = c.Close() }()

	rep, err := c.SendCommand(context.Background(), "DEL_ONION abcd")
	require.Error(t, err)
	require.NotNil(t, rep)
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 552, re.Code)
	assert.ErrorIs(t, err, ErrUnrecognizedEntity)
	// the session survives a rejected command
	assert.True(t, c.Connected())
}

func TestSendCommandProtocolError(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string {
		return []string{"garbage"}
	}))
	c := New(Config{Addr: srv.Addr()})
	defer func() { _ = c.Close() }()

	_, err := c.SendCommand(context.Background(), "GETINFO version")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.False(t, c.Connected())
}

func TestSendCommandTimeout(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string {
		return []string{"250-partial"} // never terminated
	}))
	c := New(Config{Addr: srv.Addr(), Timeout: 100 * time.Millisecond})
	defer func() { _ = c.Close() }()

	start := time.Now()
	_, err := c.SendCommand(context.Background(), "GETINFO version")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "GETINFO", te.Command)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSendCommandContextCancel(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string { return nil }))
	c := New(Config{Addr: srv.Addr(), Timeout: 10 * time.Second})
	defer func() { _ = c.Close() }()
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, "SIGNAL NEWNYM")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestSendCommandReconnectsAfterBrokenSession(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string {
		return []string{"250 OK"}
	}))
	c := New(Config{Addr: srv.Addr()})
	defer func() { _ = c.Close() }()

	_, err := c.SendCommand(context.Background(), "SIGNAL NEWNYM")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.SendCommand(context.Background(), "SIGNAL NEWNYM")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Connections())
}

func TestSendCommandRejectsMultiLine(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1"})
	_, err := c.SendCommand(context.Background(), "GETINFO a\r\nSIGNAL HALT")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestSendCommandSerializesConcurrentCallers(t *testing.T) {
	srv := controltest.NewServer(t, controltest.Tor("", func(line string) []string {
		_, arg, _ := strings.Cut(line, " ")
		return []string{"250-echo=" + arg, "250 OK"}
	}))
	c := New(Config{Addr: srv.Addr()})
	defer func() { _ = c.Close() }()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arg := strings.Repeat("x", i+1)
			rep, err := c.SendCommand(context.Background(), "ECHO "+arg)
			if err != nil {
				errs <- err
				return
			}
			if v, _ := rep.Value("echo"); v != arg {
				errs <- errors.New("reply paired with wrong request: " + v)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, Quote("plain"))
	assert.Equal(t, `"a\"b\\c\r\n"`, Quote("a\"b\\c\r\n"))
}

func TestParseLineErrors(t *testing.T) {
	for _, s := range []string{"", "25", "abc OK", "250?OK", "099 x"} {
		_, err := parseLine(s)
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("parseLine(%q) expected ProtocolError, got %v", s, err)
		}
	}
}

func TestReplyErrorUnknownStatus(t *testing.T) {
	err := replyError(&Reply{Code: 599, Lines: []ReplyLine{{Code: 599, Separator: ' ', Text: "odd"}}})
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.Contains(t, err.Error(), "599 odd")
}
