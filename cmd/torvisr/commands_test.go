package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/torvisr/internal/auth"
	"github.com/loykin/torvisr/internal/control"
	"github.com/loykin/torvisr/internal/credential"
	"github.com/loykin/torvisr/internal/history"
	"github.com/loykin/torvisr/internal/history/sqlite"
	"github.com/loykin/torvisr/internal/onion"
	"github.com/loykin/torvisr/internal/server"
	"github.com/loykin/torvisr/internal/supervisor"
)

type fakeSupervisor struct{ killed bool }

func (f *fakeSupervisor) Status() supervisor.Status {
	if f.killed {
		return supervisor.Status{State: supervisor.Terminated}
	}
	return supervisor.Status{State: supervisor.Running, PID: 777, Ports: supervisor.Ports{Control: 9151}}
}

func (f *fakeSupervisor) Kill(context.Context) error {
	if f.killed {
		return supervisor.ErrNotInitialized
	}
	f.killed = true
	return nil
}

type stubTor struct{}

func (stubTor) SendCommand(_ context.Context, line string) (*control.Reply, error) {
	verb, rest, _ := strings.Cut(line, " ")
	ok := control.ReplyLine{Code: 250, Separator: ' ', Text: "OK"}
	switch verb {
	case "ADD_ONION":
		r := &control.Reply{Code: 250, Lines: []control.ReplyLine{{Code: 250, Separator: '-', Text: "ServiceID=cli2345"}}}
		if strings.HasPrefix(rest, onion.NewKey) {
			r.Lines = append(r.Lines, control.ReplyLine{Code: 250, Separator: '-', Text: "PrivateKey=ED25519-V3:Q0xJ"})
		}
		r.Lines = append(r.Lines, ok)
		return r, nil
	case "DEL_ONION":
		if rest != "cli2345" {
			return &control.Reply{Code: 552}, &control.ReplyError{Code: 552, Message: "Unknown Onion Service id"}
		}
		return &control.Reply{Code: 250, Lines: []control.ReplyLine{ok}}, nil
	}
	return nil, errors.New("unexpected " + line)
}

func newDaemon(t *testing.T, opts ...server.Option) (string, *fakeSupervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{}
	srv := httptest.NewServer(server.NewRouter(sup, onion.New(stubTor{}), "/api", opts...).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api", sup
}

func newTestCommand(t *testing.T) (command, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return command{out: &out, sessions: newSessionStoreAt(t.TempDir())}, &out
}

func TestRemoteServiceCommands(t *testing.T) {
	url, sup := newDaemon(t)
	c, out := newTestCommand(t)
	ctx := context.Background()
	api := APIFlags{APIUrl: url, APITimeout: 5 * time.Second}

	require.NoError(t, c.Status(ctx, api))
	var st map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, "running", st["state"])
	out.Reset()

	require.NoError(t, c.CreateService(ctx, ServiceCreateFlags{APIFlags: api, VirtPort: 80, TargetPort: 8080}))
	assert.Contains(t, out.String(), `"onion_address": "cli2345.onion"`)
	assert.Contains(t, out.String(), "ED25519-V3:Q0xJ")
	out.Reset()

	require.NoError(t, c.GetService(ctx, ServiceFlags{APIFlags: api, VirtPort: 80}))
	assert.Equal(t, "cli2345.onion\n", out.String())
	out.Reset()

	err := c.GetService(ctx, ServiceFlags{APIFlags: api, VirtPort: 81})
	assert.EqualError(t, err, "no service on virtual port 81")

	require.NoError(t, c.ListServices(ctx, api))
	assert.Contains(t, out.String(), `"virt_port": 80`)
	out.Reset()

	require.NoError(t, c.DestroyService(ctx, ServiceFlags{APIFlags: api, ID: "cli2345.onion"}))
	assert.Contains(t, out.String(), "removed")
	assert.Error(t, c.DestroyService(ctx, ServiceFlags{APIFlags: api, ID: "zzzz2345"}))
	assert.Error(t, c.DestroyService(ctx, ServiceFlags{APIFlags: api}))

	require.NoError(t, c.Kill(ctx, api))
	assert.True(t, sup.killed)
	assert.Error(t, c.Kill(ctx, api))
}

func TestCreateServiceRejected(t *testing.T) {
	url, _ := newDaemon(t)
	c, _ := newTestCommand(t)
	err := c.CreateService(context.Background(), ServiceCreateFlags{APIFlags: APIFlags{APIUrl: url}, VirtPort: 0, TargetPort: 8080})
	assert.Error(t, err)
}

func TestDaemonNotReachable(t *testing.T) {
	c, _ := newTestCommand(t)
	err := c.Status(context.Background(), APIFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestHistoryCommand(t *testing.T) {
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventSpawn, OccurredAt: now.Add(-2 * time.Hour), State: "spawning"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventServiceCreated, OccurredAt: now, State: "running", PID: 31, Detail: "cli2345.onion"}))

	url, _ := newDaemon(t, server.WithHistory(sink))
	c, out := newTestCommand(t)
	api := APIFlags{APIUrl: url}

	require.NoError(t, c.History(ctx, HistoryFlags{APIFlags: api}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "service_created")
	assert.Contains(t, lines[0], "cli2345.onion")
	assert.Contains(t, lines[1], "spawn")
	out.Reset()

	require.NoError(t, c.History(ctx, HistoryFlags{APIFlags: api, Since: time.Hour, JSON: true}))
	var events []history.Event
	require.NoError(t, json.Unmarshal(out.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, 31, events[0].PID)

	noHistory, _ := newDaemon(t)
	err = c.History(ctx, HistoryFlags{APIFlags: APIFlags{APIUrl: noHistory}})
	assert.ErrorContains(t, err, "no queryable history")
}

func TestLoginUsesSavedSession(t *testing.T) {
	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{Enabled: true, Users: []auth.User{{Name: "ops", PasswordHash: hash, Role: auth.RoleAdmin}}})
	require.NoError(t, err)
	url, sup := newDaemon(t, server.WithAuth(svc))
	c, out := newTestCommand(t)
	ctx := context.Background()

	assert.Error(t, c.Status(ctx, APIFlags{APIUrl: url}))
	assert.Error(t, c.Login(ctx, LoginFlags{APIFlags: APIFlags{APIUrl: url}, Username: "ops"}))
	assert.Error(t, c.Login(ctx, LoginFlags{APIFlags: APIFlags{APIUrl: url}, Username: "ops", Password: "wrong"}))

	require.NoError(t, c.Login(ctx, LoginFlags{APIFlags: APIFlags{APIUrl: url}, Username: "ops", Password: "secret"}))
	assert.Contains(t, out.String(), "logged in as ops")
	s, err := c.sessions.Current()
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, url, s.ServerURL)

	// no --api-url: the session supplies both URL and token
	require.NoError(t, c.Kill(ctx, APIFlags{}))
	assert.True(t, sup.killed)

	require.NoError(t, c.Logout(APIFlags{}))
	s, err = c.sessions.Current()
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestHashPasswordCommand(t *testing.T) {
	c, out := newTestCommand(t)
	require.NoError(t, c.HashPassword(context.Background(), HashPasswordFlags{}))

	var pw, hashed string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if v, ok := strings.CutPrefix(line, "Password: "); ok {
			pw = v
		}
		if v, ok := strings.CutPrefix(line, "HashedControlPassword: "); ok {
			hashed = v
		}
	}
	ok, err := credential.Verify(pw, hashed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashPasswordMissingBinary(t *testing.T) {
	c, _ := newTestCommand(t)
	err := c.HashPassword(context.Background(), HashPasswordFlags{TorPath: filepath.Join(t.TempDir(), "no-tor")})
	var he *credential.HashGenerationError
	assert.ErrorAs(t, err, &he)
}

func TestHashAPIPasswordCommand(t *testing.T) {
	c, out := newTestCommand(t)
	require.NoError(t, c.HashAPIPassword("s3cret"))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out.String())), []byte("s3cret")))
	assert.Error(t, c.HashAPIPassword(""))
}

func TestRootCommandTree(t *testing.T) {
	c, out := newTestCommand(t)
	root := buildRoot(c)
	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"serve", "hash-password", "hash-api-password", "service", "status", "kill", "history", "login", "logout"} {
		assert.Contains(t, names, want)
	}

	root.SetArgs([]string{"hash-api-password", "pw"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "$2"))

	root.SetArgs([]string{"service", "create", "--virt-port=80"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

func TestServeBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tor]\nrepeat = -1\n"), 0o600))
	err := runServe(context.Background(), &ServeFlags{}, []string{path})
	assert.Error(t, err)

	err = runServe(context.Background(), &ServeFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}, nil)
	assert.Error(t, err)
}
