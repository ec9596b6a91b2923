package torvisr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/torvisr/internal/control/controltest"
	"github.com/loykin/torvisr/internal/supervisor"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// onionDaemon answers ADD_ONION and DEL_ONION for a single service id.
func onionDaemon(line string) []string {
	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "ADD_ONION":
		out := []string{"250-ServiceID=facade2345abcdef"}
		if strings.HasPrefix(rest, "NEW:") {
			out = append(out, "250-PrivateKey=ED25519-V3:c2VjcmV0")
		}
		return append(out, "250 OK")
	case "DEL_ONION":
		if rest != "facade2345abcdef" {
			return []string{"552 Unknown Onion Service id"}
		}
		return []string{"250 OK"}
	}
	return []string{"510 Unrecognized command"}
}

func writeConfig(t *testing.T, srv *controltest.Server, extra string) string {
	t.Helper()
	dir := t.TempDir()
	tor := filepath.Join(dir, "tor")
	script := "#!/bin/sh\necho \"Bootstrapped 100% (done): Done\"\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(tor, []byte(script), 0o755))
	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	body := fmt.Sprintf(`
[tor]
path = %q
data_dir = %q
control_port = %s
socks_port = 19152
http_tunnel_port = 19100
repeat = 0
timeout = "5s"
control_timeout = "2s"

[history]
dsn = [%q]
%s`, tor, filepath.Join(dir, "root"), port, "sqlite://"+filepath.Join(dir, "history.db"), extra)
	path := filepath.Join(dir, "torvisr.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTor(t *testing.T, extra string) (*Tor, *controltest.Server) {
	t.Helper()
	srv := controltest.NewServer(t, controltest.Tor("", onionDaemon))
	cfg, err := LoadConfig(writeConfig(t, srv, extra))
	require.NoError(t, err)
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})
	return tr, srv
}

func TestStartCreatesConfiguredServices(t *testing.T) {
	requireUnix(t)
	tr, srv := newTor(t, `
[[services]]
virt_port = 80
target_port = 8080
`)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	assert.Equal(t, supervisor.Running, tr.Status().State)
	assert.Positive(t, tr.PID())
	assert.NotEmpty(t, tr.Credentials().HashedPassword)

	addr, err := tr.GetServiceAddress(80)
	require.NoError(t, err)
	assert.Equal(t, "facade2345abcdef.onion", addr)
	assert.Contains(t, srv.Commands(), "ADD_ONION NEW:BEST Flags=Detach Port=80,127.0.0.1:8080")

	created, err := tr.Create(ctx, 443, 8443, "NEW:ED25519-V3")
	require.NoError(t, err)
	assert.Equal(t, "ED25519-V3:c2VjcmV0", created.PrivateKey)
	assert.Contains(t, srv.Commands(), "ADD_ONION NEW:ED25519-V3 Flags=Detach Port=443,127.0.0.1:8443")
	svcs := tr.Services().Services()
	require.Len(t, svcs, 2)
	assert.Equal(t, "ED25519-V3:c2VjcmV0", svcs[1].PrivateKey)

	assert.ErrorIs(t, tr.Init(ctx), ErrAlreadyInitialized)

	require.NoError(t, tr.Kill(ctx))
	assert.Empty(t, tr.Services().Services())
	assert.ErrorIs(t, tr.Kill(ctx), ErrNotInitialized)
}

func TestServicesBeforeInit(t *testing.T) {
	tr, _ := newTor(t, "")
	_, err := tr.CreateNewService(context.Background(), 80, 8080)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, tr.DestroyService(context.Background(), "facade2345abcdef"))
}

func TestHandlerServesStatus(t *testing.T) {
	requireUnix(t)
	tr, _ := newTor(t, "")
	require.NoError(t, tr.Start(context.Background()))

	h := tr.Handler("/api", nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, supervisor.Running, st.State)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/services",
		strings.NewReader(`{"virt_port":443,"target_port":8443,"private_key":"ED25519-V3:a2V5"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/kill", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := tr.GetServiceAddress(443)
	assert.Error(t, err)
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	requireUnix(t)
	tr, _ := newTor(t, `
[[services]]
virt_port = 80
target_port = 8080
`)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))

	events, err := tr.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	assert.Subset(t, types, []string{"spawn", "bootstrapped", "service_created"})
	assert.Equal(t, "service_created", types[0])

	rec := httptest.NewRecorder()
	tr.Handler("/api", nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?type=bootstrapped", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []HistoryEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, tr.PID(), got[0].PID)
}

func TestHistoryWithoutReader(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	tr, err := New(cfg)
	require.NoError(t, err)
	_, err = tr.History(context.Background(), HistoryQuery{})
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestNewAuthProtectsHandler(t *testing.T) {
	tr, _ := newTor(t, "")
	hash, err := HashAPIPassword("secret")
	require.NoError(t, err)
	a, err := NewAuth(AuthConfig{
		Enabled:   true,
		JWTSecret: "0123456789abcdef0123456789abcdef",
		Users:     []AuthUser{{Name: "admin", PasswordHash: hash, Role: "admin"}},
	})
	require.NoError(t, err)
	h := tr.Handler("/api", a, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateCredentials(t *testing.T) {
	c, err := GenerateCredentials(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, c.Password, 32)
	assert.True(t, strings.HasPrefix(c.HashedPassword, "16:"))
}

func TestNilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestBadHistoryDSN(t *testing.T) {
	cfg := &Config{}
	cfg.History.DSN = []string{"kafka://nowhere"}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	assert.NotNil(t, MetricsHandler())
}
