package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/torvisr/internal/history"
)

func startClickHouse(ctx context.Context, t *testing.T) Options {
	t.Helper()
	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("torvisr"),
		clickhouse.WithPassword("torvisr"),
		clickhouse.WithDatabase("events"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Errorf("terminate clickhouse: %v", err)
		}
	})
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return Options{Addr: host + ":" + port.Port(), Database: "events", Username: "torvisr", Password: "torvisr"}
}

func TestSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	sink, err := New(startClickHouse(ctx, t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	base := time.Now().UTC().Truncate(time.Millisecond)
	events := []history.Event{
		{Type: history.EventSpawn, State: "spawning"},
		{Type: history.EventAttemptFailed, State: "spawning", PID: 777, Error: "timeout"},
		{Type: history.EventBootstrapped, State: "running", PID: 778, Attempt: 1},
	}
	for i, e := range events {
		e.OccurredAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, sink.Send(ctx, e), e.Type)
	}

	got, err := sink.Recent(ctx, history.Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, history.EventBootstrapped, got[0].Type)
	assert.Equal(t, 778, got[0].PID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "timeout", got[1].Error)

	got, err = sink.Recent(ctx, history.Query{Type: history.EventSpawn})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Detail)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, sink.Send(cancelled, events[0]))
}

func TestConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "invalid-host:9000"})
	assert.Error(t, err)
}

func TestInvalidTable(t *testing.T) {
	_, err := New(Options{Addr: "localhost:9000", Table: "bad;DROP"})
	assert.ErrorContains(t, err, "invalid ClickHouse table name")
}
