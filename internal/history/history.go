package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn            EventType = "spawn"
	EventBootstrapped     EventType = "bootstrapped"
	EventAttemptFailed    EventType = "attempt_failed"
	EventExhausted        EventType = "exhausted"
	EventStaleReaped      EventType = "stale_reaped"
	EventKilled           EventType = "killed"
	EventServiceCreated   EventType = "service_created"
	EventServiceDestroyed EventType = "service_destroyed"
)

// Event represents a supervisor or hidden-service event exported to
// external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	Attempt    int       `json:"attempt"`
	Detail     string    `json:"detail,omitempty"` // onion address, reaped origin...
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Query selects recorded events, newest first. Zero fields do not filter;
// Limit defaults to DefaultLimit.
type Query struct {
	Type  EventType
	Since time.Time
	Limit int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Bounded returns Limit clamped to 1..MaxLimit.
func (q Query) Bounded() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

// Reader is implemented by sinks that can replay what they stored.
type Reader interface {
	Recent(ctx context.Context, q Query) ([]Event, error)
}

// Fanout delivers every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reader returns the first sink that can be queried.
func (f Fanout) Reader() (Reader, bool) {
	for _, s := range f {
		if r, ok := s.(Reader); ok {
			return r, true
		}
	}
	return nil, false
}
