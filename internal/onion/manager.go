// Package onion manages Tor hidden services over the control port and keeps
// a virtual-port to address cache.
package onion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/torvisr/internal/control"
	"github.com/loykin/torvisr/internal/history"
	"github.com/loykin/torvisr/internal/metrics"
)

// Suffix is appended to a service id to form its address.
const Suffix = ".onion"

// NewKey asks Tor to generate the best available key type. Any key with
// the NewKeyPrefix, e.g. NEW:ED25519-V3, makes Tor generate one.
const (
	NewKey       = "NEW:BEST"
	NewKeyPrefix = "NEW:"
)

// Commander issues a single control command. *control.Client satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, line string) (*control.Reply, error)
}

// Service is one cached hidden service, keyed by VirtPort.
type Service struct {
	VirtPort   int    `json:"virt_port"`
	TargetPort int    `json:"target_port"`
	Address    string `json:"address"` // service id without the suffix
	PrivateKey string `json:"-"`
}

// OnionAddress is Address plus the .onion suffix.
func (s Service) OnionAddress() string { return s.Address + Suffix }

// Created is the result of Create. PrivateKey is set only when Tor
// generated the key.
type Created struct {
	OnionAddress string `json:"onion_address"`
	PrivateKey   string `json:"private_key,omitempty"`
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithSink exports service_created and service_destroyed events.
func WithSink(s history.Sink) Option { return func(m *Manager) { m.sink = s } }

// Manager creates and destroys hidden services. The cache is advisory: it
// is not reconciled with the daemon.
type Manager struct {
	cmd    Commander
	logger *slog.Logger
	sink   history.Sink

	mu       sync.RWMutex
	services map[int]Service
}

func New(cmd Commander, opts ...Option) *Manager {
	m := &Manager{cmd: cmd, services: make(map[int]Service)}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "onion")
	return m
}

// CreateService adds a detached service forwarding virtPort to
// 127.0.0.1:targetPort and returns its .onion address. An empty privateKey
// lets Tor generate one.
func (m *Manager) CreateService(ctx context.Context, virtPort, targetPort int, privateKey string) (string, error) {
	created, err := m.Create(ctx, virtPort, targetPort, privateKey)
	if err != nil {
		return "", err
	}
	return created.OnionAddress, nil
}

// CreateNewService is CreateService with a fresh key, returned alongside
// the address.
func (m *Manager) CreateNewService(ctx context.Context, virtPort, targetPort int) (Created, error) {
	return m.Create(ctx, virtPort, targetPort, "")
}

// Create is CreateService returning the key Tor generated for an empty or
// NEW:<type> privateKey.
func (m *Manager) Create(ctx context.Context, virtPort, targetPort int, privateKey string) (Created, error) {
	svc, generated, err := m.add(ctx, virtPort, targetPort, privateKey)
	if err != nil {
		return Created{}, err
	}
	c := Created{OnionAddress: svc.OnionAddress()}
	if generated {
		c.PrivateKey = svc.PrivateKey
	}
	return c, nil
}

func (m *Manager) add(ctx context.Context, virtPort, targetPort int, privateKey string) (Service, bool, error) {
	if err := validPort("virtual", virtPort); err != nil {
		return Service{}, false, err
	}
	if err := validPort("target", targetPort); err != nil {
		return Service{}, false, err
	}
	key := strings.TrimSpace(privateKey)
	if key == "" {
		key = NewKey
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return Service{}, false, &KeyError{Reason: "must not contain whitespace"}
	}
	generated := strings.HasPrefix(strings.ToUpper(key), NewKeyPrefix)

	line := fmt.Sprintf("ADD_ONION %s Flags=Detach Port=%d,127.0.0.1:%d", key, virtPort, targetPort)
	rep, err := m.cmd.SendCommand(ctx, line)
	if err != nil {
		return Service{}, false, fmt.Errorf("add onion for port %d: %w", virtPort, err)
	}
	id, ok := rep.Value("ServiceID")
	if !ok || id == "" {
		return Service{}, false, &control.ProtocolError{Line: strings.Join(rep.Messages(), "|"), Reason: "ADD_ONION reply without ServiceID"}
	}
	svc := Service{VirtPort: virtPort, TargetPort: targetPort, Address: id, PrivateKey: key}
	if generated {
		svc.PrivateKey, _ = rep.Value("PrivateKey")
	}

	m.mu.Lock()
	m.services[virtPort] = svc
	n := len(m.services)
	m.mu.Unlock()
	metrics.SetOnionServices(n)

	m.logger.Info("hidden service created", "address", svc.OnionAddress(), "virt_port", virtPort, "target_port", targetPort)
	m.emit(ctx, history.EventServiceCreated, svc.OnionAddress(), "")
	return svc, generated, nil
}

// ValidServiceID reports whether s looks like a service id (base32, as Tor
// prints it) with or without the .onion suffix. Case is ignored.
func ValidServiceID(s string) bool {
	s = strings.TrimSuffix(strings.ToLower(s), Suffix)
	if s == "" || len(s) > 64 {
		return false
	}
	return strings.Trim(s, "abcdefghijklmnopqrstuvwxyz234567") == ""
}

// DestroyService removes a service by id, with or without the .onion
// suffix. Failures are logged and reported as false. On success every
// cache entry with that id is dropped.
func (m *Manager) DestroyService(ctx context.Context, id string) bool {
	id = strings.TrimSuffix(strings.TrimSpace(id), Suffix)
	if id == "" || strings.ContainsAny(id, " \t") {
		m.logger.Warn("refusing to destroy hidden service with invalid id", "id", id)
		return false
	}
	if _, err := m.cmd.SendCommand(ctx, "DEL_ONION "+id); err != nil {
		m.logger.Warn("hidden service destroy failed", "id", id, "error", err)
		m.emit(ctx, history.EventServiceDestroyed, id+Suffix, err.Error())
		return false
	}

	m.mu.Lock()
	for port, svc := range m.services {
		if svc.Address == id {
			delete(m.services, port)
		}
	}
	n := len(m.services)
	m.mu.Unlock()
	metrics.SetOnionServices(n)

	m.logger.Info("hidden service destroyed", "address", id+Suffix)
	m.emit(ctx, history.EventServiceDestroyed, id+Suffix, "")
	return true
}

// GetServiceAddress returns the cached .onion address for virtPort without
// asking Tor.
func (m *Manager) GetServiceAddress(virtPort int) (string, error) {
	m.mu.RLock()
	svc, ok := m.services[virtPort]
	m.mu.RUnlock()
	if !ok {
		return "", &NotFoundError{VirtPort: virtPort}
	}
	return svc.OnionAddress(), nil
}

// Services returns the cache ordered by virtual port.
func (m *Manager) Services() []Service {
	m.mu.RLock()
	out := make([]Service, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VirtPort < out[j].VirtPort })
	return out
}

// Forget clears the cache, e.g. after Tor was restarted.
func (m *Manager) Forget() {
	m.mu.Lock()
	m.services = make(map[int]Service)
	m.mu.Unlock()
	metrics.SetOnionServices(0)
}

func (m *Manager) emit(ctx context.Context, t history.EventType, detail, errText string) {
	if m.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e := history.Event{Type: t, OccurredAt: time.Now(), Detail: detail, Error: errText}
	if err := m.sink.Send(sctx, e); err != nil {
		m.logger.Warn("history sink", "event", t, "error", err)
	}
}

func validPort(name string, p int) error {
	if p < 1 || p > 65535 {
		return &PortError{Name: name, Port: p}
	}
	return nil
}
