// Package relay implements the command-relay core: the connection
// registry, the identification handshake, command/ack routing between
// controllers and devices, and the liveness watchdog.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUnidentified Role = "unidentified"
	RoleController   Role = "controller"
	RoleDevice       Role = "device"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrAlreadyIdentified = errors.New("connection is already identified")
	ErrRejected          = errors.New("device id rejected")
	ErrStaleConnection   = errors.New("liveness probe missed")
)

// Sender is the slice of the transport layer the relay needs. Production
// code passes *transport.Connection; tests pass fakes.
type Sender interface {
	Send(message []byte)
	Ping(ctx context.Context) error
	Close(err error)
}

// Conn is the registry's record of one transport connection. Role and
// DeviceID are written exactly once, by Identify, from the connection's own
// read goroutine; the liveness fields are only touched under the registry
// lock.
type Conn struct {
	ID         uuid.UUID
	RemoteAddr string
	Transport  Sender
	CreatedAt  time.Time

	Role       Role
	RoleHint   string
	DeviceID   string
	Identified bool

	alive        bool
	lastActivity time.Time
}

// Registry tracks every open relay connection. One coarse lock guards all
// maps; the workload is I/O-bound so contention is not a concern.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		logger: logger.With(slog.String("component", "relay_registry")),
	}
}

func (r *Registry) Register(id uuid.UUID, sender Sender, remoteAddr string) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return nil, ErrAlreadyRegistered
	}
	conn := &Conn{
		ID:           id,
		RemoteAddr:   remoteAddr,
		Transport:    sender,
		CreatedAt:    time.Now(),
		Role:         RoleUnidentified,
		alive:        true,
		lastActivity: time.Now(),
	}
	r.conns[id] = conn
	r.logger.Debug("Connection registered", slog.String("connID", id.String()), slog.String("remoteAddr", remoteAddr))
	return conn, nil
}

// Deregister removes the connection and returns its final record so the
// router can emit disconnect notifications for identified devices.
func (r *Registry) Deregister(id uuid.UUID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	r.logger.Debug("Connection deregistered", slog.String("connID", id.String()))
	return conn, true
}

func (r *Registry) Get(id uuid.UUID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// SetRoleHint records the non-authoritative client_type hint.
func (r *Registry) SetRoleHint(id uuid.UUID, hint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	conn.RoleHint = hint
	return nil
}

// Identify binds a connection to a role and device id. The transition away
// from RoleUnidentified happens exactly once.
func (r *Registry) Identify(id uuid.UUID, deviceID string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.Identified {
		return ErrAlreadyIdentified
	}
	conn.Role = role
	conn.DeviceID = deviceID
	conn.Identified = true
	r.logger.Info("Connection identified",
		slog.String("connID", id.String()),
		slog.String("deviceID", deviceID),
		slog.String("role", string(role)),
	)
	return nil
}

// ControllersFor returns every identified controller bound to deviceID.
func (r *Registry) ControllersFor(deviceID string) []*Conn {
	return r.filter(func(c *Conn) bool {
		return c.Identified && c.Role == RoleController && c.DeviceID == deviceID
	})
}

// DevicesFor returns every identified device connection bound to deviceID.
// A device id may legitimately have zero or several connections.
func (r *Registry) DevicesFor(deviceID string) []*Conn {
	return r.filter(func(c *Conn) bool {
		return c.Identified && c.Role == RoleDevice && c.DeviceID == deviceID
	})
}

func (r *Registry) filter(keep func(*Conn) bool) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns all current connections.
func (r *Registry) Snapshot() []*Conn {
	return r.filter(func(*Conn) bool { return true })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch marks the connection alive and refreshes its activity timestamp.
// Called for every inbound frame and for every answered probe.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.alive = true
		conn.lastActivity = time.Now()
	}
}

// ClearAlive lowers the liveness flag before a probe round and reports the
// previous value.
func (r *Registry) ClearAlive(id uuid.UUID) (wasAlive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	wasAlive = conn.alive
	conn.alive = false
	return wasAlive
}

// LastActivity reports the time of the most recent inbound traffic.
func (r *Registry) LastActivity(id uuid.UUID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return time.Time{}, false
	}
	return conn.lastActivity, true
}

// CountByAddr reports how many connections share a remote address. Used by
// the connection limiter.
func (r *Registry) CountByAddr(addr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.RemoteAddr == addr {
			n++
		}
	}
	return n
}

// OldestByAddr returns the longest-lived connection from a remote address.
func (r *Registry) OldestByAddr(addr string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Conn
	for _, c := range r.conns {
		if c.RemoteAddr != addr {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}
