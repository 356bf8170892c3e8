package relay

import (
	"context"
	"log/slog"
	"time"
)

// Supervisor is a two-state per-connection watchdog. Each sweep it closes
// every connection whose alive flag is still down from the previous sweep,
// then lowers the flag on the survivors and probes them. Any answered
// probe (or any inbound frame) raises the flag again. No backoff, no
// partial credit.
type Supervisor struct {
	logger   *slog.Logger
	registry *Registry
	interval time.Duration
}

func NewSupervisor(logger *slog.Logger, registry *Registry, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Supervisor{
		logger:   logger.With(slog.String("component", "liveness_supervisor")),
		registry: registry,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one watchdog round over the whole registry.
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, conn := range s.registry.Snapshot() {
		if wasAlive := s.registry.ClearAlive(conn.ID); !wasAlive {
			s.logger.Warn("Terminating stale connection",
				slog.String("connID", conn.ID.String()),
				slog.String("deviceID", conn.DeviceID),
			)
			// Close feeds the same deregistration path as a clean close,
			// so device-disconnect notifications still fire.
			conn.Transport.Close(ErrStaleConnection)
			continue
		}
		go s.probe(ctx, conn)
	}
}

func (s *Supervisor) probe(ctx context.Context, conn *Conn) {
	probeCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	if err := conn.Transport.Ping(probeCtx); err != nil {
		// Leave the flag down; the next sweep evicts the connection.
		s.logger.Debug("Liveness probe failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
		return
	}
	s.registry.Touch(conn.ID)
}
