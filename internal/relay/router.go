package relay

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/umdomby/esplink/pkg/devicedir"
	"github.com/umdomby/esplink/pkg/protocol"
)

// Router validates identification and forwards command/ack/log traffic
// between controllers and devices sharing a device id. It owns no state of
// its own; everything lives in the registry.
type Router struct {
	logger    *slog.Logger
	registry  *Registry
	directory devicedir.Directory
}

func NewRouter(logger *slog.Logger, registry *Registry, directory devicedir.Directory) *Router {
	return &Router{
		logger:    logger.With(slog.String("component", "relay_router")),
		registry:  registry,
		directory: directory,
	}
}

// HandleConnect greets a freshly registered connection.
func (r *Router) HandleConnect(conn *Conn) {
	r.send(conn, protocol.System{Message: "connection established, awaiting identification"})
}

// HandleMessage processes one inbound frame. Frames from a single
// connection arrive here in order; no cross-connection ordering holds.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	conn, ok := r.registry.Get(connID)
	if !ok {
		r.logger.Warn("Message from unregistered connection", slog.String("connID", connID.String()))
		return
	}
	r.registry.Touch(connID)

	msg, err := protocol.DecodeRelay(raw)
	if err != nil {
		// Malformed payloads are reported but not fatal.
		r.send(conn, protocol.Error{Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case *protocol.ClientType:
		if err := r.registry.SetRoleHint(connID, m.ClientType); err != nil {
			r.logger.Warn("Failed to set role hint", slog.Any("error", err))
		}

	case *protocol.Identify:
		r.handleIdentify(ctx, conn, m)

	case *protocol.Log:
		if !r.requireIdentified(conn) {
			return
		}
		if conn.Role != RoleDevice {
			r.send(conn, protocol.Error{Message: "log is only accepted from devices"})
			return
		}
		r.fanOutToControllers(conn.DeviceID, protocol.Log{Origin: "esp", Message: m.Message})

	case *protocol.CommandAck:
		if !r.requireIdentified(conn) {
			return
		}
		if conn.Role != RoleDevice {
			r.send(conn, protocol.Error{Message: "command_ack is only accepted from devices"})
			return
		}
		r.fanOutToControllers(conn.DeviceID, protocol.CommandAck{Command: m.Command})

	case protocol.Command:
		if !r.requireIdentified(conn) {
			return
		}
		r.forwardCommand(conn, m)

	default:
		// system, error, esp_status, command_status are server-originated.
		if !r.requireIdentified(conn) {
			return
		}
		r.send(conn, protocol.Error{Message: "unexpected message type"})
	}
}

// HandleClose removes the connection and notifies bound controllers when an
// identified device goes away. The liveness supervisor funnels its forced
// terminations through this same path.
func (r *Router) HandleClose(connID uuid.UUID, reason error) {
	conn, ok := r.registry.Deregister(connID)
	if !ok {
		return
	}
	if conn.Identified && conn.Role == RoleDevice {
		r.fanOutToControllers(conn.DeviceID, protocol.EspStatus{
			Status: "disconnected",
			Reason: "connection closed",
		})
	}
}

func (r *Router) handleIdentify(ctx context.Context, conn *Conn, m *protocol.Identify) {
	if conn.Identified {
		r.send(conn, protocol.Error{Message: "already identified"})
		return
	}

	allowed, err := r.directory.AllowedDeviceIDs(ctx)
	if err != nil {
		// Directory outage is transient; do not burn the connection's one
		// identification transition on it.
		r.logger.Error("Device directory lookup failed", slog.Any("error", err))
		r.send(conn, protocol.Error{Message: "device directory unavailable"})
		return
	}

	if _, ok := allowed[m.DeviceID]; !ok {
		r.logger.Warn("Identification rejected",
			slog.String("connID", conn.ID.String()),
			slog.String("deviceID", m.DeviceID),
		)
		r.send(conn, protocol.Error{Status: "rejected"})
		conn.Transport.Close(ErrRejected)
		return
	}

	role := RoleController
	if conn.RoleHint == protocol.ClientTypeDevice {
		role = RoleDevice
	}
	if err := r.registry.Identify(conn.ID, m.DeviceID, role); err != nil {
		r.send(conn, protocol.Error{Message: err.Error()})
		return
	}
	r.send(conn, protocol.System{Status: "connected"})

	if role == RoleDevice {
		r.fanOutToControllers(m.DeviceID, protocol.EspStatus{Status: "connected"})
	}
}

// forwardCommand fans the raw envelope out to every identified device
// connection bound to the addressed device id, byte-identical. "delivered"
// means at least one device connection received it, not that it executed.
func (r *Router) forwardCommand(conn *Conn, cmd protocol.Command) {
	devices := r.registry.DevicesFor(cmd.DeviceID)
	if len(devices) == 0 {
		r.send(conn, protocol.CommandStatus{Status: protocol.StatusEspNotFound, Command: cmd.Command})
		return
	}
	for _, dev := range devices {
		dev.Transport.Send(cmd.Raw)
	}
	r.send(conn, protocol.CommandStatus{Status: protocol.StatusDelivered, Command: cmd.Command})
}

func (r *Router) requireIdentified(conn *Conn) bool {
	if conn.Identified {
		return true
	}
	r.send(conn, protocol.Error{Message: "Not identified"})
	return false
}

func (r *Router) fanOutToControllers(deviceID string, msg protocol.RelayMessage) {
	raw, err := protocol.EncodeRelay(msg)
	if err != nil {
		r.logger.Error("Failed to encode fan-out message", slog.Any("error", err))
		return
	}
	for _, ctrl := range r.registry.ControllersFor(deviceID) {
		ctrl.Transport.Send(raw)
	}
}

func (r *Router) send(conn *Conn, msg protocol.RelayMessage) {
	raw, err := protocol.EncodeRelay(msg)
	if err != nil {
		r.logger.Error("Failed to encode reply", slog.Any("error", err))
		return
	}
	conn.Transport.Send(raw)
}
