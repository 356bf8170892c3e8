// Package signal implements the call-signaling hub: named rooms whose
// members exchange offer/answer/ICE messages relayed verbatim. The hub has
// no session semantics of its own beyond room membership.
package signal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/umdomby/esplink/pkg/protocol"
)

// Sender is the transport slice the hub needs; fakes in tests.
type Sender interface {
	Send(message []byte)
	Close(err error)
}

type member struct {
	connID         uuid.UUID
	username       string
	isLeader       bool
	preferredCodec string
	sender         Sender
}

type room struct {
	name    string
	members map[string]*member // keyed by username
}

// Hub owns room membership for the signaling protocol. One coarse lock, as
// with the relay registry.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	senders map[uuid.UUID]Sender
	inRoom  map[uuid.UUID]*memberRef
}

type memberRef struct {
	room     string
	username string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With(slog.String("component", "signal_hub")),
		rooms:   make(map[string]*room),
		senders: make(map[uuid.UUID]Sender),
		inRoom:  make(map[uuid.UUID]*memberRef),
	}
}

// HandleConnect registers the transport so the hub can reply before the
// connection joins a room.
func (h *Hub) HandleConnect(connID uuid.UUID, sender Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders[connID] = sender
}

// HandleMessage processes one signaling frame.
func (h *Hub) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sender, ok := h.senders[connID]
	if !ok {
		h.logger.Warn("Frame from unknown signaling connection", slog.String("connID", connID.String()))
		return
	}

	msg, err := protocol.DecodeSignal(raw)
	if err != nil {
		h.reply(sender, protocol.SignalError{Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case *protocol.Join:
		h.join(connID, sender, m)

	case *protocol.Leave:
		h.leaveLocked(connID)

	case *protocol.Offer, *protocol.Answer, *protocol.IceCandidate:
		// Negotiation traffic is relayed byte-identical to the other
		// members; the hub never reinterprets it.
		ref, ok := h.inRoom[connID]
		if !ok {
			h.reply(sender, protocol.SignalError{Message: "not in a room"})
			return
		}
		h.relayLocked(ref, raw)

	case *protocol.ReconnectRequest:
		ref, ok := h.inRoom[connID]
		if !ok {
			h.reply(sender, protocol.SignalError{Message: "not in a room"})
			return
		}
		h.relayToLeaderLocked(ref, raw)

	default:
		h.reply(sender, protocol.SignalError{Message: "unexpected message type"})
	}
}

// HandleClose drops the connection from its room, if any.
func (h *Hub) HandleClose(connID uuid.UUID, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID)
	delete(h.senders, connID)
}

func (h *Hub) join(connID uuid.UUID, sender Sender, m *protocol.Join) {
	if m.Room == "" || m.Username == "" {
		h.reply(sender, protocol.SignalError{Message: "join requires room and username"})
		return
	}

	// A connection holds at most one membership; joining a new room
	// leaves the previous one.
	h.leaveLocked(connID)

	rm, ok := h.rooms[m.Room]
	if !ok {
		rm = &room{name: m.Room, members: make(map[string]*member)}
		h.rooms[m.Room] = rm
	}

	// A newer connection claims an occupied username: the older occupant
	// is told to go away and its socket is closed.
	if old, taken := rm.members[m.Username]; taken && old.connID != connID {
		if raw, err := protocol.EncodeSignal(protocol.ForceDisconnect{Reason: "username claimed by a newer connection"}); err == nil {
			old.sender.Send(raw)
		}
		old.sender.Close(nil)
		delete(h.inRoom, old.connID)
		delete(rm.members, m.Username)
		h.logger.Info("Displaced room member",
			slog.String("room", m.Room),
			slog.String("username", m.Username),
		)
	}

	rm.members[m.Username] = &member{
		connID:         connID,
		username:       m.Username,
		isLeader:       m.IsLeader,
		preferredCodec: m.PreferredCodec,
		sender:         sender,
	}
	h.inRoom[connID] = &memberRef{room: m.Room, username: m.Username}

	h.logger.Info("User joined room", slog.String("room", m.Room), slog.String("username", m.Username))
	h.broadcastRoomInfoLocked(rm)
}

func (h *Hub) leaveLocked(connID uuid.UUID) {
	ref, ok := h.inRoom[connID]
	if !ok {
		return
	}
	delete(h.inRoom, connID)

	rm, ok := h.rooms[ref.room]
	if !ok {
		return
	}
	delete(rm.members, ref.username)
	h.logger.Info("User left room", slog.String("room", ref.room), slog.String("username", ref.username))

	if len(rm.members) == 0 {
		delete(h.rooms, ref.room)
		return
	}
	h.broadcastRoomInfoLocked(rm)
}

// relayLocked forwards raw bytes to every member of the sender's room
// except the sender itself. Fan-out order is unspecified.
func (h *Hub) relayLocked(ref *memberRef, raw []byte) {
	rm, ok := h.rooms[ref.room]
	if !ok {
		return
	}
	for name, mb := range rm.members {
		if name == ref.username {
			continue
		}
		mb.sender.Send(raw)
	}
}

// relayToLeaderLocked routes a frame to the room leader. Reconnect
// requests are for whoever re-offers, which is always the leader.
func (h *Hub) relayToLeaderLocked(ref *memberRef, raw []byte) {
	rm, ok := h.rooms[ref.room]
	if !ok {
		return
	}
	for _, mb := range rm.members {
		if mb.isLeader && mb.username != ref.username {
			mb.sender.Send(raw)
			return
		}
	}
	h.logger.Debug("Reconnect request with no leader to route to", slog.String("room", ref.room))
}

func (h *Hub) reply(sender Sender, msg protocol.SignalMessage) {
	raw, err := protocol.EncodeSignal(msg)
	if err != nil {
		h.logger.Error("Failed to encode reply", slog.Any("error", err))
		return
	}
	sender.Send(raw)
}

func (h *Hub) broadcastRoomInfoLocked(rm *room) {
	info := protocol.RoomInfo{Room: rm.name, Users: make([]string, 0, len(rm.members))}
	for name, mb := range rm.members {
		info.Users = append(info.Users, name)
		if mb.isLeader {
			info.Leader = mb.username
			info.PreferredCodec = mb.preferredCodec
		}
	}

	raw, err := protocol.EncodeSignal(info)
	if err != nil {
		h.logger.Error("Failed to encode room_info", slog.Any("error", err))
		return
	}
	for _, mb := range rm.members {
		mb.sender.Send(raw)
	}
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
