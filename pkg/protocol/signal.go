package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Signaling message type tags.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeRoomInfo         = "room_info"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeIceCandidate     = "ice_candidate"
	TypeReconnectRequest = "reconnect_request"
	TypeForceDisconnect  = "force_disconnect"
	TypeSignalError      = "error"
)

// SignalMessage is the closed union of signaling protocol messages.
type SignalMessage interface {
	signalMessage()
}

// Join requests room membership for a username. The leader flag and codec
// preference are opaque to the hub; they are echoed in room_info so the
// peers can agree on who offers and which codec to narrow to.
type Join struct {
	Room           string `json:"room"`
	Username       string `json:"username"`
	IsLeader       bool   `json:"isLeader,omitempty"`
	PreferredCodec string `json:"preferredCodec,omitempty"`
}

// Leave announces departure from the current room.
type Leave struct {
	Room string `json:"room,omitempty"`
}

// RoomInfo is broadcast to every member on each membership change.
type RoomInfo struct {
	Room           string   `json:"room"`
	Users          []string `json:"users"`
	Leader         string   `json:"leader,omitempty"`
	PreferredCodec string   `json:"preferredCodec,omitempty"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Offer carries a session description to the other room members.
type Offer struct {
	SDP  SessionDescription `json:"sdp"`
	From string             `json:"from,omitempty"`
}

// Answer carries the responding session description.
type Answer struct {
	SDP  SessionDescription `json:"sdp"`
	From string             `json:"from,omitempty"`
}

// IceCandidate relays one gathered candidate. The candidate body is kept
// raw so the hub never reinterprets it.
type IceCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from,omitempty"`
}

// ReconnectRequest asks the room leader to restart negotiation.
type ReconnectRequest struct {
	From   string `json:"from,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ForceDisconnect tells a displaced member its username was claimed by a
// newer connection.
type ForceDisconnect struct {
	Reason string `json:"reason,omitempty"`
}

// SignalError is an error reply from the hub.
type SignalError struct {
	Message string `json:"message"`
}

func (Join) signalMessage()             {}
func (Leave) signalMessage()            {}
func (RoomInfo) signalMessage()         {}
func (Offer) signalMessage()            {}
func (Answer) signalMessage()           {}
func (IceCandidate) signalMessage()     {}
func (ReconnectRequest) signalMessage() {}
func (ForceDisconnect) signalMessage()  {}
func (SignalError) signalMessage()      {}

// DecodeSignal parses one signaling frame into its concrete message kind.
func DecodeSignal(raw []byte) (SignalMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON frame")
	}
	typ := gjson.GetBytes(raw, "type").String()
	if typ == "" {
		return nil, fmt.Errorf("frame has no type field")
	}

	decode := func(v SignalMessage) (SignalMessage, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		return v, nil
	}

	switch typ {
	case TypeJoin:
		return decode(&Join{})
	case TypeLeave:
		return decode(&Leave{})
	case TypeRoomInfo:
		return decode(&RoomInfo{})
	case TypeOffer:
		return decode(&Offer{})
	case TypeAnswer:
		return decode(&Answer{})
	case TypeIceCandidate:
		return decode(&IceCandidate{})
	case TypeReconnectRequest:
		return decode(&ReconnectRequest{})
	case TypeForceDisconnect:
		return decode(&ForceDisconnect{})
	case TypeSignalError:
		return decode(&SignalError{})
	default:
		return nil, fmt.Errorf("unknown signaling message type %q", typ)
	}
}

// EncodeSignal serializes a signaling message with its type tag.
func EncodeSignal(msg SignalMessage) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case Join, *Join:
		typ = TypeJoin
	case Leave, *Leave:
		typ = TypeLeave
	case RoomInfo, *RoomInfo:
		typ = TypeRoomInfo
	case Offer, *Offer:
		typ = TypeOffer
	case Answer, *Answer:
		typ = TypeAnswer
	case IceCandidate, *IceCandidate:
		typ = TypeIceCandidate
	case ReconnectRequest, *ReconnectRequest:
		typ = TypeReconnectRequest
	case ForceDisconnect, *ForceDisconnect:
		typ = TypeForceDisconnect
	case SignalError, *SignalError:
		typ = TypeSignalError
	default:
		return nil, fmt.Errorf("unknown signaling message %T", msg)
	}

	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return injectType(typ, inner)
}
