// Package protocol defines the wire messages of the two esplink protocols:
// the command-relay protocol spoken between controllers, devices and the
// relay server, and the signaling protocol spoken between call peers and
// the signaling hub. Each protocol is a closed set of message kinds with a
// single decode dispatch; unknown kinds are an explicit error, not a
// silently ignored map.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Relay message type tags as they appear on the wire.
const (
	TypeClientType    = "client_type"
	TypeIdentify      = "identify"
	TypeSystem        = "system"
	TypeError         = "error"
	TypeLog           = "log"
	TypeEspStatus     = "esp_status"
	TypeCommandAck    = "command_ack"
	TypeCommandStatus = "command_status"
)

// Role hints carried by client_type. Non-authoritative; the registry only
// trusts the identify exchange.
const (
	ClientTypeBrowser = "browser"
	ClientTypeDevice  = "device"
)

// Command-status values reported back to the sender of a command envelope.
const (
	StatusDelivered   = "delivered"
	StatusEspNotFound = "esp_not_found"
)

// RelayMessage is the closed union of relay protocol messages.
type RelayMessage interface {
	relayMessage()
}

// ClientType carries the non-authoritative role hint of a fresh connection.
type ClientType struct {
	ClientType string `json:"clientType"`
}

// Identify binds a connection to a device id, subject to the allowlist.
type Identify struct {
	DeviceID string `json:"deviceId"`
}

// System is a server-originated status notice.
type System struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error is a protocol or authorization error reply.
type Error struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Log is a free-form log line relayed from a device to its controllers.
type Log struct {
	Origin  string `json:"origin,omitempty"`
	Message string `json:"message"`
}

// EspStatus notifies controllers that a device connection appeared or went
// away.
type EspStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// CommandAck acknowledges execution of a named command. There is no
// correlation id: acks match commands by name only.
type CommandAck struct {
	Command string `json:"command"`
}

// CommandStatus reports the relay-side delivery outcome of a command.
type CommandStatus struct {
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
}

// Command is the generic controller->device envelope. Raw preserves the
// original bytes so the relay can forward the envelope verbatim.
type Command struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp,omitempty"`
	ExpectAck bool            `json:"expectAck,omitempty"`

	Raw []byte `json:"-"`
}

func (ClientType) relayMessage()    {}
func (Identify) relayMessage()      {}
func (System) relayMessage()        {}
func (Error) relayMessage()         {}
func (Log) relayMessage()           {}
func (EspStatus) relayMessage()     {}
func (CommandAck) relayMessage()    {}
func (CommandStatus) relayMessage() {}
func (Command) relayMessage()       {}

// DecodeRelay parses one relay frame into its concrete message kind. A
// frame without a "type" field but with a "command" field is a command
// envelope; anything else is a protocol error.
func DecodeRelay(raw []byte) (RelayMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON frame")
	}
	typ := gjson.GetBytes(raw, "type").String()
	if typ == "" {
		if !gjson.GetBytes(raw, "command").Exists() {
			return nil, fmt.Errorf("frame has neither type nor command field")
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("decode command envelope: %w", err)
		}
		cmd.Raw = raw
		return cmd, nil
	}

	decode := func(v RelayMessage) (RelayMessage, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		return v, nil
	}

	switch typ {
	case TypeClientType:
		return decode(&ClientType{})
	case TypeIdentify:
		return decode(&Identify{})
	case TypeSystem:
		return decode(&System{})
	case TypeError:
		return decode(&Error{})
	case TypeLog:
		return decode(&Log{})
	case TypeEspStatus:
		return decode(&EspStatus{})
	case TypeCommandAck:
		return decode(&CommandAck{})
	case TypeCommandStatus:
		return decode(&CommandStatus{})
	default:
		return nil, fmt.Errorf("unknown relay message type %q", typ)
	}
}

// EncodeRelay serializes a relay message with its type tag. Command
// envelopes with Raw set are passed through untouched so forwarding stays
// byte-identical.
func EncodeRelay(msg RelayMessage) ([]byte, error) {
	var (
		typ  string
		body any
	)
	switch m := msg.(type) {
	case ClientType, *ClientType:
		typ, body = TypeClientType, m
	case Identify, *Identify:
		typ, body = TypeIdentify, m
	case System, *System:
		typ, body = TypeSystem, m
	case Error, *Error:
		typ, body = TypeError, m
	case Log, *Log:
		typ, body = TypeLog, m
	case EspStatus, *EspStatus:
		typ, body = TypeEspStatus, m
	case CommandAck, *CommandAck:
		typ, body = TypeCommandAck, m
	case CommandStatus, *CommandStatus:
		typ, body = TypeCommandStatus, m
	case Command:
		if m.Raw != nil {
			return m.Raw, nil
		}
		return json.Marshal(m)
	case *Command:
		if m.Raw != nil {
			return m.Raw, nil
		}
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("unknown relay message %T", msg)
	}

	inner, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return injectType(typ, inner)
}

// injectType prepends the type tag to an already-marshaled object.
func injectType(typ string, obj []byte) ([]byte, error) {
	tag, err := json.Marshal(struct {
		Type string `json:"type"`
	}{typ})
	if err != nil {
		return nil, err
	}
	if len(obj) == 2 { // "{}"
		return tag, nil
	}
	out := make([]byte, 0, len(tag)+len(obj))
	out = append(out, tag[:len(tag)-1]...)
	out = append(out, ',')
	out = append(out, obj[1:]...)
	return out, nil
}
