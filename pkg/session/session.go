// Package session implements the controller-side state machine for the
// command-relay protocol: connect/identify, heartbeats, reconnection with
// capped linear backoff, and per-command acknowledgement timeouts that
// stand in for device liveness.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umdomby/esplink/pkg/protocol"
	"github.com/umdomby/esplink/pkg/transport"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // transport open, not yet identified
	StateIdentified
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	default:
		return "disconnected"
	}
}

var (
	ErrRejected         = errors.New("identification rejected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed           = errors.New("session closed")
	ErrNotConnected     = errors.New("not connected")
)

// StateChange is pushed to subscribers on every observable transition.
type StateChange struct {
	State            State
	EspLive          bool
	ReconnectAttempt int
	Err              error // terminal failures only
}

// Transport is the slice of the transport layer the session needs.
// *transport.Connection satisfies it; tests inject fakes.
type Transport interface {
	Send(message []byte)
	Close(err error)
	Run()
	Done() <-chan struct{}
	SetOnMessageHandler(transport.MessageHandler)
	SetOnCloseHandler(transport.OnCloseHandler)
}

type DialFunc func(ctx context.Context, url string) (Transport, error)

// Options configures a Session. Zero values fall back to the reference
// timings.
type Options struct {
	URL      string
	DeviceID string

	BaseDelay         time.Duration // reconnect backoff unit (1s)
	MaxDelay          time.Duration // reconnect backoff cap (10s)
	MaxRetries        int           // reconnect attempt cap (10)
	AckTimeout        time.Duration // per-command ack window (5s)
	HeartbeatInterval time.Duration // heartbeat period (3s)

	Dial   DialFunc
	Logger *slog.Logger

	// OnDeviceLog receives log lines relayed from the device. Optional.
	OnDeviceLog func(message string)
}

func (o *Options) withDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, url string) (Transport, error) {
			return transport.Dial(ctx, url, transport.ConnectionConfig{}, o.Logger)
		}
	}
}

// Session owns exactly one transport at a time and is the only writer of
// its own state. UI layers observe it through Subscribe; they never mutate
// it directly.
type Session struct {
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	espLive        bool
	attempt        int
	manualClose    bool
	terminal       bool
	tr             Transport
	reconnectTimer *time.Timer
	ackTimers      map[string]*time.Timer
	heartbeatStop  chan struct{}
	subscribers    []chan StateChange
}

func New(opts Options) *Session {
	opts.withDefaults()
	return &Session{
		opts:      opts,
		logger:    opts.Logger.With(slog.String("component", "session"), slog.String("deviceID", opts.DeviceID)),
		ackTimers: make(map[string]*time.Timer),
	}
}

// Subscribe returns a channel of state changes. The channel is buffered;
// slow consumers drop updates rather than block the session.
func (s *Session) Subscribe() <-chan StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan StateChange, 16)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// State reports the current connection state and device liveness.
func (s *Session) State() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.espLive
}

// Connect opens a fresh transport, closing any existing one first. It
// returns once the dial attempt resolves; identification completes
// asynchronously and is observable through Subscribe.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.manualClose = false
	s.terminal = false
	// A new connect always cancels a pending scheduled reconnect.
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	old := s.tr
	s.tr = nil
	s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()

	if old != nil {
		old.Close(nil)
	}
	return s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) error {
	tr, err := s.opts.Dial(ctx, s.opts.URL)
	if err != nil {
		s.logger.Warn("Dial failed", slog.Any("error", err))
		s.onTransportClosed(nil, err)
		return err
	}

	s.mu.Lock()
	if s.manualClose {
		s.mu.Unlock()
		tr.Close(nil)
		return ErrClosed
	}
	s.tr = tr
	s.attempt = 0 // successful open resets the backoff
	s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	tr.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, raw []byte) {
		s.handleMessage(raw)
	})
	tr.SetOnCloseHandler(func(_ uuid.UUID, err error) {
		s.onTransportClosed(tr, err)
	})
	tr.Run()

	s.sendMessage(protocol.ClientType{ClientType: protocol.ClientTypeBrowser})
	s.sendMessage(protocol.Identify{DeviceID: s.opts.DeviceID})
	return nil
}

// Disconnect closes the session and suppresses automatic reconnection.
// Idempotent: calling it twice, or while already disconnected, is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.manualClose && s.tr == nil && s.reconnectTimer == nil {
		s.mu.Unlock()
		return
	}
	s.manualClose = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	tr := s.tr
	s.tr = nil
	s.stopHeartbeatLocked()
	s.clearAckTimersLocked()
	s.mu.Unlock()

	if tr != nil {
		tr.Close(nil)
	}
	s.mu.Lock()
	s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()
}

// SendCommand transmits a command envelope. With ExpectAck set it starts
// (or restarts) the single ack timer for that command name; a missed ack
// flips the device-liveness flag exactly once.
func (s *Session) SendCommand(cmd protocol.Command) error {
	s.mu.Lock()
	if s.state != StateIdentified {
		s.mu.Unlock()
		return ErrNotConnected
	}
	tr := s.tr
	if cmd.DeviceID == "" {
		cmd.DeviceID = s.opts.DeviceID
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = time.Now().UnixMilli()
	}
	if cmd.ExpectAck {
		s.armAckTimerLocked(cmd.Command)
	}
	s.mu.Unlock()

	raw, err := protocol.EncodeRelay(cmd)
	if err != nil {
		return err
	}
	tr.Send(raw)
	return nil
}

// NextDelay computes the reconnect delay for the given attempt number:
// linear growth capped at maxDelay.
func NextDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	d := time.Duration(attempt) * baseDelay
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (s *Session) handleMessage(raw []byte) {
	msg, err := protocol.DecodeRelay(raw)
	if err != nil {
		s.logger.Warn("Undecodable frame from relay", slog.Any("error", err))
		return
	}

	switch m := msg.(type) {
	case *protocol.System:
		if m.Status == "connected" {
			s.mu.Lock()
			s.setStateLocked(StateIdentified, nil)
			s.startHeartbeatLocked()
			s.mu.Unlock()
		}

	case *protocol.Error:
		if m.Status == "rejected" {
			// Authorization failure is terminal; the server will close the
			// socket and we must not reconnect into the same rejection.
			s.logger.Error("Identification rejected by relay")
			s.mu.Lock()
			s.terminal = true
			s.setStateLocked(s.state, ErrRejected)
			s.mu.Unlock()
			return
		}
		s.logger.Warn("Relay error", slog.String("message", m.Message))

	case *protocol.CommandAck:
		s.mu.Lock()
		if t, ok := s.ackTimers[m.Command]; ok {
			t.Stop()
			delete(s.ackTimers, m.Command)
		}
		if !s.espLive {
			s.espLive = true
			s.notifyLocked(nil)
		}
		s.mu.Unlock()

	case *protocol.EspStatus:
		s.mu.Lock()
		live := m.Status == "connected"
		if live != s.espLive {
			s.espLive = live
			s.notifyLocked(nil)
		}
		s.mu.Unlock()

	case *protocol.Log:
		if s.opts.OnDeviceLog != nil {
			s.opts.OnDeviceLog(m.Message)
		}

	case *protocol.CommandStatus:
		if m.Status == protocol.StatusEspNotFound {
			s.logger.Warn("Command undeliverable: no device connected", slog.String("command", m.Command))
		}

	default:
		s.logger.Debug("Ignoring unexpected relay message")
	}
}

// onTransportClosed runs recovery for the session's current transport.
// closed identifies which transport died; a transport the session has
// already replaced gets no reconnect of its own, otherwise its late
// close callback would dial a duplicate. A nil closed means the dial
// itself failed and there is no transport to compare.
func (s *Session) onTransportClosed(closed Transport, cause error) {
	s.mu.Lock()
	if closed != nil && s.tr != closed {
		s.mu.Unlock()
		return
	}
	s.tr = nil
	s.stopHeartbeatLocked()
	s.clearAckTimersLocked()

	if s.manualClose || s.terminal {
		s.setStateLocked(StateDisconnected, nil)
		s.mu.Unlock()
		return
	}

	s.attempt++
	if s.attempt > s.opts.MaxRetries {
		s.logger.Error("Reconnect attempts exhausted", slog.Int("attempts", s.attempt-1))
		s.terminal = true
		s.setStateLocked(StateDisconnected, ErrRetriesExhausted)
		s.mu.Unlock()
		return
	}

	delay := NextDelay(s.attempt, s.opts.BaseDelay, s.opts.MaxDelay)
	s.logger.Info("Scheduling reconnect",
		slog.Int("attempt", s.attempt),
		slog.Duration("delay", delay),
		slog.Any("cause", cause),
	)
	s.setStateLocked(StateDisconnected, nil)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.manualClose || s.terminal {
			s.mu.Unlock()
			return
		}
		s.reconnectTimer = nil
		s.setStateLocked(StateConnecting, nil)
		s.mu.Unlock()
		s.dial(context.Background())
	})
	s.mu.Unlock()
}

// armAckTimerLocked keeps at most one outstanding timer per command name;
// re-sending a command restarts its window.
func (s *Session) armAckTimerLocked(command string) {
	if t, ok := s.ackTimers[command]; ok {
		t.Stop()
	}
	s.ackTimers[command] = time.AfterFunc(s.opts.AckTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.ackTimers, command)
		if s.espLive {
			// The only below-transport liveness signal we have.
			s.logger.Warn("Command ack timed out", slog.String("command", command))
			s.espLive = false
			s.notifyLocked(nil)
		}
	})
}

func (s *Session) clearAckTimersLocked() {
	for name, t := range s.ackTimers {
		t.Stop()
		delete(s.ackTimers, name)
	}
}

func (s *Session) startHeartbeatLocked() {
	if s.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Keeps the ack-timeout liveness signal fresh; silence by
				// itself is never a failure, only a missed ack is.
				s.SendCommand(protocol.Command{Command: "heartbeat", ExpectAck: true})
			}
		}
	}()
}

func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *Session) setStateLocked(state State, err error) {
	s.state = state
	if state != StateIdentified {
		s.espLive = false
	}
	s.notifyLocked(err)
}

func (s *Session) notifyLocked(err error) {
	change := StateChange{
		State:            s.state,
		EspLive:          s.espLive,
		ReconnectAttempt: s.attempt,
		Err:              err,
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (s *Session) sendMessage(msg protocol.RelayMessage) {
	raw, err := protocol.EncodeRelay(msg)
	if err != nil {
		s.logger.Error("Failed to encode message", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr != nil {
		tr.Send(raw)
	}
}
