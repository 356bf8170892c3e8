package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	pionlog "github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/umdomby/esplink/pkg/protocol"
	"github.com/umdomby/esplink/pkg/transport"
)

var (
	ErrJoinFailed         = errors.New("room join failed")
	ErrNegotiationFailed  = errors.New("negotiation retries exhausted")
	ErrForceDisconnected  = errors.New("force disconnected by signaling hub")
	ErrEngineClosed       = errors.New("engine closed")
	errNoInboundVideo     = errors.New("no inbound video within stall window")
	errTransportConnState = errors.New("peer connection failed or disconnected")
)

type EventKind int

const (
	EventJoined EventKind = iota
	EventNegotiating
	EventCallActive
	EventReset
	EventQualityChanged
	EventTerminated
)

// Event is pushed to the Events channel on every observable transition.
// Terminal failures carry Err; further automatic attempts stop after one.
type Event struct {
	Kind    EventKind
	Room    string
	Quality QualityLevel
	Err     error
}

// Transport is the signaling-transport slice the engine needs.
type Transport interface {
	Send(message []byte)
	Close(err error)
	Run()
	Done() <-chan struct{}
	SetOnMessageHandler(transport.MessageHandler)
	SetOnCloseHandler(transport.OnCloseHandler)
}

type DialFunc func(ctx context.Context, url string) (Transport, error)

// Options configures an Engine. Zero timings fall back to the reference
// values.
type Options struct {
	SignalURL string
	Username  string
	IsLeader  bool
	Profile   Profile

	JoinTimeout   time.Duration // room join reply window (10s)
	JoinRetries   int           // join attempts before abandoning (3)
	JoinBackoff   time.Duration // linear backoff unit between joins (2s)
	StallTimeout  time.Duration // inbound-video window (7s)
	MaxRetries    int           // negotiation restarts before terminal (5)
	StatsInterval time.Duration // statistics sample period (4s)

	ICEServers  []webrtc.ICEServer
	LocalTracks []webrtc.TrackLocal
	Ladder      []QualityLevel

	// OnQualityChange receives the active quality level when a call
	// starts and on every ladder move. pion senders carry no encoder,
	// so the component producing LocalTracks applies the bitrate,
	// framerate and resolution caps here; the engine independently
	// renegotiates the bandwidth lines of later descriptions.
	OnQualityChange func(QualityLevel)

	Dial   DialFunc
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.JoinRetries <= 0 {
		o.JoinRetries = 3
	}
	if o.JoinBackoff <= 0 {
		o.JoinBackoff = 2 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 7 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 4 * time.Second
	}
	if o.Profile == "" {
		o.Profile = ProfileUnconstrained
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

// Engine drives one peer session. It exclusively owns the peer connection
// and the signaling transport it creates, and releases both on every exit
// path; teardown is idempotent.
type Engine struct {
	opts   Options
	logger *slog.Logger
	api    *webrtc.API
	policy NarrowingPolicy

	mu          sync.Mutex
	tr          Transport
	room        string
	roster      []string
	pc          *webrtc.PeerConnection
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	negotiating bool
	closed      bool
	terminated  bool

	stallTimer  *time.Timer
	retryTimer  *time.Timer
	statsStop   chan struct{}
	roomInfoCh  chan protocol.RoomInfo
	adapter     *Adapter
	retryPolicy backoff.BackOff

	events chan Event
}

func NewEngine(opts Options) (*Engine, error) {
	opts.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	settings := webrtc.SettingEngine{LoggerFactory: pionlog.NewDefaultLoggerFactory()}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptors),
		webrtc.WithSettingEngine(settings),
	)

	e := &Engine{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "peer_engine"), slog.String("username", opts.Username)),
		api:    api,
		policy: NarrowingPolicy{
			Codec:          opts.Profile.PreferredCodec(),
			MaxBitrateKbps: firstLevel(opts.Ladder).MaxBitrateKbps,
		},
		adapter:    NewAdapter(opts.Ladder),
		roomInfoCh: make(chan protocol.RoomInfo, 1),
		events:     make(chan Event, 16),
	}
	e.retryPolicy = e.newRetryPolicy()
	return e, nil
}

func firstLevel(ladder []QualityLevel) QualityLevel {
	if len(ladder) == 0 {
		return DefaultLadder[0]
	}
	return ladder[0]
}

func (e *Engine) newRetryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 20 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(e.opts.MaxRetries))
}

// Events returns the engine's event stream. Buffered; slow consumers drop
// updates rather than block negotiation.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// JoinRoom opens the signaling transport if needed and joins the named
// room. A missed room_info reply is retried with linear backoff up to the
// attempt cap; exhausting it abandons the room.
func (e *Engine) JoinRoom(ctx context.Context, room string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.tr == nil {
		e.mu.Unlock()
		tr, err := e.opts.Dial(ctx, e.opts.SignalURL)
		if err != nil {
			return fmt.Errorf("open signaling transport: %w", err)
		}
		tr.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, raw []byte) {
			e.handleSignal(raw)
		})
		tr.SetOnCloseHandler(func(_ uuid.UUID, err error) {
			e.onSignalClosed(err)
		})
		tr.Run()
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			tr.Close(nil)
			return ErrEngineClosed
		}
		e.tr = tr
	}
	e.room = room
	tr := e.tr
	e.mu.Unlock()

	joinMsg, err := protocol.EncodeSignal(protocol.Join{
		Room:           room,
		Username:       e.opts.Username,
		IsLeader:       e.opts.IsLeader,
		PreferredCodec: e.opts.Profile.PreferredCodec(),
	})
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= e.opts.JoinRetries; attempt++ {
		tr.Send(joinMsg)

		select {
		case info := <-e.roomInfoCh:
			e.logger.Info("Joined room", slog.String("room", room), slog.Int("members", len(info.Users)))
			e.emit(Event{Kind: EventJoined, Room: room})
			e.maybeStartNegotiation(info)
			return nil
		case <-time.After(e.opts.JoinTimeout):
			e.logger.Warn("Room join timed out", slog.Int("attempt", attempt))
		case <-ctx.Done():
			return ctx.Err()
		}

		if attempt < e.opts.JoinRetries {
			select {
			case <-time.After(time.Duration(attempt) * e.opts.JoinBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	e.mu.Lock()
	e.room = ""
	e.mu.Unlock()
	return fmt.Errorf("%w: no room_info after %d attempts", ErrJoinFailed, e.opts.JoinRetries)
}

// LeaveRoom notifies the hub best-effort, then unconditionally releases
// every owned resource. Safe to call repeatedly.
func (e *Engine) LeaveRoom() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tr := e.tr
	e.tr = nil
	room := e.room
	e.room = ""
	e.teardownLocked()
	e.mu.Unlock()

	if tr != nil {
		if room != "" {
			if raw, err := protocol.EncodeSignal(protocol.Leave{Room: room}); err == nil {
				tr.Send(raw)
			}
		}
		tr.Close(nil)
	}
}

func (e *Engine) handleSignal(raw []byte) {
	msg, err := protocol.DecodeSignal(raw)
	if err != nil {
		e.logger.Warn("Undecodable signaling frame", slog.Any("error", err))
		return
	}

	switch m := msg.(type) {
	case *protocol.RoomInfo:
		select {
		case e.roomInfoCh <- *m:
		default:
		}
		e.mu.Lock()
		e.roster = m.Users
		e.mu.Unlock()
		e.maybeStartNegotiation(*m)

	case *protocol.Offer:
		e.handleOffer(m)

	case *protocol.Answer:
		e.handleAnswer(m)

	case *protocol.IceCandidate:
		e.handleRemoteCandidate(m)

	case *protocol.ReconnectRequest:
		e.logger.Info("Peer requested renegotiation", slog.String("reason", m.Reason))
		e.restartNegotiation(errors.New(m.Reason))

	case *protocol.ForceDisconnect:
		e.logger.Warn("Force-disconnected by hub", slog.String("reason", m.Reason))
		e.terminate(ErrForceDisconnected)

	case *protocol.SignalError:
		e.logger.Warn("Signaling error", slog.String("message", m.Message))

	default:
	}
}

// maybeStartNegotiation kicks off an offer when we are the leader and a
// remote peer is present.
func (e *Engine) maybeStartNegotiation(info protocol.RoomInfo) {
	if !e.opts.IsLeader || len(info.Users) < 2 {
		return
	}
	e.startNegotiation()
}

func (e *Engine) startNegotiation() {
	e.mu.Lock()
	if e.closed || e.terminated || e.negotiating {
		e.mu.Unlock()
		return
	}
	e.negotiating = true
	pc, err := e.ensurePeerConnectionLocked()
	if err != nil {
		e.negotiating = false
		e.mu.Unlock()
		e.logger.Error("Failed to build peer connection", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}
	e.armStallTimerLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventNegotiating, Room: e.roomName()})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.logger.Error("CreateOffer failed", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.logger.Error("SetLocalDescription failed", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}

	// The local description must stay exactly as generated; narrowing is
	// applied to the copy that goes on the wire.
	e.sendSignal(protocol.Offer{
		SDP:  protocol.SessionDescription{Type: "offer", SDP: e.narrow(offer.SDP)},
		From: e.opts.Username,
	})
}

func (e *Engine) handleOffer(m *protocol.Offer) {
	e.mu.Lock()
	if e.closed || e.terminated {
		e.mu.Unlock()
		return
	}
	if e.negotiating {
		// Glare: both sides offered at once. Resolved by ignoring the
		// incoming offer, never by queueing it.
		e.mu.Unlock()
		e.logger.Warn("Dropping offer received while negotiating", slog.String("from", m.From))
		return
	}
	e.negotiating = true
	pc, err := e.ensurePeerConnectionLocked()
	if err != nil {
		e.negotiating = false
		e.mu.Unlock()
		e.logger.Error("Failed to build peer connection", slog.Any("error", err))
		return
	}
	e.armStallTimerLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventNegotiating, Room: e.roomName()})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  e.narrow(m.SDP.SDP),
	}); err != nil {
		e.logger.Error("SetRemoteDescription(offer) failed", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}
	e.drainCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.logger.Error("CreateAnswer failed", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		e.logger.Error("SetLocalDescription(answer) failed", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}

	e.mu.Lock()
	e.negotiating = false
	e.mu.Unlock()

	e.sendSignal(protocol.Answer{
		SDP:  protocol.SessionDescription{Type: "answer", SDP: e.narrow(answer.SDP)},
		From: e.opts.Username,
	})
}

func (e *Engine) handleAnswer(m *protocol.Answer) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// An answer we did not ask for; ignore rather than corrupt state.
		e.logger.Warn("Ignoring unexpected answer", slog.String("from", m.From))
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  e.narrow(m.SDP.SDP),
	}); err != nil {
		e.logger.Error("SetRemoteDescription(answer) failed", slog.Any("error", err))
		e.restartNegotiation(err)
		return
	}
	e.drainCandidates(pc)

	e.mu.Lock()
	e.negotiating = false
	e.mu.Unlock()
}

func (e *Engine) handleRemoteCandidate(m *protocol.IceCandidate) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Candidate, &init); err != nil {
		e.logger.Warn("Undecodable ICE candidate", slog.Any("error", err))
		return
	}

	e.mu.Lock()
	pc := e.pc
	ready := e.remoteSet && pc != nil
	if !ready {
		// Candidates must never be applied before the remote description;
		// queue and flush in arrival order.
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		e.logger.Warn("AddICECandidate failed", slog.Any("error", err))
	}
}

// drainCandidates flushes the queue FIFO after a remote description is
// applied.
func (e *Engine) drainCandidates(pc *webrtc.PeerConnection) {
	e.mu.Lock()
	e.remoteSet = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, init := range queued {
		if err := pc.AddICECandidate(init); err != nil {
			e.logger.Warn("AddICECandidate (queued) failed", slog.Any("error", err))
		}
	}
}

func (e *Engine) ensurePeerConnectionLocked() (*webrtc.PeerConnection, error) {
	if e.pc != nil {
		return e.pc, nil
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.opts.ICEServers})
	if err != nil {
		return nil, err
	}

	if len(e.opts.LocalTracks) == 0 {
		// Answer only for the media directions we actually support.
		if _, err := pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			pc.Close()
			return nil, err
		}
	}
	for _, track := range e.opts.LocalTracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if !e.opts.Profile.AllowsCandidate(init.Candidate) {
			e.logger.Debug("Withholding candidate for constrained transport")
			return
		}
		raw, err := json.Marshal(init)
		if err != nil {
			return
		}
		e.sendSignal(protocol.IceCandidate{Candidate: raw, From: e.opts.Username})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		e.onInboundVideo()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			e.restartNegotiation(errTransportConnState)
		}
	})

	e.pc = pc
	e.remoteSet = false
	return pc, nil
}

func (e *Engine) onInboundVideo() {
	e.mu.Lock()
	if e.stallTimer != nil {
		e.stallTimer.Stop()
		e.stallTimer = nil
	}
	e.negotiating = false
	e.startStatsLocked()
	e.mu.Unlock()

	e.retryPolicy.Reset()
	e.adapter.Reset()
	e.applyQuality(e.adapter.Current())
	e.logger.Info("Call active")
	e.emit(Event{Kind: EventCallActive, Room: e.roomName(), Quality: e.adapter.Current()})
}

// applyQuality pushes a quality level into both control paths: the
// narrowing policy for future descriptions and the encoder hook for the
// running call.
func (e *Engine) applyQuality(level QualityLevel) {
	e.mu.Lock()
	e.policy.MaxBitrateKbps = level.MaxBitrateKbps
	e.mu.Unlock()

	if e.opts.OnQualityChange != nil {
		e.opts.OnQualityChange(level)
	}
}

func (e *Engine) armStallTimerLocked() {
	if e.stallTimer != nil {
		e.stallTimer.Stop()
	}
	e.stallTimer = time.AfterFunc(e.opts.StallTimeout, func() {
		e.restartNegotiation(errNoInboundVideo)
	})
}

// restartNegotiation tears the peer connection down and schedules a new
// attempt under the bounded exponential backoff policy. Exceeding the cap
// is terminal, never silently retried.
func (e *Engine) restartNegotiation(cause error) {
	e.mu.Lock()
	if e.closed || e.terminated {
		e.mu.Unlock()
		return
	}
	e.teardownPeerLocked()
	delay := e.retryPolicy.NextBackOff()
	if delay == backoff.Stop {
		e.mu.Unlock()
		e.terminate(fmt.Errorf("%w: last error: %v", ErrNegotiationFailed, cause))
		return
	}
	e.logger.Warn("Restarting negotiation",
		slog.Any("cause", cause),
		slog.Duration("delay", delay),
	)
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, func() {
		if e.opts.IsLeader {
			e.startNegotiation()
		} else {
			e.sendSignal(protocol.ReconnectRequest{From: e.opts.Username, Reason: cause.Error()})
		}
	})
	e.mu.Unlock()

	e.emit(Event{Kind: EventReset, Room: e.roomName(), Err: cause})
}

// terminate surfaces a terminal failure and stops all automatic recovery.
func (e *Engine) terminate(err error) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	e.terminated = true
	e.teardownLocked()
	e.mu.Unlock()

	e.logger.Error("Peer session terminated", slog.Any("error", err))
	e.emit(Event{Kind: EventTerminated, Room: e.roomName(), Err: err})
}

// teardownLocked releases everything the engine owns. Handles are nilled
// immediately after release so a second pass is a no-op.
func (e *Engine) teardownLocked() {
	e.teardownPeerLocked()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) teardownPeerLocked() {
	if e.stallTimer != nil {
		e.stallTimer.Stop()
		e.stallTimer = nil
	}
	if e.statsStop != nil {
		close(e.statsStop)
		e.statsStop = nil
	}
	if e.pc != nil {
		e.pc.Close()
		e.pc = nil
	}
	e.pending = nil
	e.remoteSet = false
	e.negotiating = false
}

func (e *Engine) startStatsLocked() {
	if e.statsStop != nil || e.pc == nil {
		return
	}
	stop := make(chan struct{})
	e.statsStop = stop
	pc := e.pc

	go func() {
		ticker := time.NewTicker(e.opts.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.sampleStats(pc)
			}
		}
	}()
}

// sampleStats reads one loss/RTT sample and steps the quality ladder when
// a threshold is crossed.
func (e *Engine) sampleStats(pc *webrtc.PeerConnection) {
	var (
		fractionLost float64
		rtt          time.Duration
		seen         bool
	)
	for _, s := range pc.GetStats() {
		if ri, ok := s.(webrtc.RemoteInboundRTPStreamStats); ok {
			if ri.FractionLost > fractionLost {
				fractionLost = ri.FractionLost
			}
			if d := time.Duration(ri.RoundTripTime * float64(time.Second)); d > rtt {
				rtt = d
			}
			seen = true
		}
	}
	if !seen {
		return
	}

	level, changed := e.adapter.Evaluate(fractionLost, rtt)
	if !changed {
		return
	}
	e.applyQuality(level)

	e.logger.Info("Quality level changed",
		slog.String("level", level.Name),
		slog.Float64("fractionLost", fractionLost),
		slog.Duration("rtt", rtt),
	)
	e.emit(Event{Kind: EventQualityChanged, Room: e.roomName(), Quality: level})
}

func (e *Engine) onSignalClosed(err error) {
	e.mu.Lock()
	closed := e.closed
	e.tr = nil
	e.mu.Unlock()
	if closed {
		return
	}
	e.terminate(fmt.Errorf("signaling transport closed: %w", errOrEOF(err)))
}

func errOrEOF(err error) error {
	if err == nil {
		return errors.New("connection closed")
	}
	return err
}

func (e *Engine) sendSignal(msg protocol.SignalMessage) {
	raw, err := protocol.EncodeSignal(msg)
	if err != nil {
		e.logger.Error("Failed to encode signaling message", slog.Any("error", err))
		return
	}
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr != nil {
		tr.Send(raw)
	}
}

// narrow applies the codec/bitrate policy, falling back to the original
// text when the description cannot be parsed.
func (e *Engine) narrow(sdpText string) string {
	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()

	out, err := Narrow(sdpText, policy)
	if err != nil {
		e.logger.Warn("SDP narrowing failed, using description untouched", slog.Any("error", err))
		return sdpText
	}
	return out
}

func (e *Engine) roomName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}
