package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/umdomby/esplink/pkg/protocol"
	"github.com/umdomby/esplink/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeTransport stands in for a dialed websocket. Close triggers the
// session's close handler the way a dying connection would.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	onMessage transport.MessageHandler
	onClose   transport.OnCloseHandler
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
}

func (f *fakeTransport) Close(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	onClose := f.onClose
	close(f.done)
	f.mu.Unlock()
	if onClose != nil {
		onClose(uuid.Nil, err)
	}
}

func (f *fakeTransport) Run()                 {}
func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) SetOnMessageHandler(h transport.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = h
}

func (f *fakeTransport) SetOnCloseHandler(h transport.OnCloseHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = h
}

// deliver injects a frame as if it came off the wire.
func (f *fakeTransport) deliver(raw string) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	if h != nil {
		h(context.Background(), uuid.Nil, []byte(raw))
	}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// dialer hands out fakes and counts attempts.
type dialer struct {
	mu      sync.Mutex
	current *fakeTransport
	count   int
	err     error
}

func (d *dialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if d.err != nil {
		return nil, d.err
	}
	d.current = newFakeTransport()
	return d.current, nil
}

func (d *dialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *dialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func newTestSession(d *dialer, opts Options) *Session {
	opts.URL = "ws://relay.test/ws"
	opts.DeviceID = "123"
	opts.Dial = d.dial
	opts.Logger = newTestLogger()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour // keep heartbeats out of the way
	}
	return New(opts)
}

func waitState(t *testing.T, ch <-chan StateChange, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-ch:
			if change.State == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectSendsClientTypeThenIdentify(t *testing.T) {
	d := &dialer{}
	s := newTestSession(d, Options{})
	ch := s.Subscribe()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitState(t, ch, StateConnected)

	msgs := d.transport().messages()
	if len(msgs) < 2 {
		t.Fatalf("sent %d frames after connect, want client_type then identify", len(msgs))
	}
	if typ := gjson.GetBytes(msgs[0], "type").String(); typ != "client_type" {
		t.Errorf("first frame type = %s, want client_type", typ)
	}
	if gjson.GetBytes(msgs[1], "type").String() != "identify" || gjson.GetBytes(msgs[1], "deviceId").String() != "123" {
		t.Errorf("second frame = %s, want identify for 123", msgs[1])
	}

	d.transport().deliver(`{"type":"system","status":"connected"}`)
	waitState(t, ch, StateIdentified)
}

func TestNextDelayGrowsLinearlyAndCaps(t *testing.T) {
	base, max := time.Second, 10*time.Second
	for attempt := 1; attempt < 10; attempt++ {
		if NextDelay(attempt+1, base, max) < NextDelay(attempt, base, max) {
			t.Fatalf("delay shrank between attempts %d and %d", attempt, attempt+1)
		}
	}
	if got := NextDelay(3, base, max); got != 3*time.Second {
		t.Errorf("NextDelay(3) = %v, want 3s", got)
	}
	if got := NextDelay(50, base, max); got != max {
		t.Errorf("NextDelay(50) = %v, want the cap %v", got, max)
	}
}

func TestAckTimeoutFlipsLivenessAndAckRevivesIt(t *testing.T) {
	d := &dialer{}
	s := newTestSession(d, Options{AckTimeout: 20 * time.Millisecond})
	ch := s.Subscribe()

	s.Connect(context.Background())
	d.transport().deliver(`{"type":"system","status":"connected"}`)
	waitState(t, ch, StateIdentified)
	d.transport().deliver(`{"type":"esp_status","status":"connected"}`)

	if err := s.SendCommand(protocol.Command{Command: "motor_a_forward", ExpectAck: true}); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		_, live := s.State()
		if !live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("missed ack never flipped device liveness")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// An ack for a later command revives the flag.
	s.SendCommand(protocol.Command{Command: "motor_a_forward", ExpectAck: true})
	d.transport().deliver(`{"type":"command_ack","command":"motor_a_forward"}`)
	if _, live := s.State(); !live {
		t.Error("command_ack must revive device liveness")
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	d := &dialer{}
	s := newTestSession(d, Options{BaseDelay: time.Millisecond})
	ch := s.Subscribe()

	s.Connect(context.Background())
	tr := d.transport()
	tr.deliver(`{"type":"error","status":"rejected"}`)

	var sawRejection bool
	drain := time.After(200 * time.Millisecond)
	for !sawRejection {
		select {
		case change := <-ch:
			if errors.Is(change.Err, ErrRejected) {
				sawRejection = true
			}
		case <-drain:
			t.Fatal("no state change carried ErrRejected")
		}
	}

	// The server closes the socket after rejecting; no reconnect follows.
	dialsBefore := d.dials()
	tr.Close(errors.New("closed by server"))
	time.Sleep(50 * time.Millisecond)
	if d.dials() != dialsBefore {
		t.Error("session reconnected after a terminal rejection")
	}
	if state, _ := s.State(); state != StateDisconnected {
		t.Errorf("state = %v after terminal close, want disconnected", state)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	d := &dialer{}
	s := newTestSession(d, Options{BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond})
	ch := s.Subscribe()

	s.Connect(context.Background())
	waitState(t, ch, StateConnected)

	d.transport().Close(errors.New("network blip"))
	waitState(t, ch, StateConnecting)
	waitState(t, ch, StateConnected)

	if d.dials() != 2 {
		t.Errorf("dials = %d after one drop, want 2", d.dials())
	}
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	d := &dialer{err: errors.New("connection refused")}
	s := newTestSession(d, Options{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2})
	ch := s.Subscribe()

	s.Connect(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-ch:
			if errors.Is(change.Err, ErrRetriesExhausted) {
				if d.dials() != 3 { // initial dial plus two retries
					t.Errorf("dials = %d, want 3", d.dials())
				}
				return
			}
		case <-deadline:
			t.Fatal("retries never exhausted")
		}
	}
}

func TestConnectWhileConnectedReplacesTransportWithoutDuplicates(t *testing.T) {
	d := &dialer{}
	s := newTestSession(d, Options{BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond})
	ch := s.Subscribe()

	s.Connect(context.Background())
	waitState(t, ch, StateConnected)
	first := d.transport()

	s.Connect(context.Background())
	waitState(t, ch, StateConnected)

	if !first.isClosed() {
		t.Error("replaced transport must be closed")
	}

	// The replaced transport's close callback must not schedule a
	// reconnect of its own; the session owns exactly one transport.
	time.Sleep(30 * time.Millisecond)
	if d.dials() != 2 {
		t.Errorf("dials = %d after two explicit connects, want 2", d.dials())
	}
	if d.transport().isClosed() {
		t.Error("current transport must stay open")
	}
}

func TestDisconnectIsIdempotentAndSuppressesReconnect(t *testing.T) {
	d := &dialer{}
	s := newTestSession(d, Options{BaseDelay: time.Millisecond})
	ch := s.Subscribe()

	s.Connect(context.Background())
	waitState(t, ch, StateConnected)

	s.Disconnect()
	s.Disconnect()

	time.Sleep(20 * time.Millisecond)
	if d.dials() != 1 {
		t.Errorf("dials = %d after manual disconnect, want 1", d.dials())
	}
	if state, _ := s.State(); state != StateDisconnected {
		t.Errorf("state = %v, want disconnected", state)
	}
	if !d.transport().isClosed() {
		t.Error("manual disconnect must close the transport")
	}
}
