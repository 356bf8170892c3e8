package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeSender struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	closeErr error
	pingErr  error
}

func (f *fakeSender) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
}

func (f *fakeSender) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSender) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeErr = err
}

func (f *fakeSender) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(newTestLogger())
	id := uuid.New()

	conn, err := r.Register(id, &fakeSender{}, "10.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.Role != RoleUnidentified {
		t.Errorf("fresh connection role = %s, want unidentified", conn.Role)
	}

	if _, err := r.Register(id, &fakeSender{}, "10.0.0.1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Register error = %v, want ErrAlreadyRegistered", err)
	}

	if _, ok := r.Get(id); !ok {
		t.Fatal("Get failed to find registered connection")
	}

	if _, ok := r.Deregister(id); !ok {
		t.Fatal("Deregister failed")
	}
	if _, ok := r.Get(id); ok {
		t.Error("found connection after deregistration")
	}
}

func TestIdentifyHappensExactlyOnce(t *testing.T) {
	r := NewRegistry(newTestLogger())
	id := uuid.New()
	r.Register(id, &fakeSender{}, "10.0.0.1")

	if err := r.Identify(id, "123", RoleDevice); err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	conn, _ := r.Get(id)
	if !conn.Identified || conn.Role != RoleDevice || conn.DeviceID != "123" {
		t.Errorf("identification not recorded: %+v", conn)
	}

	if err := r.Identify(id, "456", RoleController); !errors.Is(err, ErrAlreadyIdentified) {
		t.Errorf("re-identification error = %v, want ErrAlreadyIdentified", err)
	}
	conn, _ = r.Get(id)
	if conn.DeviceID != "123" || conn.Role != RoleDevice {
		t.Error("re-identification must not change the binding")
	}
}

func TestFanOutTargeting(t *testing.T) {
	r := NewRegistry(newTestLogger())

	ctrlA := uuid.New()
	ctrlB := uuid.New()
	devA := uuid.New()
	unident := uuid.New()

	r.Register(ctrlA, &fakeSender{}, "1.1.1.1")
	r.Register(ctrlB, &fakeSender{}, "2.2.2.2")
	r.Register(devA, &fakeSender{}, "3.3.3.3")
	r.Register(unident, &fakeSender{}, "4.4.4.4")

	r.Identify(ctrlA, "123", RoleController)
	r.Identify(ctrlB, "999", RoleController)
	r.Identify(devA, "123", RoleDevice)

	ctrls := r.ControllersFor("123")
	if len(ctrls) != 1 || ctrls[0].ID != ctrlA {
		t.Errorf("ControllersFor(123) = %d conns, want exactly ctrlA", len(ctrls))
	}
	devs := r.DevicesFor("123")
	if len(devs) != 1 || devs[0].ID != devA {
		t.Errorf("DevicesFor(123) = %d conns, want exactly devA", len(devs))
	}
	if len(r.DevicesFor("999")) != 0 {
		t.Error("DevicesFor(999) must be empty")
	}
}

func TestAliveFlagDiscipline(t *testing.T) {
	r := NewRegistry(newTestLogger())
	id := uuid.New()
	r.Register(id, &fakeSender{}, "10.0.0.1")

	if wasAlive := r.ClearAlive(id); !wasAlive {
		t.Error("fresh connection must start alive")
	}
	if wasAlive := r.ClearAlive(id); wasAlive {
		t.Error("second clear must report the lowered flag")
	}

	r.Touch(id)
	if wasAlive := r.ClearAlive(id); !wasAlive {
		t.Error("Touch must raise the flag again")
	}

	last, ok := r.LastActivity(id)
	if !ok || time.Since(last) > time.Minute {
		t.Error("LastActivity not refreshed")
	}
}

func TestCountAndOldestByAddr(t *testing.T) {
	r := NewRegistry(newTestLogger())

	first := uuid.New()
	r.Register(first, &fakeSender{}, "9.9.9.9")
	time.Sleep(5 * time.Millisecond) // ensure distinct CreatedAt
	r.Register(uuid.New(), &fakeSender{}, "9.9.9.9")
	r.Register(uuid.New(), &fakeSender{}, "8.8.8.8")

	if n := r.CountByAddr("9.9.9.9"); n != 2 {
		t.Errorf("CountByAddr = %d, want 2", n)
	}
	oldest, ok := r.OldestByAddr("9.9.9.9")
	if !ok || oldest.ID != first {
		t.Error("OldestByAddr did not return the first connection")
	}
}
