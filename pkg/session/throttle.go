package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/umdomby/esplink/pkg/protocol"
)

// CommandSender is satisfied by *Session.
type CommandSender interface {
	SendCommand(cmd protocol.Command) error
}

// MotorController converts continuous control input (a slider position)
// into discrete set_speed plus directional commands. Rapid changes within
// the throttle window are coalesced so only the last value is transmitted;
// a transition to zero bypasses the window and goes out immediately so the
// motor can never be left running on a stale value.
type MotorController struct {
	sender CommandSender
	window time.Duration

	mu      sync.Mutex
	pending map[string]int
	timers  map[string]*time.Timer
	lastDir map[string]int
}

// NewMotorController builds a controller with the given coalescing window
// (30ms when zero).
func NewMotorController(sender CommandSender, window time.Duration) *MotorController {
	if window <= 0 {
		window = 30 * time.Millisecond
	}
	return &MotorController{
		sender:  sender,
		window:  window,
		pending: make(map[string]int),
		timers:  make(map[string]*time.Timer),
		lastDir: make(map[string]int),
	}
}

// Set updates the target value for a motor. Values are -255..255; sign is
// direction, magnitude is speed, zero is stop.
func (m *MotorController) Set(motor string, value int) error {
	value = clamp(value, -255, 255)

	if value == 0 {
		m.mu.Lock()
		if t, ok := m.timers[motor]; ok {
			t.Stop()
			delete(m.timers, motor)
		}
		delete(m.pending, motor)
		m.lastDir[motor] = 0
		m.mu.Unlock()
		return m.sendSpeed(motor, 0)
	}

	m.mu.Lock()
	m.pending[motor] = value
	if _, running := m.timers[motor]; !running {
		m.timers[motor] = time.AfterFunc(m.window, func() {
			m.flush(motor)
		})
	}
	m.mu.Unlock()
	return nil
}

// Stop halts every motor immediately.
func (m *MotorController) Stop() error {
	m.mu.Lock()
	motors := make([]string, 0, len(m.lastDir))
	for motor := range m.lastDir {
		motors = append(motors, motor)
	}
	for motor, t := range m.timers {
		t.Stop()
		delete(m.timers, motor)
		delete(m.pending, motor)
	}
	m.mu.Unlock()

	var firstErr error
	for _, motor := range motors {
		if err := m.Set(motor, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MotorController) flush(motor string) {
	m.mu.Lock()
	delete(m.timers, motor)
	value, ok := m.pending[motor]
	if ok {
		delete(m.pending, motor)
	}
	dirChanged := false
	if ok {
		dir := sign(value)
		if m.lastDir[motor] != dir {
			m.lastDir[motor] = dir
			dirChanged = true
		}
	}
	m.mu.Unlock()

	if !ok {
		return // a zero transition already flushed this motor
	}

	if dirChanged {
		m.sendDirection(motor, sign(value))
	}
	m.sendSpeed(motor, abs(value))
}

func (m *MotorController) sendDirection(motor string, dir int) error {
	name := fmt.Sprintf("motor_%s_forward", strings.ToLower(motor))
	if dir < 0 {
		name = fmt.Sprintf("motor_%s_backward", strings.ToLower(motor))
	}
	return m.sender.SendCommand(protocol.Command{Command: name, ExpectAck: true})
}

func (m *MotorController) sendSpeed(motor string, speed int) error {
	params, _ := json.Marshal(map[string]any{"motor": motor, "value": speed})
	return m.sender.SendCommand(protocol.Command{
		Command:   "set_speed",
		Params:    params,
		ExpectAck: true,
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
