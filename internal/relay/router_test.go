package relay

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/umdomby/esplink/pkg/devicedir"
)

type harness struct {
	registry *Registry
	router   *Router
}

func newHarness(allowed ...string) *harness {
	logger := newTestLogger()
	registry := NewRegistry(logger)
	router := NewRouter(logger, registry, devicedir.NewStatic(allowed))
	return &harness{registry: registry, router: router}
}

// connect registers a fresh connection and replays the client_type hint.
func (h *harness) connect(t *testing.T, hint string) (uuid.UUID, *fakeSender) {
	t.Helper()
	id := uuid.New()
	sender := &fakeSender{}
	conn, err := h.registry.Register(id, sender, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	h.router.HandleConnect(conn)
	if hint != "" {
		h.router.HandleMessage(context.Background(), id, []byte(`{"type":"client_type","clientType":"`+hint+`"}`))
	}
	return id, sender
}

func (h *harness) message(t *testing.T, id uuid.UUID, raw string) {
	t.Helper()
	h.router.HandleMessage(context.Background(), id, []byte(raw))
}

// lastOfType scans a sender's outbox for the most recent frame of a type.
func lastOfType(sender *fakeSender, typ string) (gjson.Result, bool) {
	msgs := sender.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		parsed := gjson.ParseBytes(msgs[i])
		if parsed.Get("type").String() == typ {
			return parsed, true
		}
	}
	return gjson.Result{}, false
}

func TestConnectNoticeAndIdentifyFlow(t *testing.T) {
	h := newHarness("123")
	ctrl, ctrlSender := h.connect(t, "browser")

	// 1. The greeting arrives before anything else.
	if _, ok := lastOfType(ctrlSender, "system"); !ok {
		t.Fatal("no system notice after connect")
	}

	// 2. Identify with an allowed device id.
	h.message(t, ctrl, `{"type":"identify","deviceId":"123"}`)
	reply, ok := lastOfType(ctrlSender, "system")
	if !ok || reply.Get("status").String() != "connected" {
		t.Fatalf("identify reply = %v, want system/connected", reply.Raw)
	}

	// 3. A device identifying for the same id notifies the controller.
	dev, devSender := h.connect(t, "device")
	h.message(t, dev, `{"type":"identify","deviceId":"123"}`)
	if reply, ok = lastOfType(devSender, "system"); !ok || reply.Get("status").String() != "connected" {
		t.Fatal("device did not get system/connected")
	}
	status, ok := lastOfType(ctrlSender, "esp_status")
	if !ok || status.Get("status").String() != "connected" {
		t.Fatal("controller did not get esp_status/connected")
	}
}

func TestIdentifyRejectedClosesConnection(t *testing.T) {
	h := newHarness("123")
	conn, sender := h.connect(t, "browser")

	h.message(t, conn, `{"type":"identify","deviceId":"999"}`)

	reply, ok := lastOfType(sender, "error")
	if !ok || reply.Get("status").String() != "rejected" {
		t.Fatalf("want error/rejected reply, got %v", sender.messages())
	}
	if !sender.isClosed() {
		t.Error("connection must be closed after rejection")
	}
	if _, ok := lastOfType(sender, "system"); ok {
		if got, _ := lastOfType(sender, "system"); got.Get("status").String() == "connected" {
			t.Error("system/connected must never be sent after rejection")
		}
	}
}

func TestUnidentifiedSenderIsRefused(t *testing.T) {
	h := newHarness("123")
	conn, sender := h.connect(t, "browser")

	h.message(t, conn, `{"command":"motor_a_forward","deviceId":"123"}`)

	reply, ok := lastOfType(sender, "error")
	if !ok || reply.Get("message").String() != "Not identified" {
		t.Fatalf("want Not identified error, got %v", sender.messages())
	}
}

func TestMalformedPayloadKeepsConnectionOpen(t *testing.T) {
	h := newHarness("123")
	conn, sender := h.connect(t, "browser")

	h.message(t, conn, `{"type":`)

	if _, ok := lastOfType(sender, "error"); !ok {
		t.Fatal("malformed payload must produce an error reply")
	}
	if sender.isClosed() {
		t.Error("malformed payload must not close the connection")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	h := newHarness("123")
	ctrl, ctrlSender := h.connect(t, "browser")
	dev, devSender := h.connect(t, "device")
	h.message(t, ctrl, `{"type":"identify","deviceId":"123"}`)
	h.message(t, dev, `{"type":"identify","deviceId":"123"}`)

	envelope := `{"command":"motor_a_forward","params":{"value":120},"deviceId":"123","timestamp":1700000000000,"expectAck":true}`
	h.message(t, ctrl, envelope)

	// Delivered verbatim, byte-identical.
	var forwarded []byte
	for _, m := range devSender.messages() {
		if gjson.ParseBytes(m).Get("command").String() == "motor_a_forward" {
			forwarded = m
		}
	}
	if !bytes.Equal(forwarded, []byte(envelope)) {
		t.Fatalf("device received %s, want verbatim envelope", forwarded)
	}

	status, ok := lastOfType(ctrlSender, "command_status")
	if !ok || status.Get("status").String() != "delivered" {
		t.Fatal("sender did not get command_status/delivered")
	}

	// Ack flows back to the controller.
	h.message(t, dev, `{"type":"command_ack","command":"motor_a_forward"}`)
	ack, ok := lastOfType(ctrlSender, "command_ack")
	if !ok || ack.Get("command").String() != "motor_a_forward" {
		t.Fatal("controller did not get command_ack")
	}
}

func TestCommandWithNoDeviceReportsNotFound(t *testing.T) {
	h := newHarness("123")
	ctrl, ctrlSender := h.connect(t, "browser")
	h.message(t, ctrl, `{"type":"identify","deviceId":"123"}`)

	h.message(t, ctrl, `{"command":"motor_a_forward","deviceId":"123","expectAck":true}`)

	status, ok := lastOfType(ctrlSender, "command_status")
	if !ok || status.Get("status").String() != "esp_not_found" {
		t.Fatalf("want command_status/esp_not_found, got %v", ctrlSender.messages())
	}
}

func TestCommandNeverLeaksToOtherDevices(t *testing.T) {
	h := newHarness("123", "456")
	ctrl, _ := h.connect(t, "browser")
	devA, devASender := h.connect(t, "device")
	devB, devBSender := h.connect(t, "device")
	h.message(t, ctrl, `{"type":"identify","deviceId":"123"}`)
	h.message(t, devA, `{"type":"identify","deviceId":"123"}`)
	h.message(t, devB, `{"type":"identify","deviceId":"456"}`)

	h.message(t, ctrl, `{"command":"set_speed","deviceId":"123"}`)

	for _, m := range devBSender.messages() {
		if gjson.ParseBytes(m).Get("command").Exists() {
			t.Fatal("command leaked to a device bound to a different id")
		}
	}
	found := false
	for _, m := range devASender.messages() {
		if gjson.ParseBytes(m).Get("command").String() == "set_speed" {
			found = true
		}
	}
	if !found {
		t.Fatal("addressed device did not receive the command")
	}
}

func TestDeviceLogFansOutToControllers(t *testing.T) {
	h := newHarness("123")
	ctrl, ctrlSender := h.connect(t, "browser")
	dev, _ := h.connect(t, "device")
	h.message(t, ctrl, `{"type":"identify","deviceId":"123"}`)
	h.message(t, dev, `{"type":"identify","deviceId":"123"}`)

	h.message(t, dev, `{"type":"log","message":"servo calibrated"}`)

	logMsg, ok := lastOfType(ctrlSender, "log")
	if !ok || logMsg.Get("origin").String() != "esp" || logMsg.Get("message").String() != "servo calibrated" {
		t.Fatalf("controller log = %v", ctrlSender.messages())
	}
}

func TestDeviceCloseNotifiesControllers(t *testing.T) {
	h := newHarness("123")
	ctrl, ctrlSender := h.connect(t, "browser")
	dev, _ := h.connect(t, "device")
	h.message(t, ctrl, `{"type":"identify","deviceId":"123"}`)
	h.message(t, dev, `{"type":"identify","deviceId":"123"}`)

	h.router.HandleClose(dev, nil)

	status, ok := lastOfType(ctrlSender, "esp_status")
	if !ok || status.Get("status").String() != "disconnected" {
		t.Fatal("controller did not get esp_status/disconnected")
	}
	if h.registry.Len() != 1 {
		t.Errorf("registry size = %d after close, want 1", h.registry.Len())
	}
}
