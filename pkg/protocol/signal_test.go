package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecodeSignalDispatch(t *testing.T) {
	msg, err := DecodeSignal([]byte(`{"type":"join","room":"garage","username":"alice","isLeader":true,"preferredCodec":"H264"}`))
	if err != nil {
		t.Fatalf("DecodeSignal failed: %v", err)
	}
	join, ok := msg.(*Join)
	if !ok {
		t.Fatalf("expected *Join, got %T", msg)
	}
	if join.Room != "garage" || join.Username != "alice" || !join.IsLeader || join.PreferredCodec != "H264" {
		t.Errorf("join decoded wrong: %+v", join)
	}

	msg, err = DecodeSignal([]byte(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0"},"from":"alice"}`))
	if err != nil {
		t.Fatalf("DecodeSignal failed: %v", err)
	}
	offer, ok := msg.(*Offer)
	if !ok {
		t.Fatalf("expected *Offer, got %T", msg)
	}
	if offer.SDP.SDP != "v=0" || offer.From != "alice" {
		t.Errorf("offer decoded wrong: %+v", offer)
	}
}

func TestDecodeSignalCandidateKeptRaw(t *testing.T) {
	candidate := `{"candidate":"candidate:1 1 udp 2122260223 192.0.2.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`
	raw := []byte(`{"type":"ice_candidate","candidate":` + candidate + `}`)

	msg, err := DecodeSignal(raw)
	if err != nil {
		t.Fatalf("DecodeSignal failed: %v", err)
	}
	ice, ok := msg.(*IceCandidate)
	if !ok {
		t.Fatalf("expected *IceCandidate, got %T", msg)
	}
	if !bytes.Equal(ice.Candidate, []byte(candidate)) {
		t.Errorf("candidate body was reinterpreted: %s", ice.Candidate)
	}
}

func TestDecodeSignalErrors(t *testing.T) {
	if _, err := DecodeSignal([]byte(`{"room":"garage"}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := DecodeSignal([]byte(`{"type":"warp"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestEncodeSignalRoundTrip(t *testing.T) {
	out, err := EncodeSignal(RoomInfo{Room: "garage", Users: []string{"alice", "bob"}, Leader: "alice"})
	if err != nil {
		t.Fatalf("EncodeSignal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != "room_info" || decoded["leader"] != "alice" {
		t.Errorf("unexpected encoding: %s", out)
	}
}
