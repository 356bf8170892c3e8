package peer

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// NarrowingPolicy is the negotiated-capability-narrowing step applied to
// outgoing session descriptions: keep one video codec (plus its
// retransmission format), cap bandwidth, optionally pin the direction.
type NarrowingPolicy struct {
	Codec          string // rtpmap encoding name, e.g. "H264" or "VP8"
	MaxBitrateKbps uint64 // 0 leaves bandwidth unset
	Direction      string // "", "sendrecv", "sendonly", "recvonly"
}

var directionKeys = map[string]struct{}{
	"sendrecv": {},
	"sendonly": {},
	"recvonly": {},
	"inactive": {},
}

// Narrow rewrites the video sections of an SDP according to the policy.
// The transform works on the parsed session-description model, not on the
// raw text, so the narrowing rules stay independently testable. A section
// that does not carry the preferred codec at all is left untouched rather
// than emptied.
func Narrow(sdpText string, policy NarrowingPolicy) (string, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return "", fmt.Errorf("parse session description: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" {
			continue
		}
		narrowVideoSection(media, policy)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serialize session description: %w", err)
	}
	return string(out), nil
}

func narrowVideoSection(media *sdp.MediaDescription, policy NarrowingPolicy) {
	if policy.Codec != "" {
		kept := keptPayloadTypes(media, policy.Codec)
		if len(kept) > 0 {
			filterPayloadTypes(media, kept)
		}
	}

	if policy.Direction != "" {
		pinDirection(media, policy.Direction)
	}

	if policy.MaxBitrateKbps > 0 {
		media.Bandwidth = []sdp.Bandwidth{
			{Type: "AS", Bandwidth: policy.MaxBitrateKbps},
			{Type: "TIAS", Bandwidth: policy.MaxBitrateKbps * 1000},
		}
	}
}

// keptPayloadTypes returns the payload types whose rtpmap matches the
// preferred codec, plus their rtx formats (fmtp apt= references).
func keptPayloadTypes(media *sdp.MediaDescription, codec string) map[string]struct{} {
	kept := make(map[string]struct{})
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if strings.EqualFold(name, codec) {
			kept[pt] = struct{}{}
		}
	}
	if len(kept) == 0 {
		return kept
	}

	// Retransmission formats point at their primary via fmtp apt=<pt>.
	for _, attr := range media.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		pt, params, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		apt, found := strings.CutPrefix(strings.TrimSpace(params), "apt=")
		if !found {
			continue
		}
		if _, keep := kept[strings.TrimSpace(apt)]; keep {
			kept[pt] = struct{}{}
		}
	}
	return kept
}

// filterPayloadTypes rewrites the format list and drops the per-payload
// attributes (rtpmap, fmtp, rtcp-fb) of removed payload types.
func filterPayloadTypes(media *sdp.MediaDescription, kept map[string]struct{}) {
	formats := media.MediaName.Formats[:0]
	for _, f := range media.MediaName.Formats {
		if _, ok := kept[f]; ok {
			formats = append(formats, f)
		}
	}
	media.MediaName.Formats = formats

	attrs := media.Attributes[:0]
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, _, _ := strings.Cut(attr.Value, " ")
			if pt == "*" {
				attrs = append(attrs, attr)
				continue
			}
			if _, ok := kept[pt]; !ok {
				continue
			}
		}
		attrs = append(attrs, attr)
	}
	media.Attributes = attrs
}

func pinDirection(media *sdp.MediaDescription, direction string) {
	attrs := media.Attributes[:0]
	for _, attr := range media.Attributes {
		if _, isDir := directionKeys[attr.Key]; isDir {
			continue
		}
		attrs = append(attrs, attr)
	}
	media.Attributes = append(attrs, sdp.Attribute{Key: direction})
}
