// Package peer implements the caller-side negotiation engine: room
// join/leave over the signaling hub, offer/answer/ICE exchange with
// candidate queueing and glare handling, codec narrowing, bitrate
// adaptation from RTC statistics, and stall detection with bounded
// renegotiation.
package peer

import "strings"

// Profile describes the transport the call runs over. It drives the codec
// preference and the outbound candidate policy.
type Profile string

const (
	// ProfileUnconstrained is a regular network: every gathered candidate
	// is sent and the default codec is used.
	ProfileUnconstrained Profile = "unconstrained"
	// ProfileConstrained is a NAT-heavy or metered transport: host
	// candidates are withheld and the hardware-friendly codec is
	// preferred.
	ProfileConstrained Profile = "constrained"
)

// AllowsCandidate decides whether a gathered local candidate may be sent
// to the peer. Constrained transports narrow to relay and server-reflexive
// candidates; exposing host candidates there hurts traversal more than it
// helps.
func (p Profile) AllowsCandidate(candidate string) bool {
	if p != ProfileConstrained {
		return true
	}
	return strings.Contains(candidate, " typ relay") || strings.Contains(candidate, " typ srflx")
}

// PreferredCodec returns the codec the session descriptions are narrowed
// to for this profile.
func (p Profile) PreferredCodec() string {
	if p == ProfileConstrained {
		return "H264"
	}
	return "VP8"
}
