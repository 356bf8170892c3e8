package peer

import (
	"sync"
	"time"
)

// QualityLevel is one rung of the adaptation ladder.
type QualityLevel struct {
	Name                  string
	MaxBitrateKbps        uint64
	MaxFramerate          int
	ScaleResolutionDownBy float64
}

// DefaultLadder orders quality levels best first.
var DefaultLadder = []QualityLevel{
	{Name: "high", MaxBitrateKbps: 2500, MaxFramerate: 30, ScaleResolutionDownBy: 1},
	{Name: "medium", MaxBitrateKbps: 1200, MaxFramerate: 30, ScaleResolutionDownBy: 1.5},
	{Name: "low", MaxBitrateKbps: 600, MaxFramerate: 20, ScaleResolutionDownBy: 2},
	{Name: "minimal", MaxBitrateKbps: 250, MaxFramerate: 15, ScaleResolutionDownBy: 4},
}

// Fixed thresholds; crossing one moves exactly one rung per sample.
const (
	stepDownLoss = 0.08
	stepDownRTT  = 400 * time.Millisecond
	stepUpLoss   = 0.01
	stepUpRTT    = 150 * time.Millisecond
)

// Adapter holds the current position on the quality ladder and moves it
// one step at a time as packet-loss / round-trip samples cross the
// thresholds.
type Adapter struct {
	mu     sync.Mutex
	ladder []QualityLevel
	idx    int
}

func NewAdapter(ladder []QualityLevel) *Adapter {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	return &Adapter{ladder: ladder}
}

// Current returns the active quality level.
func (a *Adapter) Current() QualityLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ladder[a.idx]
}

// Evaluate feeds one statistics sample and reports the (possibly moved)
// level and whether it changed.
func (a *Adapter) Evaluate(fractionLost float64, rtt time.Duration) (QualityLevel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case fractionLost > stepDownLoss || rtt > stepDownRTT:
		if a.idx < len(a.ladder)-1 {
			a.idx++
			return a.ladder[a.idx], true
		}
	case fractionLost < stepUpLoss && rtt < stepUpRTT:
		if a.idx > 0 {
			a.idx--
			return a.ladder[a.idx], true
		}
	}
	return a.ladder[a.idx], false
}

// Reset drops back to the best level, used when a call restarts.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idx = 0
}
