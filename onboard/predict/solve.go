package predict

import (
	"errors"
	"math"
	"time"

	"github.com/CodedInternet/goinserter/calcs"
)

var (
	ErrNoIntercept = errors.New("no trajectory intercept inside travel limit")
)

// Insertion is a solved one-shot in-brain motion: command the needle to
// Target and it arrives there, at rest, at Issue+Duration, where Target is
// the predicted surface position at that instant plus the commanded depth.
type Insertion struct {
	Target   int64 // absolute needle target, µm
	Duration time.Duration
	Surface  float64 // predicted surface at arrival, µm
}

// SolveInsertion finds the earliest T ≥ 0 at which a needle starting at
// rest from startUM and driven with the bang-bang profile d = ¼·a·T²
// meets the predicted surface plus depthUM:
//
//	startUM + ¼·a·T² = d̂(issue+T) + depthUM
//
// a is the needle acceleration in µm/ms², maxTravelUM bounds the search.
// The in-brain dwell stays short enough that the needle never reaches its
// velocity ceiling, so the ramp model is exact against the robot's
// trapezoidal profile.
func SolveInsertion(p *Prediction, startUM, depthUM int64, accel float64, issue time.Time, maxTravelUM int64) (Insertion, error) {
	if accel <= 0 || maxTravelUM <= 0 {
		return Insertion{}, ErrNoIntercept
	}

	f := func(tms float64) float64 {
		pos := float64(startUM) + accel/4*tms*tms
		return pos - (p.At(issue.Add(time.Duration(tms*float64(time.Millisecond)))) + float64(depthUM))
	}

	// time to exhaust the full travel allowance
	tmax := 2 * math.Sqrt(float64(maxTravelUM)/accel)

	root, err := calcs.EarliestRoot(f, 0, tmax, 1.0)
	if err != nil {
		return Insertion{}, ErrNoIntercept
	}

	arrival := issue.Add(time.Duration(root * float64(time.Millisecond)))
	surface := p.At(arrival)

	return Insertion{
		Target:   int64(math.Round(surface + float64(depthUM))),
		Duration: time.Duration(root * float64(time.Millisecond)),
		Surface:  surface,
	}, nil
}
