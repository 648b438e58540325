// Package predict fits a local quadratic model of brain surface distance
// against time and solves for one-shot insertion targets. It is pure: the
// controller owns the sample buffers and hands slices in.
package predict

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	ErrInsufficientData = errors.New("insufficient data for prediction")
	ErrNoisyFit         = errors.New("fit residual exceeds sigma bound")
)

// Sample is one timed surface distance observation. RequestedAt is stamped
// when the read was launched, CompletedAt when the result was observed.
// Err non-nil marks a sensor fault; faulted samples carry no distance.
type Sample struct {
	RequestedAt time.Time
	CompletedAt time.Time
	Distance    int64 // microns
	Err         error
}

// Fault reports whether the sample is a sensor fault.
func (s Sample) Fault() bool {
	return s.Err != nil
}

// Config bounds the fit window.
type Config struct {
	MinSamples int           // minimum consecutive non-fault samples
	MinSpan    time.Duration // request-time span the window must cover
	MaxSpan    time.Duration // request-time span the window is clipped to
	MaxAge     time.Duration // oldest admissible sample, relative to now
	SigmaBound float64       // residual standard deviation ceiling, microns
}

// DefaultConfig returns the tuning used by the controller when the device
// config does not override it.
func DefaultConfig() Config {
	return Config{
		MinSamples: 8,
		MinSpan:    40 * time.Millisecond,
		MaxSpan:    300 * time.Millisecond,
		MaxAge:     300 * time.Millisecond,
		SigmaBound: 25,
	}
}

// Prediction models surface distance as
//
//	d(t) ≈ A + B·Δt + C·Δt²   (µm, Δt in ms from Origin)
//
// where Origin is the newest sample's request time, so Δt is negative over
// the fit window and positive when projecting forward.
type Prediction struct {
	A, B, C float64
	Origin  time.Time
	Sigma   float64 // residual standard deviation, µm

	WindowStart time.Time // oldest request time in the fit window
	WindowEnd   time.Time // newest request time in the fit window
	N           int
}

// At projects the fitted model to time t.
func (p *Prediction) At(t time.Time) float64 {
	dt := float64(t.Sub(p.Origin)) / float64(time.Millisecond)
	return p.A + p.B*dt + p.C*dt*dt
}

// Fit performs an ordinary least squares quadratic fit over the trailing
// consecutive run of non-fault samples. Samples are sorted by request time
// first; completion order reordering from overlapped sensor reads is
// tolerated. Returns ErrInsufficientData when the window constraints
// cannot be met and ErrNoisyFit when the residual exceeds the bound.
func Fit(samples []Sample, now time.Time, cfg Config) (*Prediction, error) {
	if len(samples) == 0 {
		return nil, ErrInsufficientData
	}

	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].RequestedAt.Before(ordered[j].RequestedAt)
	})

	// trailing run of non-fault samples inside the age bound
	oldest := now.Add(-cfg.MaxAge)
	run := make([]Sample, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		if s.Fault() {
			break
		}
		if s.RequestedAt.Before(oldest) {
			break
		}
		run = append(run, s)
	}
	if len(run) < cfg.MinSamples {
		return nil, ErrInsufficientData
	}

	// run is newest-first; clip to MaxSpan behind the newest
	newest := run[0].RequestedAt
	spanFloor := newest.Add(-cfg.MaxSpan)
	n := len(run)
	for n > 0 && run[n-1].RequestedAt.Before(spanFloor) {
		n--
	}
	run = run[:n]
	if len(run) < cfg.MinSamples {
		return nil, ErrInsufficientData
	}

	windowStart := run[len(run)-1].RequestedAt
	if newest.Sub(windowStart) < cfg.MinSpan {
		return nil, ErrInsufficientData
	}

	p := regress(run, newest)
	if p == nil {
		return nil, ErrInsufficientData
	}
	p.WindowStart = windowStart
	p.WindowEnd = newest
	p.N = len(run)

	if cfg.SigmaBound > 0 && p.Sigma > cfg.SigmaBound {
		return nil, ErrNoisyFit
	}

	return p, nil
}

// regress solves the quadratic normal equations over the run (newest
// first). Returns nil when the system is singular, which happens when all
// request times coincide.
func regress(run []Sample, origin time.Time) *Prediction {
	var s0, s1, s2, s3, s4 float64
	var t0, t1, t2 float64

	for _, s := range run {
		x := float64(s.RequestedAt.Sub(origin)) / float64(time.Millisecond)
		y := float64(s.Distance)
		x2 := x * x
		s0++
		s1 += x
		s2 += x2
		s3 += x2 * x
		s4 += x2 * x2
		t0 += y
		t1 += x * y
		t2 += x2 * y
	}

	xtx := mgl64.Mat3{
		s0, s1, s2, // col 0
		s1, s2, s3, // col 1
		s2, s3, s4, // col 2
	}
	if math.Abs(xtx.Det()) < 1e-12 {
		return nil
	}

	w := xtx.Inv().Mul3x1(mgl64.Vec3{t0, t1, t2})
	p := &Prediction{A: w[0], B: w[1], C: w[2], Origin: origin}

	// residual standard deviation, guarded for tiny windows
	var ssr float64
	for _, s := range run {
		x := float64(s.RequestedAt.Sub(origin)) / float64(time.Millisecond)
		r := float64(s.Distance) - (p.A + p.B*x + p.C*x*x)
		ssr += r * r
	}
	dof := float64(len(run) - 3)
	if dof < 1 {
		dof = 1
	}
	p.Sigma = math.Sqrt(ssr / dof)

	return p
}
