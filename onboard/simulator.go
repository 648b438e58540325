package onboard

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/CodedInternet/goinserter/onboard/gateway"
)

// Needle axis kinematics of the bench robot. The needle never reaches its
// velocity ceiling over in-brain distances, so moves are triangular in
// practice; the trapezoidal branch exists for long retracts.
const (
	SIM_NEEDLE_ACCEL = 0.25 // µm/ms²
	SIM_NEEDLE_VMAX  = 250  // µm/ms
	SIM_INSERTER_VEL = 9.5  // µm/ms

	SIM_OCT_LATENCY = 15 * time.Millisecond
)

// Touchdown records one in-brain landing for test assertions: how deep
// below the actual surface the needle tip ended up.
type Touchdown struct {
	At      time.Time
	NeedleZ int64
	Surface float64
	Depth   float64
}

// SimulatedArm is a software stand-in for the robot and its OCT sensor.
// The brain surface oscillates as base + two sinusoids; sensor reads and
// moves can fail with configured probabilities, failed moves stopping at
// a random fraction of the commanded travel, exactly like a stalled axis.
type SimulatedArm struct {
	mu  sync.Mutex
	cfg SimulatorConfig
	rng *rand.Rand

	start      time.Time
	octLatency time.Duration

	inserterZ int64
	needleZ   int64

	moving    bool
	moveAxis  gateway.Axis
	moveStart time.Time
	moveDur   time.Duration
	startZ    int64
	targetZ   int64

	touchdowns []Touchdown
}

func NewSimulatedArm(cfg SimulatorConfig) (s *SimulatedArm) {
	s = &SimulatedArm{
		cfg:        cfg,
		start:      time.Now(),
		octLatency: SIM_OCT_LATENCY,
	}

	if cfg.BaseUM == 0 {
		s.cfg.BaseUM = 7000
	}
	if cfg.OctLatencyMS > 0 {
		s.octLatency = time.Duration(cfg.OctLatencyMS) * time.Millisecond
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s.rng = rand.New(rand.NewSource(seed))

	return
}

// surfaceAt is the true brain surface distance from the reference plane.
func (s *SimulatedArm) surfaceAt(t time.Time) float64 {
	elapsed := t.Sub(s.start).Seconds()
	d := float64(s.cfg.BaseUM)
	d += s.cfg.Amp1UM * math.Sin(2*math.Pi*s.cfg.Freq1*elapsed)
	d += s.cfg.Amp2UM * math.Sin(2*math.Pi*s.cfg.Freq2*elapsed)
	return d
}

// needleMoveTime is the triangular/trapezoidal travel time for a needle
// move of the given distance.
func needleMoveTime(distUM float64) time.Duration {
	a := float64(SIM_NEEDLE_ACCEL)
	v := float64(SIM_NEEDLE_VMAX)
	dMin := v * v / a

	var totalMS float64
	if distUM < dMin {
		totalMS = 2 * math.Sqrt(distUM/a)
	} else {
		tAccel := v / a
		dAccel := 0.5 * a * tAccel * tAccel
		totalMS = 2*tAccel + (distUM-2*dAccel)/v
	}

	return time.Duration(totalMS * float64(time.Millisecond))
}

// needlePositionAt interpolates a needle move in progress.
func needlePositionAt(startZ, targetZ int64, elapsed, total time.Duration) int64 {
	if elapsed >= total {
		return targetZ
	}

	a := float64(SIM_NEEDLE_ACCEL)
	v := float64(SIM_NEEDLE_VMAX)
	d := math.Abs(float64(targetZ - startZ))
	dir := float64(1)
	if targetZ < startZ {
		dir = -1
	}

	t := float64(elapsed) / float64(time.Millisecond)
	totalT := float64(total) / float64(time.Millisecond)
	dMin := v * v / a

	var travelled float64
	if d < dMin {
		halfT := totalT / 2
		if t <= halfT {
			travelled = 0.5 * a * t * t
		} else {
			peak := a * halfT
			dt := t - halfT
			travelled = d/2 + peak*dt - 0.5*a*dt*dt
		}
	} else {
		tAccel := v / a
		dAccel := 0.5 * a * tAccel * tAccel
		tCruise := totalT - 2*tAccel
		switch {
		case t <= tAccel:
			travelled = 0.5 * a * t * t
		case t <= tAccel+tCruise:
			travelled = dAccel + v*(t-tAccel)
		default:
			dt := t - tAccel - tCruise
			travelled = dAccel + v*tCruise + v*dt - 0.5*a*dt*dt
		}
	}

	return startZ + int64(dir*travelled)
}

func (s *SimulatedArm) CommandMove(ctx context.Context, axis gateway.Axis, targetUM int64) error {
	s.mu.Lock()
	if s.moving {
		s.mu.Unlock()
		return gateway.MoveError{Msg: "move already in progress"}
	}
	if targetUM < 0 {
		s.mu.Unlock()
		return gateway.PositionError{Msg: "target below axis limit"}
	}

	willError := s.cfg.MoveErrorRate > 0 && s.rng.Float64() < s.cfg.MoveErrorRate

	var startZ int64
	if axis == gateway.AxisNeedleZ {
		startZ = s.needleZ
	} else {
		startZ = s.inserterZ
	}

	finalZ := targetUM
	if willError {
		// stalled axis: stop at a random fraction of the travel
		frac := s.rng.Float64()
		finalZ = startZ + int64(float64(targetUM-startZ)*frac)
	}

	var dur time.Duration
	dist := math.Abs(float64(finalZ - startZ))
	if axis == gateway.AxisNeedleZ {
		dur = needleMoveTime(dist)
	} else {
		dur = time.Duration(dist / SIM_INSERTER_VEL * float64(time.Millisecond))
	}

	s.moving = true
	s.moveAxis = axis
	s.moveStart = time.Now()
	s.moveDur = dur
	s.startZ = startZ
	s.targetZ = finalZ
	s.mu.Unlock()

	time.Sleep(dur)

	s.mu.Lock()
	s.moving = false
	if axis == gateway.AxisNeedleZ {
		s.needleZ = finalZ
		if !willError && targetUM != 0 {
			now := time.Now()
			surface := s.surfaceAt(now) - float64(s.inserterZ)
			s.touchdowns = append(s.touchdowns, Touchdown{
				At:      now,
				NeedleZ: finalZ,
				Surface: surface,
				Depth:   float64(finalZ) - surface,
			})
		}
	} else {
		s.inserterZ = finalZ
	}
	s.mu.Unlock()

	if willError {
		return gateway.MoveError{Msg: "axis stalled during move"}
	}
	return nil
}

func (s *SimulatedArm) RobotState(ctx context.Context) (gateway.RobotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := gateway.RobotState{InserterZ: s.inserterZ, NeedleZ: s.needleZ}
	if s.moving {
		elapsed := time.Since(s.moveStart)
		if s.moveAxis == gateway.AxisNeedleZ {
			state.NeedleZ = needlePositionAt(s.startZ, s.targetZ, elapsed, s.moveDur)
		} else {
			frac := float64(elapsed) / float64(s.moveDur)
			if frac > 1 {
				frac = 1
			}
			state.InserterZ = s.startZ + int64(float64(s.targetZ-s.startZ)*frac)
		}
	}

	return state, nil
}

func (s *SimulatedArm) SurfaceDistance(ctx context.Context) (int64, error) {
	// the measurement is taken at request time; the latency below is the
	// acquisition and transfer delay before the caller sees it
	s.mu.Lock()
	willError := s.cfg.DistanceErrorRate > 0 && s.rng.Float64() < s.cfg.DistanceErrorRate
	dist := int64(s.surfaceAt(time.Now())) - s.inserterZ
	s.mu.Unlock()

	time.Sleep(s.octLatency)

	if willError {
		return 0, gateway.OctError{Msg: "acquisition failed"}
	}
	return dist, nil
}

// Touchdowns returns a copy of the recorded in-brain landings.
func (s *SimulatedArm) Touchdowns() []Touchdown {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Touchdown, len(s.touchdowns))
	copy(out, s.touchdowns)
	return out
}
