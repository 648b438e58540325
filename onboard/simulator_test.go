package onboard

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/CodedInternet/goinserter/onboard/gateway"
	. "github.com/smartystreets/goconvey/convey"
)

func TestNeedleMoveTime(t *testing.T) {
	Convey("short moves are triangular", t, func() {
		// d = ¼·a·T² → T = 2·√(d/a)
		want := 2 * math.Sqrt(1000/SIM_NEEDLE_ACCEL)
		got := float64(needleMoveTime(1000)) / float64(time.Millisecond)
		So(got, ShouldAlmostEqual, want, 1)
	})

	Convey("long moves cruise at the velocity ceiling", t, func() {
		// beyond d_min = v²/a the profile gains a constant velocity leg
		dMin := float64(SIM_NEEDLE_VMAX) * float64(SIM_NEEDLE_VMAX) / SIM_NEEDLE_ACCEL
		d := dMin + 50000

		triangular := 2 * math.Sqrt(d/SIM_NEEDLE_ACCEL)
		got := float64(needleMoveTime(d)) / float64(time.Millisecond)
		So(got, ShouldBeGreaterThan, triangular)

		want := 2*(float64(SIM_NEEDLE_VMAX)/SIM_NEEDLE_ACCEL) + 50000/float64(SIM_NEEDLE_VMAX)
		So(got, ShouldAlmostEqual, want, 1)
	})
}

func TestNeedlePositionInterpolation(t *testing.T) {
	total := needleMoveTime(1000)

	Convey("the midpoint of a triangular move is half the travel", t, func() {
		mid := needlePositionAt(0, 1000, total/2, total)
		So(mid, ShouldAlmostEqual, 500, 5)
	})

	Convey("start, end and beyond clamp correctly", t, func() {
		So(needlePositionAt(0, 1000, 0, total), ShouldEqual, 0)
		So(needlePositionAt(0, 1000, total, total), ShouldEqual, 1000)
		So(needlePositionAt(0, 1000, total+time.Second, total), ShouldEqual, 1000)
	})

	Convey("downward moves interpolate symmetrically", t, func() {
		mid := needlePositionAt(1000, 0, total/2, total)
		So(mid, ShouldAlmostEqual, 500, 5)
	})
}

func TestSimulatedArmMoves(t *testing.T) {
	Convey("a clean move lands on target and reports state en route", t, func() {
		s := NewSimulatedArm(SimulatorConfig{BaseUM: 7000, Seed: 1})

		done := make(chan error, 1)
		go func() { done <- s.CommandMove(context.Background(), gateway.AxisNeedleZ, 1000) }()

		time.Sleep(needleMoveTime(1000) / 2)
		state, err := s.RobotState(context.Background())
		So(err, ShouldBeNil)
		So(state.NeedleZ, ShouldBeGreaterThan, 0)
		So(state.NeedleZ, ShouldBeLessThan, 1000)

		So(<-done, ShouldBeNil)
		state, _ = s.RobotState(context.Background())
		So(state.NeedleZ, ShouldEqual, 1000)
	})

	Convey("negative targets are a position error", t, func() {
		s := NewSimulatedArm(SimulatorConfig{Seed: 1})
		err := s.CommandMove(context.Background(), gateway.AxisNeedleZ, -5)
		So(gateway.IsFatal(err), ShouldBeTrue)
	})

	Convey("a certain move error stalls short of the target", t, func() {
		s := NewSimulatedArm(SimulatorConfig{MoveErrorRate: 1, Seed: 7})
		err := s.CommandMove(context.Background(), gateway.AxisNeedleZ, 1000)
		So(gateway.IsTransient(err), ShouldBeTrue)

		state, _ := s.RobotState(context.Background())
		So(state.NeedleZ, ShouldBeLessThan, 1000)
	})

	Convey("in-brain landings are recorded with their depth", t, func() {
		s := NewSimulatedArm(SimulatorConfig{BaseUM: 5000, Seed: 1})
		So(s.CommandMove(context.Background(), gateway.AxisNeedleZ, 5800), ShouldBeNil)

		tds := s.Touchdowns()
		So(len(tds), ShouldEqual, 1)
		So(tds[0].NeedleZ, ShouldEqual, 5800)
		So(tds[0].Depth, ShouldAlmostEqual, 800, 1)

		// a retract to HOME is not a landing
		So(s.CommandMove(context.Background(), gateway.AxisNeedleZ, 0), ShouldBeNil)
		So(len(s.Touchdowns()), ShouldEqual, 1)
	})
}

func TestSimulatedArmSensor(t *testing.T) {
	Convey("a still surface reads the base distance", t, func() {
		s := NewSimulatedArm(SimulatorConfig{BaseUM: 7000, OctLatencyMS: 1, Seed: 1})
		dist, err := s.SurfaceDistance(context.Background())
		So(err, ShouldBeNil)
		So(dist, ShouldEqual, 7000)
	})

	Convey("the reading is relative to the inserter reference", t, func() {
		s := NewSimulatedArm(SimulatorConfig{BaseUM: 7000, OctLatencyMS: 1, Seed: 1})
		So(s.CommandMove(context.Background(), gateway.AxisInserterZ, 2000), ShouldBeNil)

		dist, err := s.SurfaceDistance(context.Background())
		So(err, ShouldBeNil)
		So(dist, ShouldEqual, 5000)
	})

	Convey("an oscillating surface moves between reads", t, func() {
		s := NewSimulatedArm(SimulatorConfig{BaseUM: 3000, Amp1UM: 500, Freq1: 5, OctLatencyMS: 1, Seed: 1})

		a, _ := s.SurfaceDistance(context.Background())
		time.Sleep(60 * time.Millisecond)
		b, _ := s.SurfaceDistance(context.Background())
		So(a, ShouldNotEqual, b)
	})

	Convey("a certain sensor fault surfaces as an oct error", t, func() {
		s := NewSimulatedArm(SimulatorConfig{DistanceErrorRate: 1, OctLatencyMS: 1, Seed: 1})
		_, err := s.SurfaceDistance(context.Background())
		So(gateway.IsOct(err), ShouldBeTrue)
	})
}
