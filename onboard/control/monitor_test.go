package control

import (
	"errors"
	"testing"
	"time"

	"github.com/CodedInternet/goinserter/onboard/gateway"
	"github.com/CodedInternet/goinserter/onboard/predict"
	. "github.com/smartystreets/goconvey/convey"
)

var errFake = errors.New("fake")

func gatewayState(inserter, needle int64) gateway.RobotState {
	return gateway.RobotState{InserterZ: inserter, NeedleZ: needle}
}

func flatPrediction(origin time.Time, level float64) *predict.Prediction {
	return &predict.Prediction{A: level, Origin: origin}
}

func goodSample(at time.Time, dist int64) predict.Sample {
	return predict.Sample{RequestedAt: at, CompletedAt: at.Add(15 * time.Millisecond), Distance: dist}
}

func faultSample(at time.Time) predict.Sample {
	return predict.Sample{RequestedAt: at, CompletedAt: at.Add(15 * time.Millisecond), Err: gateway.OctError{Msg: "no signal"}}
}

func TestMonitorDeviation(t *testing.T) {
	now := time.Now()
	p := flatPrediction(now, 5000)

	Convey("one sample beyond the threshold does not panic", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(goodSample(now, 5200), p), ShouldBeEmpty)
	})

	Convey("exactly two consecutive deviations panic", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(goodSample(now, 5200), p), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(5*time.Millisecond), 5190), p), ShouldNotBeEmpty)
	})

	Convey("a clean sample in between resets the streak", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(goodSample(now, 5200), p), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(5*time.Millisecond), 5010), p), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(10*time.Millisecond), 5200), p), ShouldBeEmpty)
	})

	Convey("deviations exactly at the floor do not count", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(goodSample(now, 5150), p), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(5*time.Millisecond), 5150), p), ShouldBeEmpty)
	})

	Convey("the threshold scales with fit sigma", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		noisy := &predict.Prediction{A: 5000, Origin: now, Sigma: 60} // threshold 300
		So(m.Observe(goodSample(now, 5250), noisy), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(5*time.Millisecond), 5250), noisy), ShouldBeEmpty)
	})

	Convey("no prediction suspends deviation checking", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(goodSample(now, 9000), nil), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(5*time.Millisecond), 100), nil), ShouldBeEmpty)
	})
}

func TestMonitorFaults(t *testing.T) {
	now := time.Now()

	Convey("two consecutive faults pass, three panic", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(faultSample(now), nil), ShouldBeEmpty)
		So(m.Observe(faultSample(now.Add(5*time.Millisecond)), nil), ShouldBeEmpty)
		So(m.Observe(faultSample(now.Add(10*time.Millisecond)), nil), ShouldNotBeEmpty)
	})

	Convey("a good sample resets the fault streak", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		So(m.Observe(faultSample(now), nil), ShouldBeEmpty)
		So(m.Observe(faultSample(now.Add(5*time.Millisecond)), nil), ShouldBeEmpty)
		So(m.Observe(goodSample(now.Add(10*time.Millisecond), 5000), nil), ShouldBeEmpty)
		So(m.Observe(faultSample(now.Add(15*time.Millisecond)), nil), ShouldBeEmpty)
	})
}

func TestMonitorStaleness(t *testing.T) {
	now := time.Now()

	Convey("fresh data is quiet", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		m.Observe(goodSample(now, 5000), nil)
		So(m.CheckStale(now.Add(30*time.Millisecond)), ShouldBeEmpty)
	})

	Convey("more than StaleAfter without a valid sample panics", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		m.Observe(goodSample(now, 5000), nil)
		So(m.CheckStale(now.Add(51*time.Millisecond)), ShouldNotBeEmpty)
	})

	Convey("faults do not refresh the staleness clock", t, func() {
		m := NewMonitor(DefaultMonitorConfig())
		m.Reset(now)
		m.Observe(goodSample(now, 5000), nil)
		m.Observe(faultSample(now.Add(40*time.Millisecond)), nil)
		So(m.CheckStale(now.Add(60*time.Millisecond)), ShouldNotBeEmpty)
	})
}
