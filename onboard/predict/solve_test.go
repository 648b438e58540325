package predict

import (
	"math"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSolveInsertionStaticSurface(t *testing.T) {
	now := time.Now()

	Convey("static surface yields the closed form ramp time", t, func() {
		p := &Prediction{A: 5000, Origin: now}
		ins, err := SolveInsertion(p, 4000, 800, 0.25, now, 20000)
		So(err, ShouldBeNil)

		// startUM + a/4·T² = 5800 → T = √(1800·4/0.25)
		wantT := 2 * math.Sqrt(1800/0.25)
		So(float64(ins.Duration)/float64(time.Millisecond), ShouldAlmostEqual, wantT, 1.5)
		So(ins.Target, ShouldEqual, 5800)
	})

	Convey("zero depth degenerates to the surface itself", t, func() {
		p := &Prediction{A: 5000, Origin: now}
		ins, err := SolveInsertion(p, 4000, 0, 0.25, now, 20000)
		So(err, ShouldBeNil)
		So(ins.Target, ShouldEqual, 5000)
	})
}

func TestSolveInsertionMovingSurface(t *testing.T) {
	now := time.Now()

	Convey("a receding surface is intercepted where it will be, not where it was", t, func() {
		// surface dropping at 5µm/ms
		p := &Prediction{A: 5000, B: 5, Origin: now}
		ins, err := SolveInsertion(p, 4000, 800, 0.25, now, 40000)
		So(err, ShouldBeNil)

		tms := float64(ins.Duration) / float64(time.Millisecond)
		surfaceAtArrival := 5000 + 5*tms
		So(float64(ins.Target), ShouldAlmostEqual, surfaceAtArrival+800, 2)
		// needle position at arrival equals the target
		So(4000+0.25/4*tms*tms, ShouldAlmostEqual, float64(ins.Target), 2)
	})

	Convey("an approaching surface meets the needle sooner", t, func() {
		pStatic := &Prediction{A: 5000, Origin: now}
		pUp := &Prediction{A: 5000, B: -3, Origin: now}

		sStatic, err := SolveInsertion(pStatic, 4000, 800, 0.25, now, 40000)
		So(err, ShouldBeNil)
		sUp, err := SolveInsertion(pUp, 4000, 800, 0.25, now, 40000)
		So(err, ShouldBeNil)

		So(sUp.Duration, ShouldBeLessThan, sStatic.Duration)
		So(sUp.Target, ShouldBeLessThan, sStatic.Target)
	})

	Convey("an intercept beyond the travel allowance is refused", t, func() {
		// surface running away faster than the needle can ever close
		p := &Prediction{A: 5000, B: 500, Origin: now}
		_, err := SolveInsertion(p, 4000, 800, 0.25, now, 10000)
		So(err, ShouldEqual, ErrNoIntercept)
	})
}
