package control

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/CodedInternet/goinserter/onboard/gateway"
	"github.com/CodedInternet/goinserter/onboard/predict"
)

// Config carries the controller tuning. All durations are wall clock; all
// distances are microns.
type Config struct {
	SurfacePollPeriod time.Duration // spacing between surface read initiations
	RobotPollPeriod   time.Duration // robot state poll pacing
	BufferCap         int

	Fit             predict.Config // monitor/background fit window
	InsertFitMaxAge time.Duration  // freshness gate on the pre-insert fit window

	PremoveMargin int64         // staging clearance above the closest observed surface
	CalibObserve  time.Duration // fault-free span required before computing PREMOVE

	Monitor MonitorConfig

	DwellLimit  time.Duration // ceiling from in-brain issue to Ok
	NeedleAccel float64       // µm/ms², trajectory solver input
	MaxTravel   int64         // µm, absolute ceiling on any commanded needle target
	MaxDepth    int64         // µm, ceiling on a commanded insertion depth

	// Insertions prefer the moment the surface crests or bottoms out:
	// with the slope near zero the quadratic extrapolates cleanest, which
	// is worth tens of microns of landing error on a swaying surface.
	// After MinTriggerWait without such a moment any valid fit is taken.
	MinTriggerSlope float64       // µm/ms; 0 disables the preference
	MinTriggerWait  time.Duration // how long to hold out for an extremum
}

func DefaultConfig() Config {
	return Config{
		SurfacePollPeriod: 5 * time.Millisecond,
		RobotPollPeriod:   5 * time.Millisecond,
		BufferCap:         BUFFER_CAP,
		Fit:               predict.DefaultConfig(),
		InsertFitMaxAge:   150 * time.Millisecond,
		PremoveMargin:     200,
		CalibObserve:      300 * time.Millisecond,
		Monitor:           DefaultMonitorConfig(),
		DwellLimit:        500 * time.Millisecond,
		NeedleAccel:       0.25,
		MaxTravel:         20000,
		MaxDepth:          7000,
		MinTriggerSlope:   0.5,
		MinTriggerWait:    1500 * time.Millisecond,
	}
}

// InsertionRecord captures the terminal result of one insert request.
type InsertionRecord struct {
	ID        int       `storm:"increment"`
	Depth     int64     `json:"depth"`
	Target    int64     `json:"target"`
	Surface   float64   `json:"surface"` // predicted surface at arrival
	IssuedAt  time.Time `json:"issued_at"`
	Duration  int64     `json:"duration_ms"` // issue to acknowledgment
	Outcome   string    `json:"outcome"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time view of the controller, served from inside
// the event loop so it is always coherent.
type Snapshot struct {
	State       State              `json:"state"`
	Premove     int64              `json:"premove"`
	Panicked    bool               `json:"panicked"`
	PanicReason string             `json:"panic_reason,omitempty"`
	Robot       gateway.RobotState `json:"robot"`
	RobotAt     time.Time          `json:"robot_at"`
	Distance    int64              `json:"distance"`
	DistanceAt  time.Time          `json:"distance_at"`
	Samples     int                `json:"samples"`
}

type opKind int

const (
	opCalibrate opKind = iota
	opInsert
	opRetract
	opShutdown
	opPanic
	opSnapshot
	opSubscribe
)

type op struct {
	kind   opKind
	depth  int64
	reason string

	reply chan Outcome
	snap  chan Snapshot
	sub   chan StateChange
}

type moveTag int

const (
	tagCalibHome moveTag = iota
	tagPremove
	tagInsert
	tagPanicHome
	tagShutdownHome
)

type pendingMove struct {
	tag      moveTag
	axis     gateway.Axis
	target   int64
	issuedAt time.Time
}

type moveResult struct {
	pendingMove
	completedAt time.Time
	err         error
}

type seqKind int

const (
	seqCalibrate seqKind = iota
	seqInsert
	seqRetract
	seqPanic
)

// sequence steps
const (
	stepHome = iota
	stepObserve
	stepPremove
	stepWaitFit
	stepInBrain
	stepRetractPremove
)

type sequence struct {
	kind seqKind
	step int
	op   *op // replied to when the sequence terminates; may be nil

	depth     int64
	insertion predict.Insertion
	startedAt time.Time // when the insert request was accepted
	issuedAt  time.Time // when the in-brain move was issued
	lastError string
}

// Controller is the authoritative lifecycle owner. A single event-loop
// goroutine (run) exclusively owns every field below the channel block;
// all cross-goroutine traffic happens over the channels. This is the
// cooperative single-context design: a state check and the motion issue it
// guards execute inside one event handler with no suspension in between,
// and the panic flag is observed between every two events.
type Controller struct {
	gw  gateway.Gateway
	cfg Config

	// OnInsertion, when set before Start, is invoked (on its own
	// goroutine) with the record of every completed insert request.
	OnInsertion func(InsertionRecord)

	ops     chan *op
	distCh  chan predict.Sample
	robotCh chan RobotSample
	moveCh  chan moveResult
	quit    chan struct{}
	done    chan struct{}

	// ---- owned by run() exclusively ----
	state       State
	premove     int64
	panicked    bool
	panicReason string
	fatalReason string

	distances *SampleBuffer
	robots    *RobotBuffer
	monitor   *Monitor
	fit       *predict.Prediction

	seq         *sequence
	pending     *pendingMove
	shutdownReq *op
	calibMark   time.Time

	surfaceInFlight int
	robotInFlight   bool

	subs []chan StateChange
}

const SURFACE_MAX_IN_FLIGHT = 8

func New(gw gateway.Gateway, cfg Config) *Controller {
	if cfg.SurfacePollPeriod <= 0 {
		cfg = DefaultConfig()
	}

	// calibration needs a longer surface history than steady-state
	// monitoring; size the distance ring to hold the whole observation
	// window with headroom
	distCap := cfg.BufferCap
	if need := int(cfg.CalibObserve/cfg.SurfacePollPeriod) * 2; need > distCap {
		distCap = need
	}

	return &Controller{
		gw:        gw,
		cfg:       cfg,
		ops:       make(chan *op),
		distCh:    make(chan predict.Sample, cfg.BufferCap),
		robotCh:   make(chan RobotSample, 8),
		moveCh:    make(chan moveResult, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     OutOfBrainUncalibrated,
		distances: NewSampleBuffer(distCap),
		robots:    NewRobotBuffer(cfg.BufferCap),
		monitor:   NewMonitor(cfg.Monitor),
	}
}

// Start launches the event loop and both pollers.
func (c *Controller) Start() {
	go c.run()
}

// Done closes once the controller has fully stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

//---
// Upward interface
//---

func (c *Controller) Calibrate(ctx context.Context) Outcome {
	return c.do(ctx, &op{kind: opCalibrate, reply: make(chan Outcome, 1)})
}

func (c *Controller) Insert(ctx context.Context, depthUM int64) Outcome {
	return c.do(ctx, &op{kind: opInsert, depth: depthUM, reply: make(chan Outcome, 1)})
}

func (c *Controller) Retract(ctx context.Context) Outcome {
	return c.do(ctx, &op{kind: opRetract, reply: make(chan Outcome, 1)})
}

func (c *Controller) Shutdown(ctx context.Context) Outcome {
	return c.do(ctx, &op{kind: opShutdown, reply: make(chan Outcome, 1)})
}

// Panic injects an external panic trigger. Non-blocking; the retract
// begins at the loop's next event boundary.
func (c *Controller) Panic(reason string) {
	o := &op{kind: opPanic, reason: reason, reply: make(chan Outcome, 1)}
	select {
	case c.ops <- o:
	case <-c.done:
	}
}

// Snapshot returns a coherent view of the controller state.
func (c *Controller) Snapshot() Snapshot {
	o := &op{kind: opSnapshot, snap: make(chan Snapshot, 1)}
	select {
	case c.ops <- o:
	case <-c.done:
		return Snapshot{State: c.state}
	}
	select {
	case s := <-o.snap:
		return s
	case <-c.done:
		return Snapshot{State: c.state}
	}
}

// Subscribe registers a state change listener. Slow listeners miss
// transitions rather than stalling the loop.
func (c *Controller) Subscribe(buffer int) <-chan StateChange {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan StateChange, buffer)
	o := &op{kind: opSubscribe, sub: ch}
	select {
	case c.ops <- o:
	case <-c.done:
		close(ch)
	}
	return ch
}

func (c *Controller) do(ctx context.Context, o *op) Outcome {
	select {
	case c.ops <- o:
	case <-ctx.Done():
		return Aborted("context cancelled")
	case <-c.done:
		return Aborted("controller stopped")
	}

	select {
	case out := <-o.reply:
		return out
	case <-ctx.Done():
		// the sequence runs on regardless; the robot cannot be left
		// mid-lifecycle just because a caller gave up waiting
		return Aborted("context cancelled")
	case <-c.done:
		return Aborted("controller stopped")
	}
}

//---
// Event loop
//---

func (c *Controller) run() {
	defer close(c.done)

	surfaceTick := time.NewTicker(c.cfg.SurfacePollPeriod)
	defer surfaceTick.Stop()
	robotTick := time.NewTicker(c.cfg.RobotPollPeriod)
	defer robotTick.Stop()

	for {
		select {
		case <-c.quit:
			return

		case <-surfaceTick.C:
			c.pollSurface()
			c.checkTimers()

		case <-robotTick.C:
			c.pollRobot()

		case s := <-c.distCh:
			c.surfaceInFlight--
			c.onSurfaceSample(s)

		case r := <-c.robotCh:
			c.robotInFlight = false
			c.onRobotSample(r)

		case m := <-c.moveCh:
			c.onMoveDone(m)

		case o := <-c.ops:
			c.onOp(o)
		}
	}
}

func (c *Controller) pollSurface() {
	if c.surfaceInFlight >= SURFACE_MAX_IN_FLIGHT {
		return
	}
	c.surfaceInFlight++
	reqAt := time.Now()
	go func() {
		dist, err := c.gw.SurfaceDistance(context.Background())
		s := predict.Sample{RequestedAt: reqAt, CompletedAt: time.Now(), Distance: dist, Err: err}
		select {
		case c.distCh <- s:
		case <-c.done:
		}
	}()
}

func (c *Controller) pollRobot() {
	if c.robotInFlight {
		return
	}
	c.robotInFlight = true
	go func() {
		state, err := c.gw.RobotState(context.Background())
		r := RobotSample{At: time.Now(), State: state, Err: err}
		select {
		case c.robotCh <- r:
		case <-c.done:
		}
	}()
}

// checkTimers runs the clock-driven panic conditions: surface staleness
// and the in-brain dwell budget.
func (c *Controller) checkTimers() {
	now := time.Now()

	if c.canPanic() {
		if reason := c.monitor.CheckStale(now); reason != "" {
			c.raisePanic(reason)
		}
	}

	// the dwell budget runs from issue to acknowledgment; the restage
	// back to premove afterwards is not dwell
	if c.state == InBrain && c.seq != nil && c.seq.kind == seqInsert && c.seq.step == stepInBrain {
		if now.Sub(c.seq.issuedAt) > c.cfg.DwellLimit {
			c.raisePanic("in-brain dwell limit exceeded")
		}
	}
}

// canPanic reports whether the monitor is armed: the needle position only
// matters once calibrated.
func (c *Controller) canPanic() bool {
	return c.state == OutOfBrainCalibrated || c.state == InBrain
}

//---
// Event handlers
//---

func (c *Controller) onSurfaceSample(s predict.Sample) {
	c.distances.Append(s)

	if c.canPanic() {
		// evaluate against the fit from before this sample arrived
		if reason := c.monitor.Observe(s, c.fit); reason != "" {
			c.raisePanic(reason)
		}

		// refresh the running fit
		if p, err := predict.Fit(c.distances.Snapshot(), time.Now(), c.cfg.Fit); err == nil {
			c.fit = p
		}
	}

	if c.seq == nil {
		return
	}

	switch {
	case c.seq.kind == seqCalibrate && c.seq.step == stepObserve:
		c.tryComputePremove()
	case c.seq.kind == seqInsert && c.seq.step == stepWaitFit:
		c.tryIssueInsertion()
	}
}

func (c *Controller) onRobotSample(r RobotSample) {
	c.robots.Append(r)

	if r.Err != nil && gateway.IsFatal(r.Err) {
		c.fatal(r.Err.Error())
	}
}

func (c *Controller) onMoveDone(m moveResult) {
	c.pending = nil

	// latch fatal reasons here; the per-tag handler decides when the
	// panic itself is raised so sequence bookkeeping stays coherent
	if m.err != nil && gateway.IsFatal(m.err) && c.fatalReason == "" {
		c.fatalReason = m.err.Error()
	}

	if c.seq == nil {
		// a panic started while this move was in flight and the sequence
		// was already torn down; nothing left to drive
		c.maybeStartPanic()
		return
	}

	switch m.tag {
	case tagPanicHome:
		c.onPanicHomeDone(m)
	case tagCalibHome:
		c.onCalibHomeDone(m)
	case tagPremove:
		c.onPremoveDone(m)
	case tagInsert:
		c.onInsertMoveDone(m)
	case tagShutdownHome:
		c.onShutdownHomeDone(m)
	}

	c.maybeStartPanic()
}

func (c *Controller) onOp(o *op) {
	switch o.kind {
	case opSnapshot:
		o.snap <- c.snapshot()
		return
	case opSubscribe:
		c.subs = append(c.subs, o.sub)
		return
	case opPanic:
		c.raisePanic(o.reason)
		o.reply <- Ok()
		return
	case opShutdown:
		if c.shutdownReq != nil {
			o.reply <- Aborted("shutdown already in progress")
			return
		}
		c.shutdownReq = o
		c.raisePanic("shutdown requested")
		return
	}

	// lifecycle operations are serialized
	if c.seq != nil || c.panicked || c.state == Panicking {
		o.reply <- Aborted("controller busy")
		return
	}
	if c.shutdownReq != nil {
		o.reply <- Aborted("shutting down")
		return
	}

	switch o.kind {
	case opCalibrate:
		c.seq = &sequence{kind: seqCalibrate, step: stepHome, op: o}
		c.issueMove(tagCalibHome, gateway.AxisNeedleZ, HOME)

	case opInsert:
		if c.state != OutOfBrainCalibrated {
			o.reply <- Aborted("not calibrated")
			return
		}
		if o.depth <= 0 {
			o.reply <- Aborted("zero depth")
			return
		}
		if o.depth > c.cfg.MaxDepth {
			o.reply <- Aborted("depth out of range")
			return
		}
		c.seq = &sequence{kind: seqInsert, step: stepWaitFit, op: o, depth: o.depth, startedAt: time.Now()}
		// the next surface samples drive tryIssueInsertion

	case opRetract:
		if c.state != OutOfBrainCalibrated {
			o.reply <- Aborted("not calibrated")
			return
		}
		c.seq = &sequence{kind: seqRetract, step: stepPremove, op: o}
		c.issueMove(tagPremove, gateway.AxisNeedleZ, c.premove)
	}
}

//---
// Calibration
//---

func (c *Controller) onCalibHomeDone(m moveResult) {
	if m.err != nil {
		if gateway.IsTransient(m.err) && !c.panicked {
			c.issueMove(tagCalibHome, gateway.AxisNeedleZ, HOME)
			return
		}
		c.raisePanic("calibration home failed: " + m.err.Error())
		return
	}

	// needle is at HOME; watch the surface for a clean window
	c.calibMark = time.Now()
	c.distances.Clear()
	c.fit = nil
	c.seq.step = stepObserve
	log.Printf("controller: homed, observing surface for %s", c.cfg.CalibObserve)
}

// tryComputePremove finishes calibration once the buffer holds a
// fault-free run covering the observation window.
func (c *Controller) tryComputePremove() {
	samples := c.distances.Since(c.calibMark)
	if len(samples) == 0 {
		return
	}

	// trailing fault-free run
	run := samples
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Fault() {
			run = samples[i+1:]
			break
		}
	}
	if len(run) < 2 {
		return
	}

	span := run[len(run)-1].RequestedAt.Sub(run[0].RequestedAt)
	if span < c.cfg.CalibObserve {
		return
	}

	minDist := run[0].Distance
	for _, s := range run {
		if s.Distance < minDist {
			minDist = s.Distance
		}
	}

	premove := minDist - c.cfg.PremoveMargin
	if premove <= 0 {
		c.finishSeq(Aborted("surface too close to compute staging height"))
		return
	}

	c.premove = premove
	c.seq.step = stepPremove
	c.issueMove(tagPremove, gateway.AxisNeedleZ, c.premove)
	log.Printf("controller: premove computed at %dµm (closest surface %dµm)", premove, minDist)
}

func (c *Controller) onPremoveDone(m moveResult) {
	if m.err != nil {
		if gateway.IsTransient(m.err) && !c.panicked {
			c.issueMove(tagPremove, gateway.AxisNeedleZ, c.premove)
			return
		}
		c.raisePanic("premove failed: " + m.err.Error())
		return
	}

	c.setState(OutOfBrainCalibrated, "staged at premove")
	c.monitor.Reset(time.Now())
	c.finishSeq(Ok())
}

//---
// Insertion
//---

// tryIssueInsertion is the one place an in-brain motion is born. The gate
// check, target solve and command issue are a single non-yielding
// compound, so no panic can interleave between the check and the move.
func (c *Controller) tryIssueInsertion() {
	if c.panicked || c.state != OutOfBrainCalibrated || c.pending != nil {
		return
	}

	now := time.Now()
	fitCfg := c.cfg.Fit
	fitCfg.MaxAge = c.cfg.InsertFitMaxAge

	p, err := predict.Fit(c.distances.Snapshot(), now, fitCfg)
	if err != nil {
		return // wait for better data
	}

	// hold out for a surface extremum while the budget allows
	if c.cfg.MinTriggerSlope > 0 && now.Sub(c.seq.startedAt) < c.cfg.MinTriggerWait {
		if math.Abs(p.B) > c.cfg.MinTriggerSlope {
			return
		}
	}

	ins, err := predict.SolveInsertion(p, c.premove, c.seq.depth, c.cfg.NeedleAccel, now, c.cfg.MaxTravel)
	if err != nil {
		return
	}

	if ins.Target > c.cfg.MaxTravel || ins.Duration > c.cfg.DwellLimit {
		return // no lawful trajectory right now; keep waiting
	}

	c.seq.step = stepInBrain
	c.seq.insertion = ins
	c.seq.issuedAt = now
	c.setState(InBrain, "insertion issued")
	c.issueMove(tagInsert, gateway.AxisNeedleZ, ins.Target)
	log.Printf("controller: in-brain move issued, target %dµm, eta %s", ins.Target, ins.Duration.Round(time.Millisecond))
}

func (c *Controller) onInsertMoveDone(m moveResult) {
	rec := InsertionRecord{
		Depth:    c.seq.depth,
		Target:   c.seq.insertion.Target,
		Surface:  c.seq.insertion.Surface,
		IssuedAt: c.seq.issuedAt,
		Duration: int64(m.completedAt.Sub(c.seq.issuedAt) / time.Millisecond),
	}

	if m.err != nil {
		// the thread is presumed detached the instant the needle moved;
		// a failed or partial in-brain motion cannot be retried
		rec.Outcome = "failed"
		rec.LastError = m.err.Error()
		c.record(rec)
		c.raisePanic("in-brain move failed: " + m.err.Error())
		return
	}

	rec.Outcome = "ok"
	c.record(rec)

	if c.panicked {
		// dwell overrun or a monitor trip during the motion; the retract
		// to HOME supersedes the return to premove
		return
	}

	c.seq.step = stepRetractPremove
	c.issueMove(tagPremove, gateway.AxisNeedleZ, c.premove)
}

func (c *Controller) record(rec InsertionRecord) {
	if c.OnInsertion != nil {
		go c.OnInsertion(rec)
	}
}

//---
// Panic
//---

// raisePanic latches the panic flag. The retract begins as soon as no
// uncancellable move is in flight. Panicking is absorbing: a second panic
// only amends the reason log.
func (c *Controller) raisePanic(reason string) {
	if c.state == Panicking {
		return
	}
	if !c.panicked {
		c.panicReason = reason
		log.Printf("controller: PANIC: %s", reason)
	}
	c.panicked = true
	c.maybeStartPanic()
}

func (c *Controller) maybeStartPanic() {
	if !c.panicked || c.state == Panicking {
		return
	}
	if c.pending != nil {
		return // motion cannot be cancelled; handled on completion
	}

	var aborted *op
	if c.seq != nil && c.seq.op != nil {
		aborted = c.seq.op
	}

	c.setState(Panicking, c.panicReason)
	c.seq = &sequence{kind: seqPanic, step: stepHome, op: aborted}
	c.issueMove(tagPanicHome, gateway.AxisNeedleZ, HOME)
}

func (c *Controller) onPanicHomeDone(m moveResult) {
	if m.err != nil {
		// motion toward HOME is always safe: retry through anything;
		// fatal reasons were latched on completion for the terminal reply
		c.issueMove(tagPanicHome, gateway.AxisNeedleZ, HOME)
		return
	}

	// needle is at HOME
	reason := c.panicReason
	c.panicked = false
	c.panicReason = ""
	c.premove = 0
	c.fit = nil
	c.monitor.Reset(time.Now())
	c.setState(OutOfBrainUncalibrated, "panic retract complete")

	seqOp := c.seq.op
	c.seq = nil

	if seqOp != nil {
		if c.fatalReason != "" {
			seqOp.reply <- Fatal(c.fatalReason)
		} else {
			seqOp.reply <- Aborted("panic: " + reason)
		}
	}
	c.fatalReason = ""

	if c.shutdownReq != nil {
		// one final home command before the tasks stop
		c.seq = &sequence{kind: seqPanic, step: stepHome, op: nil}
		c.issueMove(tagShutdownHome, gateway.AxisNeedleZ, HOME)
	}
}

func (c *Controller) onShutdownHomeDone(m moveResult) {
	if m.err != nil && gateway.IsTransient(m.err) {
		c.issueMove(tagShutdownHome, gateway.AxisNeedleZ, HOME)
		return
	}

	c.seq = nil
	if c.shutdownReq != nil {
		c.shutdownReq.reply <- Ok()
		c.shutdownReq = nil
	}
	for _, sub := range c.subs {
		close(sub)
	}
	c.subs = nil
	close(c.quit)
}

// fatal records a robot localisation failure and panics.
func (c *Controller) fatal(reason string) {
	if c.fatalReason == "" {
		c.fatalReason = reason
	}
	c.raisePanic("position error: " + reason)
}

//---
// Plumbing
//---

func (c *Controller) issueMove(tag moveTag, axis gateway.Axis, target int64) {
	if c.pending != nil {
		// issuing over an in-flight motion violates the serialization
		// invariant; this is a programming error, not a runtime condition
		panic("control: move issued while another is in flight")
	}

	pm := pendingMove{tag: tag, axis: axis, target: target, issuedAt: time.Now()}
	c.pending = &pm

	go func() {
		err := c.gw.CommandMove(context.Background(), axis, target)
		select {
		case c.moveCh <- moveResult{pendingMove: pm, completedAt: time.Now(), err: err}:
		case <-c.done:
		}
	}()
}

func (c *Controller) finishSeq(out Outcome) {
	if c.seq == nil {
		return
	}
	if c.seq.op != nil {
		c.seq.op.reply <- out
	}
	c.seq = nil
}

func (c *Controller) setState(next State, reason string) {
	if next == c.state {
		return
	}
	change := StateChange{From: c.state, To: next, At: time.Now(), Reason: reason}
	c.state = next
	log.Printf("controller: %s -> %s (%s)", change.From, change.To, reason)

	for _, sub := range c.subs {
		select {
		case sub <- change:
		default: // slow subscribers drop transitions
		}
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		State:       c.state,
		Premove:     c.premove,
		Panicked:    c.panicked,
		PanicReason: c.panicReason,
		Samples:     c.distances.Len(),
	}
	if r, ok := c.robots.Last(); ok {
		snap.Robot = r.State
		snap.RobotAt = r.At
	}
	if s, ok := c.distances.Last(); ok && !s.Fault() {
		snap.Distance = s.Distance
		snap.DistanceAt = s.RequestedAt
	}
	return snap
}
