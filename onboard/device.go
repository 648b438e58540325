package onboard

import (
	"context"
	"fmt"
	"time"

	"github.com/CodedInternet/goinserter/onboard/control"
	"github.com/CodedInternet/goinserter/onboard/gateway"
)

// Device is the surface the shell, API and comms layers drive. All
// lifecycle calls block until their terminal outcome.
type Device interface {
	Calibrate(ctx context.Context) control.Outcome
	Insert(ctx context.Context, depthUM int64) control.Outcome
	Retract(ctx context.Context) control.Outcome
	Shutdown(ctx context.Context) control.Outcome
	PanicNow(reason string)
	Snapshot() control.Snapshot
	Subscribe(buffer int) <-chan control.StateChange
}

// Inserter wires a gateway (real or simulated) to the controller.
type Inserter struct {
	ctrl *control.Controller
	sim  *SimulatedArm // nil when driving hardware
}

// NewInserter builds the device from config. The simulated flag forces the
// software arm regardless of the config, mirroring the -sim CLI flag.
func NewInserter(config InserterConfig, simulated bool) (d *Inserter, err error) {
	d = new(Inserter)

	var gw gateway.Gateway
	if simulated || config.Simulator.Enabled {
		d.sim = NewSimulatedArm(config.Simulator)
		gw = d.sim
	} else {
		remote, err := gateway.Dial(config.Robot.Addr)
		if err != nil {
			return nil, fmt.Errorf("unable to reach robot at %s: %v", config.Robot.Addr, err)
		}
		gw = remote
	}

	wrapped := gateway.NewDeadline(gw)
	if ms := config.Robot.MoveDeadlineMS; ms > 0 {
		wrapped.Move = time.Duration(ms) * time.Millisecond
	}
	if ms := config.Robot.StateDeadlineMS; ms > 0 {
		wrapped.State = time.Duration(ms) * time.Millisecond
	}
	if ms := config.Robot.OctDeadlineMS; ms > 0 {
		wrapped.Oct = time.Duration(ms) * time.Millisecond
	}

	d.ctrl = control.New(wrapped, config.Control.Build())
	return d, nil
}

// OnInsertion registers the persistence hook for completed insertions.
// Must be called before Start.
func (d *Inserter) OnInsertion(fn func(control.InsertionRecord)) {
	d.ctrl.OnInsertion = fn
}

// Start launches the control loop and its pollers.
func (d *Inserter) Start() {
	d.ctrl.Start()
}

// Simulator exposes the software arm when running simulated, nil otherwise.
func (d *Inserter) Simulator() *SimulatedArm {
	return d.sim
}

func (d *Inserter) Calibrate(ctx context.Context) control.Outcome {
	return d.ctrl.Calibrate(ctx)
}

func (d *Inserter) Insert(ctx context.Context, depthUM int64) control.Outcome {
	return d.ctrl.Insert(ctx, depthUM)
}

func (d *Inserter) Retract(ctx context.Context) control.Outcome {
	return d.ctrl.Retract(ctx)
}

func (d *Inserter) Shutdown(ctx context.Context) control.Outcome {
	return d.ctrl.Shutdown(ctx)
}

func (d *Inserter) PanicNow(reason string) {
	d.ctrl.Panic(reason)
}

func (d *Inserter) Snapshot() control.Snapshot {
	return d.ctrl.Snapshot()
}

func (d *Inserter) Subscribe(buffer int) <-chan control.StateChange {
	return d.ctrl.Subscribe(buffer)
}

// Done closes once the controller has fully stopped.
func (d *Inserter) Done() <-chan struct{} {
	return d.ctrl.Done()
}
