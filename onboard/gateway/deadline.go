package gateway

import (
	"context"
	"time"
)

// Default wall-clock deadlines per operation. Moves are bounded by the
// longest physical travel plus margin; reads by their nominal latency
// plus margin.
const (
	MOVE_DEADLINE  = 2 * time.Second
	STATE_DEADLINE = 50 * time.Millisecond
	OCT_DEADLINE   = 100 * time.Millisecond
)

// Deadline wraps a Gateway and applies an absolute wall-clock deadline to
// every call. Exceeding a deadline surfaces as a ConnectionError, per the
// controller's error taxonomy. The wrapped call itself is not interrupted;
// the robot's physical motion cannot be cancelled, so a move that outlives
// its deadline runs to completion in the background and its result is
// discarded.
type Deadline struct {
	Next  Gateway
	Move  time.Duration
	State time.Duration
	Oct   time.Duration
}

func NewDeadline(next Gateway) *Deadline {
	return &Deadline{
		Next:  next,
		Move:  MOVE_DEADLINE,
		State: STATE_DEADLINE,
		Oct:   OCT_DEADLINE,
	}
}

func (d *Deadline) CommandMove(ctx context.Context, axis Axis, targetUM int64) error {
	done := make(chan error, 1)
	go func() {
		done <- d.Next.CommandMove(ctx, axis, targetUM)
	}()

	select {
	case err := <-done:
		return AsConnection(err)
	case <-time.After(d.Move):
		return ConnectionError{Msg: "move deadline exceeded"}
	case <-ctx.Done():
		return AsConnection(ctx.Err())
	}
}

func (d *Deadline) RobotState(ctx context.Context) (RobotState, error) {
	type result struct {
		state RobotState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := d.Next.RobotState(ctx)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.state, AsConnection(r.err)
	case <-time.After(d.State):
		return RobotState{}, ConnectionError{Msg: "state deadline exceeded"}
	case <-ctx.Done():
		return RobotState{}, AsConnection(ctx.Err())
	}
}

func (d *Deadline) SurfaceDistance(ctx context.Context) (int64, error) {
	type result struct {
		dist int64
		err  error
	}
	done := make(chan result, 1)
	go func() {
		dist, err := d.Next.SurfaceDistance(ctx)
		done <- result{dist, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			// sensor faults keep their own kind; only plumbing errors fold
			if IsOct(r.err) {
				return 0, r.err
			}
			return 0, OctError{Msg: r.err.Error()}
		}
		return r.dist, nil
	case <-time.After(d.Oct):
		return 0, OctError{Msg: "oct deadline exceeded"}
	case <-ctx.Done():
		return 0, OctError{Msg: ctx.Err().Error()}
	}
}
