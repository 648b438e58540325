package gateway

import (
	"context"
	"fmt"
)

// Axis selects which of the two vertical axes a move command drives.
type Axis int

const (
	AxisInserterZ Axis = iota
	AxisNeedleZ
)

func (a Axis) String() string {
	switch a {
	case AxisInserterZ:
		return "inserter_z"
	case AxisNeedleZ:
		return "needle_z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// RobotState is a snapshot of the two axis encoders.
// Positions are absolute microns in the inserter reference frame; an
// increase moves towards the brain surface (down), a decrease away (up).
// NeedleZ is relative to InserterZ.
type RobotState struct {
	InserterZ int64 `json:"inserter_z"`
	NeedleZ   int64 `json:"needle_z"`
}

// Gateway is the request/response surface over the robot hardware and the
// OCT surface sensor. All three operations suspend the caller; CommandMove
// suspends for the full duration of the physical motion and its Ok return
// is ground truth for the final position.
//
// The gateway performs no retries. Retry policy belongs to the controller
// so that the state machine stays in charge of whether retrying is safe.
type Gateway interface {
	// CommandMove drives the selected axis to an absolute target in
	// microns. Returns nil on arrival, MoveError/ConnectionError on a
	// transient failure, PositionError when the robot has lost
	// localisation.
	CommandMove(ctx context.Context, axis Axis, targetUM int64) error

	// RobotState reports both encoders. Cheap (<1ms nominal).
	RobotState(ctx context.Context) (RobotState, error)

	// SurfaceDistance reads the distance from the inserter reference
	// plane to the brain surface in microns. ~15ms nominal latency;
	// callers must leave at least 5ms between initiations but may keep
	// several reads in flight.
	SurfaceDistance(ctx context.Context) (int64, error)
}
