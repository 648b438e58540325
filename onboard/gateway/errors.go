package gateway

import (
	"context"
	"errors"
	"fmt"
)

// MoveError reports a failed or partial motion. Transient.
type MoveError struct {
	Msg string
}

func (err MoveError) Error() string {
	return fmt.Sprintf("move error: %s", err.Msg)
}

// ConnectionError reports lost or timed out communication with the robot.
// Transient.
type ConnectionError struct {
	Msg string
}

func (err ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", err.Msg)
}

// PositionError means the robot has lost localisation. Fatal; no further
// motion can be trusted until the hardware is re-homed out of band.
type PositionError struct {
	Msg string
}

func (err PositionError) Error() string {
	return fmt.Sprintf("position error: %s", err.Msg)
}

// OctError reports a failed surface distance acquisition. Samples carrying
// it are excluded from prediction and counted by the panic monitor.
type OctError struct {
	Msg string
}

func (err OctError) Error() string {
	return fmt.Sprintf("oct error: %s", err.Msg)
}

// IsTransient reports whether err is safe to retry outside the brain.
func IsTransient(err error) bool {
	var me MoveError
	var ce ConnectionError
	return errors.As(err, &me) || errors.As(err, &ce)
}

// IsFatal reports whether err invalidates the robot's own position model.
func IsFatal(err error) bool {
	var pe PositionError
	return errors.As(err, &pe)
}

// IsOct reports whether err is a sensor fault.
func IsOct(err error) bool {
	var oe OctError
	return errors.As(err, &oe)
}

// AsConnection folds context deadline/cancellation errors into the
// transient taxonomy so callers only ever see gateway error kinds.
func AsConnection(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ConnectionError{Msg: err.Error()}
	}
	return err
}
