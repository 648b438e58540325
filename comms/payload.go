package comms

import (
	"time"

	"github.com/CodedInternet/goinserter/onboard/control"
)

// Cmd is a client command received over the websocket.
type Cmd struct {
	Cmd   string `json:"cmd"`
	Value int64  `json:"value,omitempty"`
}

// StatePayload is the periodic device state broadcast.
type StatePayload struct {
	Type        string    `json:"type"`
	State       string    `json:"state"`
	Premove     int64     `json:"premove"`
	NeedleZ     int64     `json:"needle_z"`
	InserterZ   int64     `json:"inserter_z"`
	Distance    int64     `json:"distance"`
	Panicked    bool      `json:"panicked"`
	PanicReason string    `json:"panic_reason,omitempty"`
	At          time.Time `json:"at"`
}

// OutcomePayload reports the terminal result of a client command.
type OutcomePayload struct {
	Type    string `json:"type"`
	Cmd     string `json:"cmd"`
	Ok      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

func statePayload(snap control.Snapshot) StatePayload {
	return StatePayload{
		Type:        "state",
		State:       snap.State.String(),
		Premove:     snap.Premove,
		NeedleZ:     snap.Robot.NeedleZ,
		InserterZ:   snap.Robot.InserterZ,
		Distance:    snap.Distance,
		Panicked:    snap.Panicked,
		PanicReason: snap.PanicReason,
		At:          time.Now(),
	}
}

func outcomePayload(cmd string, out control.Outcome) OutcomePayload {
	return OutcomePayload{
		Type:    "outcome",
		Cmd:     cmd,
		Ok:      out.Ok(),
		Outcome: out.String(),
	}
}
