package main

import (
	"net/http"

	"github.com/CodedInternet/goinserter/onboard/control"
	"github.com/go-chi/render"
)

//---
// Render helpers
//---

type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

func ErrRender(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusUnprocessableEntity,
		StatusText:     "Error rendering response.",
		ErrorText:      err.Error(),
	}
}

func ErrPermissionDenied(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusForbidden,
		StatusText:     "Permission denied.",
		ErrorText:      err.Error(),
	}
}

func ErrUnauthorized(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusUnauthorized,
		StatusText:     "Unauthorized.",
		ErrorText:      err.Error(),
	}
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

//---
// Payloads
//---

type InsertPayload struct {
	DepthUM int64 `json:"depth_um"`
}

func (p *InsertPayload) Bind(r *http.Request) error {
	return nil
}

type OutcomeResponse struct {
	Ok      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

func outcomeResponse(out control.Outcome) OutcomeResponse {
	return OutcomeResponse{Ok: out.Ok(), Outcome: out.String()}
}

//---
// Views
//---

// StateView reports the live controller snapshot.
func StateView(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ENV.Device.Snapshot())
}

// CalibrateView runs a full calibration cycle. Blocks until terminal.
func CalibrateView(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, outcomeResponse(ENV.Device.Calibrate(r.Context())))
}

// InsertView runs a single insertion to the requested depth.
func InsertView(w http.ResponseWriter, r *http.Request) {
	data := &InsertPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	render.JSON(w, r, outcomeResponse(ENV.Device.Insert(r.Context(), data.DepthUM)))
}

// RetractView restages the needle at the premove height.
func RetractView(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, outcomeResponse(ENV.Device.Retract(r.Context())))
}

// PanicView injects an operator panic. Returns immediately; the retract
// completes asynchronously.
func PanicView(w http.ResponseWriter, r *http.Request) {
	ENV.Device.PanicNow("api panic request")
	render.JSON(w, r, OutcomeResponse{Ok: true, Outcome: "panic injected"})
}

// InsertionsView lists the persisted insertion ledger.
func InsertionsView(w http.ResponseWriter, r *http.Request) {
	var records []control.InsertionRecord
	if err := ENV.DB.All(&records); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	render.JSON(w, r, records)
}
