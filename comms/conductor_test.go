package comms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CodedInternet/goinserter/onboard/control"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
)

// scriptedDevice records lifecycle calls and serves canned outcomes.
type scriptedDevice struct {
	mu      sync.Mutex
	calls   []string
	depths  []int64
	changes chan control.StateChange
}

func newScriptedDevice() *scriptedDevice {
	return &scriptedDevice{changes: make(chan control.StateChange, 8)}
}

func (d *scriptedDevice) note(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *scriptedDevice) Calibrate(ctx context.Context) control.Outcome {
	d.note("calibrate")
	return control.Ok()
}

func (d *scriptedDevice) Insert(ctx context.Context, depthUM int64) control.Outcome {
	d.note("insert")
	d.mu.Lock()
	d.depths = append(d.depths, depthUM)
	d.mu.Unlock()
	return control.Aborted("not calibrated")
}

func (d *scriptedDevice) Retract(ctx context.Context) control.Outcome {
	d.note("retract")
	return control.Ok()
}

func (d *scriptedDevice) Shutdown(ctx context.Context) control.Outcome {
	d.note("shutdown")
	return control.Ok()
}

func (d *scriptedDevice) PanicNow(reason string) {
	d.note("panic")
}

func (d *scriptedDevice) Snapshot() control.Snapshot {
	return control.Snapshot{State: control.OutOfBrainUncalibrated, Distance: 7000}
}

func (d *scriptedDevice) Subscribe(buffer int) <-chan control.StateChange {
	return d.changes
}

func (d *scriptedDevice) called(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c == name {
			return true
		}
	}
	return false
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func dialConductor(t *testing.T, conductor *Conductor) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conductor.AddClient(conn)
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestConductorCommands(t *testing.T) {
	device := newScriptedDevice()
	conductor := &Conductor{Device: device}

	conn, cleanup := dialConductor(t, conductor)
	defer cleanup()

	Convey("commands route to the device and outcomes come back", t, func() {
		So(conn.WriteJSON(Cmd{Cmd: "insert", Value: 800}), ShouldBeNil)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var payload OutcomePayload
		So(conn.ReadJSON(&payload), ShouldBeNil)
		So(payload.Type, ShouldEqual, "outcome")
		So(payload.Cmd, ShouldEqual, "insert")
		So(payload.Ok, ShouldBeFalse)

		device.mu.Lock()
		So(device.depths, ShouldResemble, []int64{800})
		device.mu.Unlock()
	})

	Convey("panic commands reach the device immediately", t, func() {
		So(conn.WriteJSON(Cmd{Cmd: "panic"}), ShouldBeNil)

		deadline := time.Now().Add(time.Second)
		for !device.called("panic") && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		So(device.called("panic"), ShouldBeTrue)
	})

	Convey("garbage input is answered, not fatal", t, func() {
		So(conn.WriteMessage(websocket.TextMessage, []byte("{nope")), ShouldBeNil)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var payload OutcomePayload
		So(conn.ReadJSON(&payload), ShouldBeNil)
		So(payload.Outcome, ShouldEqual, "invalid json")
	})
}

func TestConductorStateBroadcast(t *testing.T) {
	device := newScriptedDevice()
	conductor := &Conductor{Device: device}

	conn, cleanup := dialConductor(t, conductor)
	defer cleanup()

	go conductor.UpdateClients()

	Convey("state payloads stream to connected clients", t, func() {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var payload StatePayload
		for payload.Type != "state" {
			_, msg, err := conn.ReadMessage()
			So(err, ShouldBeNil)
			So(json.Unmarshal(msg, &payload), ShouldBeNil)
		}

		So(payload.State, ShouldEqual, "OutOfBrainUncalibrated")
		So(payload.Distance, ShouldEqual, 7000)
	})
}
