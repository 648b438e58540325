package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeRobot answers the wire protocol from a table of canned handlers.
type fakeRobot struct {
	conn   net.Conn
	enc    *json.Encoder
	handle func(req request) response
}

func startFakeRobot(version string, handle func(req request) response) (*fakeRobot, *Remote, error) {
	client, server := net.Pipe()
	f := &fakeRobot{conn: server, enc: json.NewEncoder(server), handle: handle}

	go func() {
		f.enc.Encode(helloMsg{Hello: "inserter-robot", Version: version})
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := f.handle(req)
			resp.ID = req.ID
			f.enc.Encode(resp)
		}
	}()

	remote, err := connect(client)
	return f, remote, err
}

func TestRemoteHandshake(t *testing.T) {
	Convey("a good hello yields a usable gateway", t, func() {
		f, remote, err := startFakeRobot("1.0.3", func(req request) response {
			return response{Ok: true}
		})
		So(err, ShouldBeNil)
		So(remote.Version, ShouldEqual, "1.0.3")
		remote.Close()
		f.conn.Close()
	})

	Convey("an incompatible firmware is refused at connect", t, func() {
		f, remote, err := startFakeRobot("2.4.0", func(req request) response {
			return response{Ok: true}
		})
		So(err, ShouldNotBeNil)
		So(remote, ShouldBeNil)
		f.conn.Close()
	})
}

func TestRemoteRoundTrip(t *testing.T) {
	f, remote, err := startFakeRobot("1.0.0", func(req request) response {
		switch req.Op {
		case OP_STATE:
			return response{Ok: true, InserterZ: 4200, NeedleZ: 17}
		case OP_DISTANCE:
			return response{Ok: true, Distance: 6900}
		case OP_MOVE:
			if req.Target < 0 {
				return response{Ok: false, Error: &wireError{Kind: "position", Msg: "target out of range"}}
			}
			return response{Ok: true}
		}
		return response{Ok: false, Error: &wireError{Kind: "connection", Msg: "unknown op"}}
	})
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer remote.Close()
	defer f.conn.Close()

	Convey("state and distance reads decode their payloads", t, func() {
		state, err := remote.RobotState(context.Background())
		So(err, ShouldBeNil)
		So(state, ShouldResemble, RobotState{InserterZ: 4200, NeedleZ: 17})

		dist, err := remote.SurfaceDistance(context.Background())
		So(err, ShouldBeNil)
		So(dist, ShouldEqual, 6900)
	})

	Convey("moves acknowledge and wire errors keep their kind", t, func() {
		So(remote.CommandMove(context.Background(), AxisNeedleZ, 100), ShouldBeNil)

		err := remote.CommandMove(context.Background(), AxisNeedleZ, -1)
		So(IsFatal(err), ShouldBeTrue)
	})

	Convey("a closed link fails pending calls as connection errors", t, func() {
		remote.Close()
		f.conn.Close()
		err := remote.CommandMove(context.Background(), AxisNeedleZ, 100)
		So(IsTransient(err), ShouldBeTrue)
	})
}
