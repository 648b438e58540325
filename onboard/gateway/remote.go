package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"
)

// Wire protocol: newline-delimited JSON over TCP. The robot controller
// sends a hello line on connect, then answers each tagged request with a
// response carrying the same id. Responses may arrive out of request
// order; moves acknowledge only once the motion has physically finished.

const (
	OP_MOVE     = "move"
	OP_STATE    = "state"
	OP_DISTANCE = "distance"

	DIAL_TIMEOUT  = 5 * time.Second
	HELLO_TIMEOUT = 5 * time.Second
)

var (
	ERR_CLOSED = errors.New("gateway connection closed")
)

type helloMsg struct {
	Hello   string `json:"hello"`
	Version string `json:"version"`
}

type request struct {
	ID     uint64 `json:"id"`
	Op     string `json:"op"`
	Axis   string `json:"axis,omitempty"`
	Target int64  `json:"target,omitempty"`
}

type wireError struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

type response struct {
	ID        uint64     `json:"id"`
	Ok        bool       `json:"ok"`
	InserterZ int64      `json:"inserter_z"`
	NeedleZ   int64      `json:"needle_z"`
	Distance  int64      `json:"distance"`
	Error     *wireError `json:"error,omitempty"`
}

func (e *wireError) toErr() error {
	switch e.Kind {
	case "move":
		return MoveError{Msg: e.Msg}
	case "position":
		return PositionError{Msg: e.Msg}
	case "oct":
		return OctError{Msg: e.Msg}
	default:
		return ConnectionError{Msg: e.Msg}
	}
}

// Remote is a Gateway over a live TCP connection to the robot controller.
// Requests are tagged and matched to responses through a pending-reply
// map, so several reads can be in flight while a move is acknowledged.
type Remote struct {
	conn net.Conn

	txLock  sync.Mutex
	enc     *json.Encoder
	nextID  uint64
	pending map[uint64]chan response
	closed  chan struct{}

	// Version reported by the robot in its hello line.
	Version string
}

// Dial connects to the robot controller, reads its hello line and checks
// the firmware version before returning a usable gateway.
func Dial(addr string) (r *Remote, err error) {
	conn, err := net.DialTimeout("tcp", addr, DIAL_TIMEOUT)
	if err != nil {
		return
	}

	return connect(conn)
}

// connect finishes the handshake on an established conn. Split from Dial
// so tests can drive the client over a net.Pipe.
func connect(conn net.Conn) (r *Remote, err error) {
	r = &Remote{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan response),
		closed:  make(chan struct{}),
	}

	scanner := bufio.NewScanner(conn)
	conn.SetReadDeadline(time.Now().Add(HELLO_TIMEOUT))
	if !scanner.Scan() {
		conn.Close()
		return nil, ConnectionError{Msg: "no hello from robot"}
	}
	conn.SetReadDeadline(time.Time{})

	var hello helloMsg
	if err = json.Unmarshal(scanner.Bytes(), &hello); err != nil {
		conn.Close()
		return nil, ConnectionError{Msg: "bad hello: " + err.Error()}
	}

	if err = CheckFirmware(hello.Version); err != nil {
		conn.Close()
		return nil, err
	}
	r.Version = hello.Version

	go r.reader(scanner)
	return r, nil
}

func (r *Remote) reader(scanner *bufio.Scanner) {
	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue // tolerate junk lines rather than killing the link
		}

		r.txLock.Lock()
		ch, ok := r.pending[resp.ID]
		if ok {
			delete(r.pending, resp.ID)
		}
		r.txLock.Unlock()

		if ok {
			ch <- resp
		}
	}
	close(r.closed)
}

func (r *Remote) roundTrip(ctx context.Context, req request) (resp response, err error) {
	ch := make(chan response, 1)

	r.txLock.Lock()
	r.nextID++
	req.ID = r.nextID
	r.pending[req.ID] = ch
	err = r.enc.Encode(req)
	if err != nil {
		delete(r.pending, req.ID)
	}
	r.txLock.Unlock()

	if err != nil {
		return resp, ConnectionError{Msg: err.Error()}
	}

	select {
	case resp = <-ch:
		return resp, nil
	case <-r.closed:
		return resp, ConnectionError{Msg: ERR_CLOSED.Error()}
	case <-ctx.Done():
		return resp, AsConnection(ctx.Err())
	}
}

func (r *Remote) CommandMove(ctx context.Context, axis Axis, targetUM int64) error {
	resp, err := r.roundTrip(ctx, request{Op: OP_MOVE, Axis: axis.String(), Target: targetUM})
	if err != nil {
		return err
	}
	if !resp.Ok {
		return resp.Error.toErr()
	}
	return nil
}

func (r *Remote) RobotState(ctx context.Context) (RobotState, error) {
	resp, err := r.roundTrip(ctx, request{Op: OP_STATE})
	if err != nil {
		return RobotState{}, err
	}
	if !resp.Ok {
		return RobotState{}, resp.Error.toErr()
	}
	return RobotState{InserterZ: resp.InserterZ, NeedleZ: resp.NeedleZ}, nil
}

func (r *Remote) SurfaceDistance(ctx context.Context) (int64, error) {
	resp, err := r.roundTrip(ctx, request{Op: OP_DISTANCE})
	if err != nil {
		return 0, OctError{Msg: err.Error()}
	}
	if !resp.Ok {
		return 0, resp.Error.toErr()
	}
	return resp.Distance, nil
}

// Close tears down the connection. In-flight calls fail with a
// ConnectionError.
func (r *Remote) Close() error {
	return r.conn.Close()
}
