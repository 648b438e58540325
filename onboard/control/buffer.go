package control

import (
	"time"

	"github.com/CodedInternet/goinserter/onboard/gateway"
	"github.com/CodedInternet/goinserter/onboard/predict"
)

// Both buffers are accessed only from the controller's event loop
// goroutine, so they carry no locking. Capacity 100 holds roughly 500ms of
// surface data at the 5ms poll pacing.

const BUFFER_CAP = 100

// SampleBuffer is a bounded ring of timed surface samples, oldest evicted.
type SampleBuffer struct {
	buf  []predict.Sample
	head int // index of oldest entry
	n    int
}

func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = BUFFER_CAP
	}
	return &SampleBuffer{buf: make([]predict.Sample, capacity)}
}

func (b *SampleBuffer) Append(s predict.Sample) {
	if b.n < len(b.buf) {
		b.buf[(b.head+b.n)%len(b.buf)] = s
		b.n++
		return
	}
	b.buf[b.head] = s
	b.head = (b.head + 1) % len(b.buf)
}

func (b *SampleBuffer) Len() int {
	return b.n
}

func (b *SampleBuffer) Clear() {
	b.head = 0
	b.n = 0
}

// Snapshot returns all held samples in append order.
func (b *SampleBuffer) Snapshot() []predict.Sample {
	out := make([]predict.Sample, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}

// Recent returns the most recent n samples (append order, oldest first).
func (b *SampleBuffer) Recent(n int) []predict.Sample {
	if n > b.n {
		n = b.n
	}
	out := make([]predict.Sample, n)
	start := b.n - n
	for i := 0; i < n; i++ {
		out[i] = b.buf[(b.head+start+i)%len(b.buf)]
	}
	return out
}

// Since returns all samples requested at or after t, append order.
func (b *SampleBuffer) Since(t time.Time) []predict.Sample {
	out := make([]predict.Sample, 0, b.n)
	for i := 0; i < b.n; i++ {
		s := b.buf[(b.head+i)%len(b.buf)]
		if !s.RequestedAt.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the newest sample by append order.
func (b *SampleBuffer) Last() (predict.Sample, bool) {
	if b.n == 0 {
		return predict.Sample{}, false
	}
	return b.buf[(b.head+b.n-1)%len(b.buf)], true
}

// RobotSample is one timed robot state observation.
type RobotSample struct {
	At    time.Time
	State gateway.RobotState
	Err   error
}

// RobotBuffer is a bounded ring of robot samples, oldest evicted.
type RobotBuffer struct {
	buf  []RobotSample
	head int
	n    int
}

func NewRobotBuffer(capacity int) *RobotBuffer {
	if capacity <= 0 {
		capacity = BUFFER_CAP
	}
	return &RobotBuffer{buf: make([]RobotSample, capacity)}
}

func (b *RobotBuffer) Append(s RobotSample) {
	if b.n < len(b.buf) {
		b.buf[(b.head+b.n)%len(b.buf)] = s
		b.n++
		return
	}
	b.buf[b.head] = s
	b.head = (b.head + 1) % len(b.buf)
}

func (b *RobotBuffer) Len() int {
	return b.n
}

// Last returns the newest non-error robot state, if any is held.
func (b *RobotBuffer) Last() (RobotSample, bool) {
	for i := b.n - 1; i >= 0; i-- {
		s := b.buf[(b.head+i)%len(b.buf)]
		if s.Err == nil {
			return s, true
		}
	}
	return RobotSample{}, false
}
