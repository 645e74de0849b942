package eval

import (
	"time"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
)

// These names must match the synthetic callee strings
// internal/pipeline.BuildStageFunc emits (tryReadChannel/writeChannel/
// threadWait); duplicated here rather than imported so this package
// doesn't need to depend on internal/pipeline just to interpret the
// handful of calls its stage functions make.
const (
	channelTryRead = "channel_try_read"
	channelWrite   = "channel_write"
	threadWait     = "thread_wait"
)

// waitTimeout bounds how long a stage goroutine parks on an empty port
// before giving up; this evaluator drives a single packet through a
// finite stage chain, so a legitimate wait is always short.
const waitTimeout = 50 * time.Millisecond

// ChannelBoard is the in-process stand-in for one stage's nanotube
// context: a Queue per port plus a shared Notifier woken on every
// write, so a stage's `thread_wait` call actually blocks until data
// arrives rather than busy-looping.
type ChannelBoard struct {
	queues   map[int]*Queue
	notifier *Notifier
}

// NewChannelBoard returns a board with an empty queue for each of the
// given ports.
func NewChannelBoard(ports ...int) *ChannelBoard {
	b := &ChannelBoard{queues: map[int]*Queue{}, notifier: NewNotifier()}
	for _, p := range ports {
		b.queues[p] = NewQueue(8)
	}
	return b
}

// Send enqueues v on port and wakes any waiter — the producer side of
// a channel; a stage's outgoing channel_write reaches it through Write
// (a stage only ever writes to its own output board, never its input
// board).
func (b *ChannelBoard) Send(port int, v int64) {
	q := b.queues[port]
	if q == nil {
		return
	}
	q.TryEnqueue(v)
	b.notifier.Notify()
}

// TryRead is channel_try_read's implementation.
func (b *ChannelBoard) TryRead(port int) (int64, bool) {
	q := b.queues[port]
	if q == nil {
		return 0, false
	}
	return q.TryDequeue()
}

// Write is channel_write's implementation: stages write to their own
// downstream board, which RunPipeline wired as the next stage's input
// board at construction time.
func (b *ChannelBoard) Write(port int, v int64) {
	b.Send(port, v)
}

// Wait parks until the next Notify or waitTimeout elapses.
func (b *ChannelBoard) Wait() {
	b.notifier.Wait(waitTimeout)
}

// RunPipeline drives packet through a chain of synthesized stage
// functions connected by per-boundary ChannelBoards, the way the
// generated runtime's stage threads would, and
// returns the merged trace of every stage's effects in stage order.
// It is the executable counterpart to internal/pipeline.Result,
// letting a test compare "interpret the kernel directly" against
// "interpret it split into stages and piped through channels" for
// testable property 7.
func RunPipeline(stages []*ir.Function, ports []int, packet []byte, maps MapState, log *diag.Logger) (*Result, error) {
	if len(stages) == 0 {
		res := &Result{Packet: Packet{Data: packet}, Maps: maps}
		if res.Maps == nil {
			res.Maps = MapState{}
		}
		return res, nil
	}

	boards := make([]*ChannelBoard, len(stages)+1)
	for i := range boards {
		boards[i] = NewChannelBoard(ports...)
	}
	boards[0].Write(ports[0], int64(len(packet)))

	merged := &Result{Packet: Packet{Data: packet}, Maps: maps}
	if merged.Maps == nil {
		merged.Maps = MapState{}
	}

	for i, st := range stages {
		res, err := RunStage(st, merged.Packet.Data, merged.Maps, boards[i], boards[i+1], log)
		if err != nil {
			return nil, err
		}
		merged.Packet = res.Packet
		merged.Maps = res.Maps
		merged.Trace = append(merged.Trace, res.Trace...)
		merged.Dropped = merged.Dropped || res.Dropped
		if res.HasRet {
			merged.RetVal, merged.HasRet = res.RetVal, true
		}
	}
	return merged, nil
}
