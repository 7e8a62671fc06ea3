package cmdqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Executor performs admitted commands. The Command aliases queue memory
// and must not be retained after Execute returns.
type Executor interface {
	Execute(cmd Command) error
}

// EventKind classifies an inbound Event.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventSubscribed
	EventMessage
	EventStreamAccepted
	EventStreamRejected
	EventStreamData
	EventStreamClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSubscribed:
		return "subscribed"
	case EventMessage:
		return "message"
	case EventStreamAccepted:
		return "stream_accepted"
	case EventStreamRejected:
		return "stream_rejected"
	case EventStreamData:
		return "stream_data"
	case EventStreamClosed:
		return "stream_closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one inbound item delivered to the callback. Byte fields alias
// receive buffers and are valid only during the callback.
type Event struct {
	Kind     EventKind
	Topic    []byte
	From     []byte
	Data     []byte
	Reason   []byte
	StreamID uint8
}

// Receiver pumps pending inbound items to emit without blocking and
// returns how many it delivered.
type Receiver interface {
	Receive(emit func(Event)) (int, error)
}

// Runner drains a Queue into an Executor and pumps a Receiver. It is the
// device's single cooperative loop; Poll must not be called concurrently.
type Runner struct {
	queue    *Queue
	exec     Executor
	recv     Receiver
	callback func(Event)
	logger   *slog.Logger
	scratch  slot
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithReceiver pumps recv on every Poll, delivering items to fn.
func WithReceiver(recv Receiver, fn func(Event)) RunnerOption {
	return func(r *Runner) {
		r.recv = recv
		r.callback = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a runner executing commands from q.
func NewRunner(q *Queue, exec Executor, opts ...RunnerOption) *Runner {
	r := &Runner{queue: q, exec: exec}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.callback == nil {
		r.callback = func(Event) {}
	}
	return r
}

// Poll executes the commands queued when it was called, in FIFO order,
// then pumps inbound items. Commands enqueued by callbacks during Poll
// wait for the next call. It returns the number of commands executed.
func (r *Runner) Poll() int {
	n := r.queue.Len()
	executed := 0
	for i := 0; i < n; i++ {
		if !r.queue.take(&r.scratch) {
			break
		}
		cmd := r.scratch.command()
		executed++
		if cmd.Kind == KindPoll {
			continue
		}
		if err := r.exec.Execute(cmd); err != nil {
			r.logger.Warn("command failed",
				"kind", cmd.Kind.String(),
				"error", err)
		}
	}

	if r.recv != nil {
		if _, err := r.recv.Receive(r.callback); err != nil {
			r.logger.Warn("receive failed", "error", err)
		}
	}
	return executed
}

// Run polls whenever a command is enqueued and at least every interval,
// until ctx is done.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.Poll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.queue.Wait():
		case <-ticker.C:
		}
	}
}
