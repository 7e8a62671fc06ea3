package cmdqueue

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/wire"
)

// recordingExecutor copies every command it sees.
type recordingExecutor struct {
	mu    sync.Mutex
	seen  []string
	fail  map[Kind]error
	trace *[]string
}

func (e *recordingExecutor) Execute(cmd Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, fmt.Sprintf("%s %s %s", cmd.Kind, cmd.Topic, cmd.Data))
	if e.trace != nil {
		*e.trace = append(*e.trace, "exec")
	}
	return e.fail[cmd.Kind]
}

type scriptedReceiver struct {
	events []Event
	calls  int
	trace  *[]string
}

func (r *scriptedReceiver) Receive(emit func(Event)) (int, error) {
	r.calls++
	if r.trace != nil {
		*r.trace = append(*r.trace, "recv")
	}
	for _, ev := range r.events {
		emit(ev)
	}
	n := len(r.events)
	r.events = nil
	return n, nil
}

func TestQueue_BackpressureAndFIFO(t *testing.T) {
	q := New(DefaultCapacity)
	exec := &recordingExecutor{}
	r := NewRunner(q, exec)

	for i := 0; i < DefaultCapacity; i++ {
		require.Equal(t, Success, q.Enqueue(Publish("t", []byte{byte('a' + i)})))
	}
	assert.Equal(t, QueueFull, q.Enqueue(Publish("t", []byte("overflow"))))
	assert.Equal(t, DefaultCapacity, q.Len())

	assert.Equal(t, DefaultCapacity, r.Poll())
	require.Len(t, exec.seen, DefaultCapacity)
	for i, s := range exec.seen {
		assert.Equal(t, fmt.Sprintf("publish t %c", 'a'+i), s)
	}

	assert.Equal(t, Success, q.Enqueue(Publish("t", []byte("again"))), "draining frees slots")
}

func TestQueue_OversizedPublishNeverReachesExecutor(t *testing.T) {
	q := New(4)
	exec := &recordingExecutor{}
	r := NewRunner(q, exec)

	status := q.Enqueue(Publish("t", bytes.Repeat([]byte{'x'}, 257)))
	assert.Equal(t, InvalidParams, status)
	assert.Equal(t, 0, q.Len())

	assert.Equal(t, 0, r.Poll())
	assert.Empty(t, exec.seen)
}

func TestCommand_Bounds(t *testing.T) {
	long := func(n int) string { return strings.Repeat("x", n) }

	tests := []struct {
		name string
		cmd  Command
		want Status
	}{
		{"topic at limit", Subscribe(long(MaxTopic)), Success},
		{"topic over limit", Subscribe(long(MaxTopic + 1)), InvalidParams},
		{"empty topic", Unsubscribe(""), InvalidParams},
		{"payload at limit", Publish("t", make([]byte, MaxPayload)), Success},
		{"chunk at limit", StreamData(1, make([]byte, MaxChunk)), Success},
		{"chunk over limit", StreamData(1, make([]byte, MaxChunk+1)), InvalidParams},
		{"sensor name over limit", SensorUpdate(long(MaxSensorName+1), wire.Battery(50)), InvalidParams},
		{"unknown sensor kind", SensorUpdate("s", wire.SensorValue{}), InvalidParams},
		{"unknown press", ButtonPress(1, wire.PressKind(9)), InvalidParams},
		{"stream peer over limit", StreamStart(1, long(MaxPeerID+1), "audio"), InvalidParams},
		{"stream reason over limit", StreamStart(1, "p", long(MaxReason+1)), InvalidParams},
		{"stream without peer", StreamStart(1, "", "audio"), InvalidParams},
		{"context scalar", UpdateContext("room.temp", ir.Float(21.5)), Success},
		{"context path over limit", UpdateContext(long(MaxPath+1), ir.Int(1)), InvalidParams},
		{"context object", UpdateContext("room", ir.Object{}), InvalidParams},
		{"connect", Connect(""), Success},
		{"poll", Poll(), Success},
		{"unknown kind", Command{Kind: 99}, InvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(1).Enqueue(tt.cmd))
		})
	}
}

func TestQueue_WrapAroundDoesNotLeakOldBytes(t *testing.T) {
	q := New(2)
	exec := &recordingExecutor{}
	r := NewRunner(q, exec)

	require.Equal(t, Success, q.Enqueue(Publish("long-topic", []byte("long payload"))))
	r.Poll()
	require.Equal(t, Success, q.Enqueue(Publish("a", []byte("b"))))
	require.Equal(t, Success, q.Enqueue(Publish("c", []byte("d"))))
	r.Poll()

	assert.Equal(t, []string{"publish long-topic long payload", "publish a b", "publish c d"}, exec.seen)
}

func TestQueue_EnqueueCopiesCallerBuffers(t *testing.T) {
	q := New(1)
	exec := &recordingExecutor{}
	payload := []byte("before")

	require.Equal(t, Success, q.Enqueue(Publish("t", payload)))
	copy(payload, "AFTER!")
	NewRunner(q, exec).Poll()

	assert.Equal(t, []string{"publish t before"}, exec.seen)
}

func TestRunner_LogsExecutorErrorsAndContinues(t *testing.T) {
	q := New(4)
	exec := &recordingExecutor{fail: map[Kind]error{KindSubscribe: errors.New("link down")}}
	r := NewRunner(q, exec)

	q.Enqueue(Subscribe("a"))
	q.Enqueue(Publish("a", nil))

	assert.Equal(t, 2, r.Poll())
	assert.Len(t, exec.seen, 2)
}

func TestRunner_ReceivesAfterExecuting(t *testing.T) {
	var trace []string
	q := New(4)
	exec := &recordingExecutor{trace: &trace}
	recv := &scriptedReceiver{
		events: []Event{{Kind: EventMessage, Topic: []byte("a"), Data: []byte("1")}},
		trace:  &trace,
	}
	var got []string
	r := NewRunner(q, exec, WithReceiver(recv, func(ev Event) {
		trace = append(trace, "callback")
		got = append(got, fmt.Sprintf("%s %s=%s", ev.Kind, ev.Topic, ev.Data))
	}))

	q.Enqueue(Subscribe("a"))
	r.Poll()

	assert.Equal(t, []string{"exec", "recv", "callback"}, trace)
	assert.Equal(t, []string{"message a=1"}, got)
	assert.Equal(t, 1, recv.calls)
}

func TestRunner_PollCommandOnlyReceives(t *testing.T) {
	q := New(4)
	exec := &recordingExecutor{}
	recv := &scriptedReceiver{}
	r := NewRunner(q, exec, WithReceiver(recv, nil))

	require.Equal(t, Success, q.Enqueue(Poll()))
	assert.Equal(t, 1, r.Poll())
	assert.Empty(t, exec.seen)
	assert.Equal(t, 1, recv.calls)
}

func TestRunner_CommandsEnqueuedDuringPollWait(t *testing.T) {
	q := New(4)
	recv := &scriptedReceiver{events: []Event{{Kind: EventConnected}}}
	exec := &recordingExecutor{}
	r := NewRunner(q, exec, WithReceiver(recv, func(Event) {
		q.Enqueue(Subscribe("late"))
	}))

	q.Enqueue(Connect(""))
	assert.Equal(t, 1, r.Poll())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, r.Poll())
	assert.Equal(t, []string{"connect  ", "subscribe late "}, exec.seen)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(DefaultCapacity)
	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[Status]int{}

	for i := 0; i < 4*DefaultCapacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := q.Enqueue(Poll())
			mu.Lock()
			counts[s]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultCapacity, counts[Success])
	assert.Equal(t, 3*DefaultCapacity, counts[QueueFull])
}

func TestStatus_Err(t *testing.T) {
	assert.NoError(t, Success.Err())
	assert.ErrorIs(t, QueueFull.Err(), fault.ErrQueueFull)
	assert.ErrorIs(t, InvalidParams.Err(), fault.ErrInvalidParams)
}

func TestCommand_ContextValue(t *testing.T) {
	cmd := UpdateContext("room.on", ir.Bool(true))
	v, err := cmd.ContextValue()
	require.NoError(t, err)
	assert.Equal(t, ir.Bool(true), v)
}
