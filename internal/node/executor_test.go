package node

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/stream"
	"github.com/roach88/meshsync/internal/wire"
)

// execHarness drives node "dev" through a cmdqueue runner.
type execHarness struct {
	m      *mesh
	queue  *cmdqueue.Queue
	runner *cmdqueue.Runner
	exec   *CommandExecutor

	mu     sync.Mutex
	events []string
}

func newExecHarness(t *testing.T) *execHarness {
	t.Helper()
	h := &execHarness{m: newMesh(t, []string{"dev", "host"})}
	h.queue = cmdqueue.New(cmdqueue.DefaultCapacity)
	h.exec = NewCommandExecutor(h.m.nodes["dev"],
		WithNow(func() time.Time { return time.Unix(1700000000, 0) }))
	t.Cleanup(h.exec.Close)
	h.runner = cmdqueue.NewRunner(h.queue, h.exec,
		cmdqueue.WithReceiver(h.exec, h.record))
	return h
}

func (h *execHarness) record(ev cmdqueue.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := ev.Kind.String()
	switch ev.Kind {
	case cmdqueue.EventSubscribed:
		s += ":" + string(ev.Topic)
	case cmdqueue.EventMessage:
		s += ":" + string(ev.Topic) + ":" + string(ev.Data)
	case cmdqueue.EventStreamRejected:
		s += ":" + string(ev.Reason)
	case cmdqueue.EventStreamData:
		s += ":" + string(ev.Data)
	}
	h.events = append(h.events, s)
}

func (h *execHarness) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

// cycle enqueues cmds, polls, lets the mesh settle and polls again to
// collect the replies.
func (h *execHarness) cycle(t *testing.T, cmds ...cmdqueue.Command) {
	t.Helper()
	for _, c := range cmds {
		require.Equal(t, cmdqueue.Success, h.queue.Enqueue(c))
	}
	h.runner.Poll()
	h.m.settle(t)
	h.runner.Poll()
}

func TestCommandExecutor_ConnectAndSubscribe(t *testing.T) {
	h := newExecHarness(t)
	h.cycle(t, cmdqueue.Connect("host"), cmdqueue.Subscribe("alerts"))

	assert.True(t, h.exec.Connected())
	assert.True(t, h.m.nodes["dev"].IsConnected("host"))

	require.NoError(t, h.m.nodes["host"].Publish(context.Background(), "alerts", []byte("fire")))
	h.m.settle(t)
	h.runner.Poll()

	assert.Equal(t, []string{"connected", "subscribed:alerts", "message:alerts:fire"}, h.snapshot())
}

func TestCommandExecutor_SensorAndButtonPublish(t *testing.T) {
	h := newExecHarness(t)
	host := h.m.nodes["host"]

	var mu sync.Mutex
	got := map[string][]byte{}
	host.OnMessage(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		got[m.Topic] = m.Data
	})
	sensorTopic := wire.SensorTopic("dev", "kitchen")
	buttonTopic := wire.ButtonTopic("dev")
	require.NoError(t, host.Subscribe(sensorTopic))
	require.NoError(t, host.Subscribe(buttonTopic))

	h.cycle(t,
		cmdqueue.Connect("host"),
		cmdqueue.SensorUpdate("kitchen", wire.Temperature(21.5)),
		cmdqueue.ButtonPress(2, wire.PressDouble))

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"value":21.5,"unit":"C","ts":1700000000}`, string(got[sensorTopic]))

	var button map[string]any
	require.NoError(t, json.Unmarshal(got[buttonTopic], &button))
	assert.Equal(t, "Double", button["type"])
	assert.EqualValues(t, 2, button["button_id"])
}

func TestCommandExecutor_UpdateContext(t *testing.T) {
	h := newExecHarness(t)
	h.cycle(t, cmdqueue.Connect("host"), cmdqueue.UpdateContext("dev.battery", ir.Int(87)))

	v, err := h.m.nodes["host"].GetContext("dev.battery")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(87), v)
}

func TestCommandExecutor_StreamRoundTrip(t *testing.T) {
	h := newExecHarness(t)
	remote := &recorder{}
	h.m.nodes["host"].RegisterStreamHandler("audio", stream.FactoryFunc(func(string, string) stream.Handler {
		return remote
	}))

	h.cycle(t, cmdqueue.Connect("host"), cmdqueue.StreamStart(7, "host", "audio"))
	h.cycle(t, cmdqueue.StreamData(7, []byte("chunk")), cmdqueue.StreamClose(7))

	assert.Equal(t, []string{"connected", "stream_accepted", "stream_closed"}, h.snapshot())
	assert.Equal(t, []string{"accepted:dev", "data:chunk", "closed:remote_close"}, remote.snapshot())
}

func TestCommandExecutor_StreamRejectedFreesID(t *testing.T) {
	h := newExecHarness(t)
	h.cycle(t, cmdqueue.Connect("host"), cmdqueue.StreamStart(3, "host", "video"))
	assert.Equal(t, []string{"connected", "stream_rejected:unsupported"}, h.snapshot())

	_, err := h.exec.lookup("test", 3)
	assert.Error(t, err)

	// The id is free again.
	require.NoError(t, h.exec.Execute(cmdqueue.StreamStart(3, "host", "video")))
}

func TestCommandExecutor_DataOnUnknownStreamIsLogged(t *testing.T) {
	h := newExecHarness(t)
	h.cycle(t, cmdqueue.StreamData(9, []byte("x")), cmdqueue.Publish("ok", []byte("y")))
	assert.Empty(t, h.snapshot())

	err := h.exec.Execute(cmdqueue.StreamData(9, []byte("x")))
	assert.Error(t, err)
}
