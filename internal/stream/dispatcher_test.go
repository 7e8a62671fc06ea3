package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/proto"
	"github.com/roach88/meshsync/internal/substrate"
	"github.com/roach88/meshsync/internal/substrate/memnet"
)

// recordingHandler logs every callback as a string.
type recordingHandler struct {
	mu     sync.Mutex
	events []string
	delay  time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (h *recordingHandler) enter() func() {
	n := h.inFlight.Add(1)
	for {
		m := h.maxInFlight.Load()
		if n <= m || h.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { h.inFlight.Add(-1) }
}

func (h *recordingHandler) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, s)
}

func (h *recordingHandler) OnAccepted(id ID, peer string) {
	defer h.enter()()
	h.record("accepted:" + peer)
}

func (h *recordingHandler) OnRejected(id ID, peer, reason string) {
	defer h.enter()()
	h.record("rejected:" + reason)
}

func (h *recordingHandler) OnData(id ID, data []byte) {
	defer h.enter()()
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.record("data:" + string(data))
}

func (h *recordingHandler) OnClosed(id ID, reason CloseReason) {
	defer h.enter()()
	h.record("closed:" + reason.String())
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type peerNode struct {
	ep   *memnet.Endpoint
	disp *Dispatcher

	mu     sync.Mutex
	events []Event
}

func (p *peerNode) observed() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func newPeer(t *testing.T, hub *memnet.Hub, id string) *peerNode {
	t.Helper()
	ep, err := hub.Join(id)
	require.NoError(t, err)

	p := &peerNode{ep: ep}
	p.disp = NewDispatcher(ep, WithObserver(func(ev Event) {
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
	}))
	ep.HandleDirect(func(m substrate.Message) {
		env, err := proto.Decode(m.Data)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, p.disp.Handle(context.Background(), env))
	})
	ep.HandlePeers(func(ev substrate.PeerEvent) {
		if !ev.Connected {
			p.disp.PeerDisconnected(ev.Peer)
		}
	})
	t.Cleanup(func() {
		p.disp.Shutdown(context.Background())
		_ = ep.Close()
	})
	return p
}

func connected(t *testing.T, opts ...memnet.Option) (*memnet.Hub, *peerNode, *peerNode) {
	t.Helper()
	hub := memnet.NewHub(opts...)
	a := newPeer(t, hub, "peer-a")
	b := newPeer(t, hub, "peer-b")
	require.NoError(t, a.ep.Connect(context.Background(), "peer-b"))
	settle(t, hub, a, b)
	return hub, a, b
}

// settle waits until the hub and every dispatcher are idle.
func settle(t *testing.T, hub *memnet.Hub, peers ...*peerNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	idle := func() bool {
		for _, p := range peers {
			if p.disp.Pending() != 0 {
				return false
			}
		}
		return true
	}
	for {
		require.NoError(t, hub.Settle(ctx))
		if idle() {
			require.NoError(t, hub.Settle(ctx))
			if idle() {
				return
			}
		}
		select {
		case <-ctx.Done():
			t.Fatal("dispatchers did not settle")
		case <-time.After(time.Millisecond):
		}
	}
}

func factoryFor(h Handler) Factory {
	return FactoryFunc(func(peer, streamType string) Handler { return h })
}

func TestDispatcher_AcceptDataClose(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()

	remote := &recordingHandler{}
	b.disp.RegisterHandler("audio", factoryFor(remote))

	local := &recordingHandler{}
	id, err := a.disp.Request(ctx, "peer-b", "audio", "call", local)
	require.NoError(t, err)

	state, err := a.disp.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateRequested, state)

	settle(t, hub, a, b)
	state, err = a.disp.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	require.NoError(t, a.disp.Send(ctx, id, []byte("one")))
	require.NoError(t, a.disp.Send(ctx, id, []byte("two")))
	settle(t, hub, a, b)

	inbound := b.disp.Streams()
	require.Len(t, inbound, 1)
	assert.False(t, inbound[0].Initiator)
	require.NoError(t, b.disp.Send(ctx, inbound[0].ID, []byte("back")))
	settle(t, hub, a, b)

	require.NoError(t, a.disp.Close(ctx, id))
	settle(t, hub, a, b)

	assert.Equal(t, []string{"accepted:peer-b", "data:back", "closed:local_close"}, local.snapshot())
	assert.Equal(t, []string{"accepted:peer-a", "data:one", "data:two", "closed:remote_close"}, remote.snapshot())

	_, err = a.disp.State(id)
	assert.True(t, fault.IsNotFound(err))
	assert.Empty(t, b.disp.Streams())
}

func TestDispatcher_RejectLifecycle(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()

	local := &recordingHandler{}
	id, err := a.disp.Request(ctx, "peer-b", "audio", "", local)
	require.NoError(t, err)
	settle(t, hub, a, b)

	assert.Equal(t, []string{"rejected:unsupported"}, local.snapshot())

	_, err = a.disp.State(id)
	assert.True(t, fault.IsNotFound(err))
	err = a.disp.Send(ctx, id, []byte("x"))
	assert.True(t, fault.IsNotFound(err))

	var kinds []EventKind
	for _, ev := range a.observed() {
		if ev.ID == id {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventRejected}, kinds)
}

func TestDispatcher_AcceptBeforeData(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()

	remote := &recordingHandler{}
	b.disp.RegisterHandler("video", factoryFor(remote))

	id, err := a.disp.Request(ctx, "peer-b", "video", "", nil)
	require.NoError(t, err)
	settle(t, hub, a, b)

	for i := 0; i < 20; i++ {
		require.NoError(t, a.disp.Send(ctx, id, []byte(fmt.Sprint(i))))
	}
	settle(t, hub, a, b)

	events := remote.snapshot()
	require.Len(t, events, 21)
	assert.Equal(t, "accepted:peer-a", events[0])
	for i := 0; i < 20; i++ {
		assert.Equal(t, "data:"+fmt.Sprint(i), events[i+1])
	}
}

func TestDispatcher_SendErrors(t *testing.T) {
	hub := memnet.NewHub()
	a := newPeer(t, hub, "peer-a")
	silent, err := hub.Join("peer-silent")
	require.NoError(t, err)
	defer silent.Close()
	ctx := context.Background()
	require.NoError(t, a.ep.Connect(ctx, "peer-silent"))
	settle(t, hub, a)

	err = a.disp.Send(ctx, 99, []byte("x"))
	assert.True(t, fault.IsNotFound(err))

	// The silent peer never answers, so the stream stays Requested.
	id, err := a.disp.Request(ctx, "peer-silent", "audio", "", nil)
	require.NoError(t, err)
	settle(t, hub, a)
	err = a.disp.Send(ctx, id, []byte("x"))
	assert.ErrorIs(t, err, fault.ErrStreamNotActive)

	err = a.disp.Send(ctx, id, make([]byte, MaxChunk+1))
	assert.True(t, fault.IsInvalidParams(err))

	assert.True(t, fault.IsNotFound(a.disp.Close(ctx, 12345)))
}

func TestDispatcher_RequestErrors(t *testing.T) {
	hub := memnet.NewHub()
	a := newPeer(t, hub, "peer-a")
	ctx := context.Background()

	_, err := a.disp.Request(ctx, "", "audio", "", nil)
	assert.True(t, fault.IsInvalidParams(err))
	_, err = a.disp.Request(ctx, "peer-a", "audio", "", nil)
	assert.True(t, fault.IsInvalidParams(err))
	_, err = a.disp.Request(ctx, "peer-x", "audio", "", nil)
	assert.True(t, fault.IsNotFound(err))
	assert.Empty(t, a.disp.Streams())
}

func TestDispatcher_DuplicateStartIsNoop(t *testing.T) {
	hub, a, b := connected(t, memnet.WithDuplicates())
	ctx := context.Background()

	remote := &recordingHandler{}
	var created atomic.Int32
	b.disp.RegisterHandler("audio", FactoryFunc(func(peer, typ string) Handler {
		created.Add(1)
		return remote
	}))

	local := &recordingHandler{}
	id, err := a.disp.Request(ctx, "peer-b", "audio", "", local)
	require.NoError(t, err)
	settle(t, hub, a, b)

	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, b.disp.Streams(), 1)
	assert.Equal(t, []string{"accepted:peer-b"}, local.snapshot())

	require.NoError(t, a.disp.Send(ctx, id, []byte("x")))
	settle(t, hub, a, b)
	assert.Equal(t, []string{"accepted:peer-a", "data:x", "data:x"}, remote.snapshot())
}

func TestDispatcher_PeerDisconnectClosesStreams(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()

	remote := &recordingHandler{}
	b.disp.RegisterHandler("audio", factoryFor(remote))
	local := &recordingHandler{}
	_, err := a.disp.Request(ctx, "peer-b", "audio", "", local)
	require.NoError(t, err)
	settle(t, hub, a, b)

	a.ep.Disconnect("peer-b")
	settle(t, hub, a, b)

	assert.Equal(t, []string{"accepted:peer-b", "closed:peer_disconnected"}, local.snapshot())
	assert.Equal(t, []string{"accepted:peer-a", "closed:peer_disconnected"}, remote.snapshot())
	assert.Empty(t, a.disp.Streams())
	assert.Empty(t, b.disp.Streams())
}

func TestDispatcher_SameStreamCallbacksSerialized(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()

	first := &recordingHandler{delay: time.Millisecond}
	second := &recordingHandler{delay: time.Millisecond}
	handlers := []*recordingHandler{first, second}
	var n atomic.Int32
	b.disp.RegisterHandler("audio", FactoryFunc(func(peer, typ string) Handler {
		return handlers[n.Add(1)-1]
	}))

	id1, err := a.disp.Request(ctx, "peer-b", "audio", "", nil)
	require.NoError(t, err)
	id2, err := a.disp.Request(ctx, "peer-b", "audio", "", nil)
	require.NoError(t, err)
	settle(t, hub, a, b)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.disp.Send(ctx, id1, []byte{'a'}))
		require.NoError(t, a.disp.Send(ctx, id2, []byte{'b'}))
	}
	ctxWait, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Settle(ctxWait))
	require.Eventually(t, func() bool {
		return len(first.snapshot()) == 11 && len(second.snapshot()) == 11
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), first.maxInFlight.Load())
	assert.Equal(t, int32(1), second.maxInFlight.Load())
}

func TestDispatcher_LastRegistrationWins(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()

	old := &recordingHandler{}
	latest := &recordingHandler{}
	b.disp.RegisterHandler("audio", factoryFor(old))
	b.disp.RegisterHandler("audio", factoryFor(latest))

	_, err := a.disp.Request(ctx, "peer-b", "audio", "", nil)
	require.NoError(t, err)
	settle(t, hub, a, b)

	assert.Empty(t, old.snapshot())
	assert.Equal(t, []string{"accepted:peer-a"}, latest.snapshot())
}

func TestDispatcher_ObserverSeesInboundLifecycle(t *testing.T) {
	hub, a, b := connected(t)
	ctx := context.Background()
	b.disp.RegisterHandler("audio", factoryFor(&recordingHandler{}))

	id, err := a.disp.Request(ctx, "peer-b", "audio", "mic", nil)
	require.NoError(t, err)
	settle(t, hub, a, b)
	require.NoError(t, a.disp.Send(ctx, id, []byte("x")))
	require.NoError(t, a.disp.Close(ctx, id))
	settle(t, hub, a, b)

	require.Eventually(t, func() bool { return len(b.observed()) == 4 }, time.Second, time.Millisecond)
	events := b.observed()
	assert.Equal(t, EventRequested, events[0].Kind)
	assert.Equal(t, "mic", events[0].Reason)
	assert.Equal(t, EventAccepted, events[1].Kind)
	assert.Equal(t, EventData, events[2].Kind)
	assert.Equal(t, []byte("x"), events[2].Data)
	assert.Equal(t, EventClosed, events[3].Kind)
	assert.Equal(t, RemoteClose, events[3].CloseReason)
	assert.Equal(t, "peer-a", events[0].Peer)
	assert.Equal(t, "audio", events[0].Type)
}
