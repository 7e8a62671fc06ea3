package syncproto

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/proto"
	"github.com/roach88/meshsync/internal/substrate"
	"github.com/roach88/meshsync/internal/substrate/memnet"
	"github.com/roach88/meshsync/internal/testutil"
)

type replica struct {
	ep    *memnet.Endpoint
	proto *Protocol

	mu      sync.Mutex
	changes []Change
}

func (r *replica) recorded() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

// join wires a Protocol onto a memnet endpoint the way a node does.
func join(t *testing.T, hub *memnet.Hub, peer string, clock ctxstore.Clock) *replica {
	t.Helper()
	ep, err := hub.Join(peer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	r := &replica{ep: ep}
	r.proto = New(ctxstore.New(peer, ctxstore.WithClock(clock)), ep,
		WithChangeHandler(func(c Change) {
			r.mu.Lock()
			r.changes = append(r.changes, c)
			r.mu.Unlock()
		}))

	handle := func(m substrate.Message) {
		env, err := proto.Decode(m.Data)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, r.proto.Handle(env))
	}
	require.NoError(t, ep.Subscribe(proto.TopicContext, handle))
	ep.HandleDirect(handle)
	ep.HandlePeers(func(ev substrate.PeerEvent) {
		if ev.Connected {
			assert.NoError(t, r.proto.PeerConnected(context.Background(), ev.Peer))
		}
	})
	return r
}

func settle(t *testing.T, hub *memnet.Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Settle(ctx))
}

func digest(t *testing.T, r *replica) string {
	t.Helper()
	d, err := r.proto.Store().Digest()
	require.NoError(t, err)
	return d
}

func TestProtocol_DiffPropagates(t *testing.T) {
	hub := memnet.NewHub()
	clock := testutil.NewDeterministicClock(0)
	a := join(t, hub, "peer-a", clock)
	b := join(t, hub, "peer-b", clock)
	ctx := context.Background()

	require.NoError(t, a.ep.Connect(ctx, "peer-b"))
	settle(t, hub)

	require.NoError(t, a.proto.Update(ctx, "sensors.temp", ir.Float(21.5)))
	settle(t, hub)

	got, err := b.proto.Get("sensors.temp")
	require.NoError(t, err)
	assert.Equal(t, ir.Float(21.5), got)
	assert.Contains(t, b.recorded(), Change{Path: "sensors.temp", From: "peer-a"})
}

func TestProtocol_SnapshotExchangeOnConnect(t *testing.T) {
	hub := memnet.NewHub()
	clock := testutil.NewDeterministicClock(0)
	a := join(t, hub, "peer-a", clock)
	b := join(t, hub, "peer-b", clock)
	ctx := context.Background()

	// Written before the peers know each other: no diff reaches anyone.
	require.NoError(t, a.proto.Update(ctx, "room.light", ir.Bool(true)))
	require.NoError(t, b.proto.Update(ctx, "room.fan", ir.Int(2)))
	settle(t, hub)
	assert.NotEqual(t, digest(t, a), digest(t, b))

	require.NoError(t, b.ep.Connect(ctx, "peer-a"))
	settle(t, hub)

	assert.Equal(t, digest(t, a), digest(t, b))
	got, err := a.proto.Get("room")
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"light": ir.Bool(true), "fan": ir.Int(2)}, got))
}

func TestProtocol_ConflictResolvesToOldest(t *testing.T) {
	hub := memnet.NewHub(memnet.WithDuplicates())
	clock := testutil.NewDeterministicClock(0)
	a := join(t, hub, "peer-a", clock)
	b := join(t, hub, "peer-b", clock)
	c := join(t, hub, "peer-c", clock)
	ctx := context.Background()

	require.NoError(t, a.ep.Connect(ctx, "peer-b"))
	require.NoError(t, a.ep.Connect(ctx, "peer-c"))
	require.NoError(t, b.ep.Connect(ctx, "peer-c"))
	settle(t, hub)

	require.NoError(t, b.proto.Update(ctx, "mode", ir.String("first")))
	require.NoError(t, c.proto.Update(ctx, "mode", ir.String("second")))
	settle(t, hub)

	for _, r := range []*replica{a, b, c} {
		got, err := r.proto.Get("mode")
		require.NoError(t, err)
		assert.Equal(t, ir.String("first"), got)
	}
	assert.Equal(t, digest(t, a), digest(t, b))
	assert.Equal(t, digest(t, b), digest(t, c))
}

func TestProtocol_HandleOrderIndependent(t *testing.T) {
	clock := testutil.NewDeterministicClock(0)
	hub := memnet.NewHub()
	w := join(t, hub, "writer", clock)
	ctx := context.Background()

	var envs []proto.Envelope
	sink, err := hub.Join("sink")
	require.NoError(t, err)
	defer sink.Close()
	var mu sync.Mutex
	require.NoError(t, sink.Subscribe(proto.TopicContext, func(m substrate.Message) {
		env, err := proto.Decode(m.Data)
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		envs = append(envs, env)
		mu.Unlock()
	}))
	require.NoError(t, w.ep.Connect(ctx, "sink"))
	settle(t, hub)

	require.NoError(t, w.proto.Update(ctx, "a.x", ir.Int(1)))
	require.NoError(t, w.proto.Update(ctx, "a.y", ir.Int(2)))
	require.NoError(t, w.proto.Update(ctx, "b", ir.Array{ir.Int(3)}))
	settle(t, hub)
	require.Len(t, envs, 3)

	forward := ctxstore.New("r1")
	reverse := ctxstore.New("r2")
	pf := New(forward, sink)
	pr := New(reverse, sink)
	for i := range envs {
		require.NoError(t, pf.Handle(envs[i]))
		require.NoError(t, pr.Handle(envs[len(envs)-1-i]))
	}
	require.NoError(t, pr.Handle(envs[0]))

	df, err := forward.Digest()
	require.NoError(t, err)
	dr, err := reverse.Digest()
	require.NoError(t, err)
	dw, err := w.proto.Store().Digest()
	require.NoError(t, err)
	assert.Equal(t, dw, df)
	assert.Equal(t, dw, dr)
}

func TestProtocol_InvalidPathNotBroadcast(t *testing.T) {
	hub := memnet.NewHub()
	a := join(t, hub, "peer-a", testutil.NewDeterministicClock(0))
	_ = join(t, hub, "peer-b", testutil.NewDeterministicClock(0))
	ctx := context.Background()
	require.NoError(t, a.ep.Connect(ctx, "peer-b"))
	settle(t, hub)

	before := hub.MessagesSent()
	err := a.proto.Update(ctx, "a..b", ir.Int(1))
	assert.ErrorIs(t, err, ctxstore.ErrInvalidPath)
	settle(t, hub)
	assert.Equal(t, before, hub.MessagesSent())
}

func TestProtocol_HandleRejectsMalformed(t *testing.T) {
	p := New(ctxstore.New("x"), nil)

	err := p.Handle(proto.Envelope{Kind: proto.KindCtxDiff, Body: []byte(`{"path":"a"}`)})
	assert.Error(t, err)

	err = p.Handle(proto.Envelope{Kind: proto.KindCtxSnapshot, Body: []byte(`{}`)})
	assert.Error(t, err)

	err = p.Handle(proto.Envelope{Kind: proto.KindCapQuery, Body: []byte(`{}`)})
	assert.Error(t, err)
}
