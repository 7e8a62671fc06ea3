// Package node is the full-host runtime: one mesh device with its shared
// context replica, stream dispatcher and capability engine bound to a
// substrate.
//
// Thread-safety model:
//   - Substrate handlers run on substrate goroutines and route envelopes to
//     the owning component; each component guards its own state
//   - Public methods are safe from any goroutine
//   - Events are delivered on a buffered channel; when the consumer falls
//     behind, events are dropped with a warning rather than stalling the
//     substrate
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/capability"
	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/proto"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/stream"
	"github.com/roach88/meshsync/internal/substrate"
	"github.com/roach88/meshsync/internal/syncproto"
)

// DefaultEventBuffer is the capacity of the Events channel.
const DefaultEventBuffer = 256

// Node is one running mesh device.
type Node struct {
	sub     substrate.Substrate
	logger  *slog.Logger
	clock   ctxstore.Clock
	persist *store.Store

	registry     *capability.Registry
	queryTimeout time.Duration
	ids          capability.IDGenerator
	eventBuffer  int

	replica *ctxstore.Store
	syncer  *syncproto.Protocol
	streams *stream.Dispatcher
	caps    *capability.Engine

	mu        sync.Mutex
	events    chan Event
	started   bool
	stopped   bool
	topics    map[string]struct{}
	listeners []func(Message)
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// WithClock sets the context write clock. Defaults to a wall clock.
func WithClock(c ctxstore.Clock) Option {
	return func(n *Node) {
		n.clock = c
	}
}

// WithStore persists the context replica and peer history in s. The
// snapshot in s is merged into the replica on Start.
func WithStore(s *store.Store) Option {
	return func(n *Node) {
		n.persist = s
	}
}

// WithRegistry sets the local capability registry.
func WithRegistry(r *capability.Registry) Option {
	return func(n *Node) {
		n.registry = r
	}
}

// WithQueryTimeout sets the capability query collection window.
func WithQueryTimeout(d time.Duration) Option {
	return func(n *Node) {
		n.queryTimeout = d
	}
}

// WithIDGenerator sets the capability query id source.
func WithIDGenerator(g capability.IDGenerator) Option {
	return func(n *Node) {
		n.ids = g
	}
}

// WithEventBuffer sets the Events channel capacity.
func WithEventBuffer(size int) Option {
	return func(n *Node) {
		n.eventBuffer = size
	}
}

// New creates a node over sub. The node does not handle traffic until
// Start is called.
func New(sub substrate.Substrate, opts ...Option) *Node {
	n := &Node{
		sub:          sub,
		queryTimeout: capability.DefaultTimeout,
		eventBuffer:  DefaultEventBuffer,
		topics:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.registry == nil {
		n.registry = capability.NewRegistry()
	}
	if n.eventBuffer < 1 {
		n.eventBuffer = 1
	}
	n.events = make(chan Event, n.eventBuffer)

	ctxOpts := []ctxstore.Option{ctxstore.WithLogger(n.logger)}
	if n.clock != nil {
		ctxOpts = append(ctxOpts, ctxstore.WithClock(n.clock))
	}
	n.replica = ctxstore.New(sub.LocalPeer(), ctxOpts...)
	n.syncer = syncproto.New(n.replica, sub,
		syncproto.WithLogger(n.logger),
		syncproto.WithChangeHandler(n.onContextChange))
	n.streams = stream.NewDispatcher(sub,
		stream.WithLogger(n.logger),
		stream.WithObserver(n.onStreamEvent))

	capOpts := []capability.Option{
		capability.WithLogger(n.logger),
		capability.WithTimeout(n.queryTimeout),
	}
	if n.ids != nil {
		capOpts = append(capOpts, capability.WithIDGenerator(n.ids))
	}
	n.caps = capability.NewEngine(sub, n.registry, capOpts...)
	return n
}

// Start restores persisted context, attaches the substrate handlers and
// emits Started. Calling Start twice is an error.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node %s: already started", n.LocalPeer())
	}
	n.started = true
	n.mu.Unlock()

	if n.persist != nil {
		root, err := n.persist.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("restore context: %w", err)
		}
		if _, err := n.replica.Merge("", root); err != nil {
			return fmt.Errorf("restore context: %w", err)
		}
	}

	for _, topic := range []string{proto.TopicContext, proto.TopicCapability} {
		if err := n.sub.Subscribe(topic, n.onBroadcast); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	n.sub.HandleDirect(n.onDirect)
	n.sub.HandlePeers(n.onPeer)

	n.logger.Info("node started",
		"peer", n.LocalPeer(),
		"persistent", n.persist != nil)
	n.emit(Event{Kind: EventStarted, Peer: n.LocalPeer()})
	return nil
}

// Stop closes every stream, detaches from the substrate, flushes the
// context snapshot and closes the Events channel. The substrate itself is
// left open for its owner to close.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	topics := make([]string, 0, len(n.topics))
	for t := range n.topics {
		topics = append(topics, t)
	}
	n.mu.Unlock()

	n.streams.Shutdown(ctx)

	for _, topic := range append(topics, proto.TopicContext, proto.TopicCapability) {
		if err := n.sub.Unsubscribe(topic); err != nil {
			n.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	n.sub.HandleDirect(nil)
	n.sub.HandlePeers(nil)

	var err error
	if n.persist != nil {
		if serr := n.persist.SaveSnapshot(ctx, n.replica.Snapshot()); serr != nil {
			err = fmt.Errorf("flush context: %w", serr)
		}
	}

	n.emit(Event{Kind: EventStopped, Peer: n.LocalPeer()})

	n.mu.Lock()
	n.stopped = true
	close(n.events)
	n.mu.Unlock()

	n.logger.Info("node stopped", "peer", n.LocalPeer())
	return err
}

// Events returns the node's event stream. The channel is closed by Stop.
func (n *Node) Events() <-chan Event {
	return n.events
}

// LocalPeer returns this node's peer id.
func (n *Node) LocalPeer() string {
	return n.sub.LocalPeer()
}

// Connect dials a peer through the substrate.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if err := n.sub.Connect(ctx, addr); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return nil
}

// Peers returns the connected peer ids, sorted.
func (n *Node) Peers() []string {
	return n.sub.Peers()
}

// IsConnected reports whether peer is currently connected.
func (n *Node) IsConnected(peer string) bool {
	return slices.Contains(n.sub.Peers(), peer)
}

// Subscribe starts delivering topic messages as Message events and to
// OnMessage listeners. Subscribing twice is a no-op.
func (n *Node) Subscribe(topic string) error {
	if err := checkTopic("node.subscribe", topic); err != nil {
		return err
	}
	if err := n.sub.Subscribe(topic, n.onTopic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	n.mu.Lock()
	n.topics[topic] = struct{}{}
	n.mu.Unlock()
	return nil
}

// Unsubscribe stops delivering topic. Unknown topics are ignored.
func (n *Node) Unsubscribe(topic string) error {
	if err := checkTopic("node.unsubscribe", topic); err != nil {
		return err
	}
	n.mu.Lock()
	delete(n.topics, topic)
	n.mu.Unlock()
	if err := n.sub.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish broadcasts data on topic. Oversized topics or payloads fail
// with InvalidParams before anything is sent.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	if err := checkTopic("node.publish", topic); err != nil {
		return err
	}
	if len(data) > cmdqueue.MaxPayload {
		return fault.New(fault.CodeInvalidParams, "node.publish",
			"payload is %d bytes, limit %d", len(data), cmdqueue.MaxPayload)
	}
	msg, err := proto.Encode(proto.KindTopicMsg, n.LocalPeer(), topicBody{Topic: topic, Data: data})
	if err != nil {
		return err
	}
	if err := n.sub.Publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// OnMessage registers fn for every message on a subscribed topic. fn runs
// on a substrate goroutine and must not block.
func (n *Node) OnMessage(fn func(Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func checkTopic(op, topic string) error {
	if topic == "" || len(topic) > cmdqueue.MaxTopic {
		return fault.New(fault.CodeInvalidParams, op,
			"topic must be 1..%d bytes, got %d", cmdqueue.MaxTopic, len(topic))
	}
	if proto.IsReservedTopic(topic) {
		return fault.New(fault.CodeInvalidParams, op, "topic %q is reserved", topic)
	}
	return nil
}

// UpdateContext writes value at path and broadcasts the diff.
func (n *Node) UpdateContext(ctx context.Context, path string, value ir.Value) error {
	if err := n.syncer.Update(ctx, path, value); err != nil {
		return err
	}
	n.persistPath(ctx, path)
	n.emit(Event{Kind: EventContextUpdated, Peer: n.LocalPeer(), Path: path})
	return nil
}

// GetContext reads the value at path from the local replica.
func (n *Node) GetContext(path string) (ir.Value, error) {
	return n.syncer.Get(path)
}

// Has reports whether path resolves in the local replica.
func (n *Node) Has(path string) bool {
	return n.replica.Has(path)
}

// ContextDigest returns the digest of the local replica.
func (n *Node) ContextDigest() (string, error) {
	return n.replica.Digest()
}

// ContextSnapshot returns a deep copy of the stamped local tree.
func (n *Node) ContextSnapshot() *ctxstore.Node {
	return n.replica.Snapshot()
}

// RegisterStreamHandler installs the factory for streamType.
func (n *Node) RegisterStreamHandler(streamType string, f stream.Factory) {
	n.streams.RegisterHandler(streamType, f)
}

// RequestStream opens a stream to peer. The returned id is in Requested
// state until the remote answers.
func (n *Node) RequestStream(ctx context.Context, peer, streamType, reason string, h stream.Handler) (stream.ID, error) {
	return n.streams.Request(ctx, peer, streamType, reason, h)
}

// SendStreamData sends one chunk on an Active stream.
func (n *Node) SendStreamData(ctx context.Context, id stream.ID, data []byte) error {
	return n.streams.Send(ctx, id, data)
}

// CloseStream closes a stream locally.
func (n *Node) CloseStream(ctx context.Context, id stream.ID) error {
	return n.streams.Close(ctx, id)
}

// StreamState returns the state of a live stream.
func (n *Node) StreamState(id stream.ID) (stream.State, error) {
	return n.streams.State(id)
}

// Streams lists the live streams.
func (n *Node) Streams() []stream.Info {
	return n.streams.Streams()
}

// ExecuteQuery returns the peers whose capabilities satisfy every
// predicate within the query window.
func (n *Node) ExecuteQuery(ctx context.Context, preds []capability.Predicate) ([]string, error) {
	return n.caps.Execute(ctx, preds)
}

// Capabilities returns the local capability registry.
func (n *Node) Capabilities() *capability.Registry {
	return n.registry
}

// PendingCallbacks reports stream callbacks not yet run.
func (n *Node) PendingCallbacks() int64 {
	return n.streams.Pending()
}

func (n *Node) onBroadcast(msg substrate.Message) {
	n.route(msg)
}

func (n *Node) onDirect(msg substrate.Message) {
	n.route(msg)
}

// route dispatches one envelope by kind family. Failures are logged and
// the node keeps running.
func (n *Node) route(msg substrate.Message) {
	env, err := proto.Decode(msg.Data)
	if err != nil {
		n.logger.Warn("undecodable message dropped",
			"from", msg.From,
			"topic", msg.Topic,
			"error", err)
		return
	}
	// The transport's sender wins over the self-declared one.
	env.From = msg.From

	ctx := context.Background()
	switch env.Kind.Family() {
	case "ctx":
		err = n.syncer.Handle(env)
	case "stream":
		err = n.streams.Handle(ctx, env)
	case "cap":
		err = n.caps.Handle(ctx, env)
	case "topic":
		n.deliverTopic(env, msg.Topic)
	default:
		err = fault.New(fault.CodeUnsupported, "node.route", "unknown kind %s", env.Kind)
	}
	if err != nil {
		n.logger.Warn("message handling failed",
			"kind", env.Kind,
			"from", env.From,
			"error", err)
	}
}

func (n *Node) onTopic(msg substrate.Message) {
	n.route(msg)
}

// deliverTopic hands a topic.msg to listeners. The substrate topic is
// authoritative; the body's copy only matters for direct delivery.
func (n *Node) deliverTopic(env proto.Envelope, topic string) {
	var body topicBody
	if err := env.UnmarshalBody(&body); err != nil {
		n.logger.Warn("bad topic message", "from", env.From, "error", err)
		return
	}
	if topic != "" {
		body.Topic = topic
	}
	n.mu.Lock()
	_, subscribed := n.topics[body.Topic]
	listeners := append([]func(Message){}, n.listeners...)
	n.mu.Unlock()
	if !subscribed {
		return
	}

	m := Message{From: env.From, Topic: body.Topic, Data: body.Data}
	n.emit(Event{Kind: EventMessage, Peer: m.From, Topic: m.Topic, Data: m.Data})
	for _, fn := range listeners {
		fn(m)
	}
}

func (n *Node) onPeer(ev substrate.PeerEvent) {
	ctx := context.Background()
	if !ev.Connected {
		n.streams.PeerDisconnected(ev.Peer)
		n.logger.Info("peer disconnected", "peer", ev.Peer)
		n.emit(Event{Kind: EventPeerDisconnected, Peer: ev.Peer})
		return
	}

	n.logger.Info("peer connected", "peer", ev.Peer)
	n.emit(Event{Kind: EventPeerConnected, Peer: ev.Peer})
	if err := n.syncer.PeerConnected(ctx, ev.Peer); err != nil {
		n.logger.Warn("context snapshot exchange failed",
			"peer", ev.Peer,
			"error", err)
	}
	if n.persist != nil {
		if err := n.persist.RecordPeer(ctx, ev.Peer, ""); err != nil {
			n.logger.Warn("peer record failed", "peer", ev.Peer, "error", err)
		}
	}
}

func (n *Node) onContextChange(c syncproto.Change) {
	ctx := context.Background()
	if c.Path == "" {
		if n.persist != nil {
			if err := n.persist.SaveSnapshot(ctx, n.replica.Snapshot()); err != nil {
				n.logger.Warn("context snapshot persist failed", "error", err)
			}
		}
	} else {
		n.persistPath(ctx, c.Path)
	}
	n.emit(Event{Kind: EventContextUpdated, Peer: c.From, Path: c.Path})
}

// persistPath saves the top-level key containing path.
func (n *Node) persistPath(ctx context.Context, path string) {
	if n.persist == nil {
		return
	}
	segs, err := ctxstore.ParsePath(path)
	if err != nil {
		return
	}
	key := segs[0]
	node, err := n.replica.GetNode(key)
	if err != nil {
		n.logger.Warn("context key vanished before persist", "key", key, "error", err)
		return
	}
	if err := n.persist.SaveKey(ctx, key, node); err != nil {
		n.logger.Warn("context persist failed", "key", key, "error", err)
	}
}

func (n *Node) onStreamEvent(ev stream.Event) {
	kind, ok := streamEventKind(ev.Kind)
	if !ok {
		return
	}
	n.emit(Event{
		Kind:        kind,
		Peer:        ev.Peer,
		Data:        ev.Data,
		StreamID:    ev.ID,
		StreamType:  ev.Type,
		Reason:      ev.Reason,
		CloseReason: ev.CloseReason,
	})
}

// emit never blocks; a full channel drops the event.
func (n *Node) emit(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("event dropped, consumer too slow",
			"kind", ev.Kind.String(),
			"peer", ev.Peer)
	}
}

// MarshalJSON renders an event for CLI output.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"kind": e.Kind.String()}
	if e.Peer != "" {
		out["peer"] = e.Peer
	}
	if e.Topic != "" {
		out["topic"] = e.Topic
	}
	if e.Data != nil {
		out["data"] = string(e.Data)
	}
	if e.Path != "" {
		out["path"] = e.Path
	}
	if e.StreamID != 0 {
		out["stream_id"] = e.StreamID
		out["stream_type"] = e.StreamType
	}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	if e.CloseReason != 0 {
		out["close_reason"] = e.CloseReason.String()
	}
	return json.Marshal(out)
}
