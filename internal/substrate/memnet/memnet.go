// Package memnet is an in-process substrate. A Hub connects any number of
// Endpoints; each Endpoint delivers inbound traffic from a single mailbox
// goroutine, so per-peer ordering holds and handlers never run concurrently
// with each other on one endpoint.
package memnet

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/mailbox"
	"github.com/roach88/meshsync/internal/substrate"
)

// Hub is the shared medium between endpoints.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	dup       bool
	logger    *slog.Logger

	sent atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithDuplicates makes the hub deliver every message twice, exercising
// receivers' tolerance of at-least-once delivery.
func WithDuplicates() Option {
	return func(h *Hub) {
		h.dup = true
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{endpoints: make(map[string]*Endpoint)}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Join attaches a new endpoint with the given peer id.
func (h *Hub) Join(peer string) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.endpoints[peer]; exists {
		return nil, fmt.Errorf("memnet: peer %q already joined", peer)
	}
	e := &Endpoint{
		hub:   h,
		id:    peer,
		subs:  make(map[string]substrate.Handler),
		links: make(map[string]bool),
		inbox: mailbox.New[delivery](),
		done:  make(chan struct{}),
	}
	h.endpoints[peer] = e
	go e.run()
	return e, nil
}

// MessagesSent returns the number of messages handed to endpoints,
// duplicates included.
func (h *Hub) MessagesSent() int64 {
	return h.sent.Load()
}

// Settle blocks until every endpoint has delivered everything queued to
// it, including traffic generated while draining.
func (h *Hub) Settle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	quiet := 0
	for {
		if h.pending() == 0 {
			quiet++
			if quiet >= 3 {
				return nil
			}
		} else {
			quiet = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) pending() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int64
	for _, e := range h.endpoints {
		n += e.pending.Load()
	}
	return n
}

func (h *Hub) endpoint(peer string) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endpoints[peer]
}

func (h *Hub) leave(peer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, peer)
}

type delivery struct {
	msg  substrate.Message
	peer *substrate.PeerEvent
}

// Endpoint is one device's view of the hub. It implements
// substrate.Substrate.
type Endpoint struct {
	hub *Hub
	id  string

	mu     sync.RWMutex
	subs   map[string]substrate.Handler
	direct substrate.Handler
	peerH  substrate.PeerHandler
	links  map[string]bool
	closed bool

	inbox   *mailbox.Queue[delivery]
	pending atomic.Int64
	done    chan struct{}
}

var _ substrate.Substrate = (*Endpoint)(nil)

// LocalPeer implements substrate.Substrate.
func (e *Endpoint) LocalPeer() string {
	return e.id
}

// Connect links this endpoint with the endpoint whose peer id is addr.
// Both sides observe a connected PeerEvent. Connecting twice is a no-op.
func (e *Endpoint) Connect(ctx context.Context, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if addr == e.id {
		return fault.New(fault.CodeInvalidParams, "memnet.connect", "cannot connect to self")
	}
	other := e.hub.endpoint(addr)
	if other == nil {
		return fault.New(fault.CodeNotFound, "memnet.connect", "no peer %q", addr)
	}
	if !e.link(addr) {
		return nil
	}
	other.link(e.id)

	e.enqueue(delivery{peer: &substrate.PeerEvent{Peer: addr, Connected: true}})
	other.enqueue(delivery{peer: &substrate.PeerEvent{Peer: e.id, Connected: true}})
	return nil
}

// Disconnect drops the link to peer. Both sides observe a disconnected
// PeerEvent after any traffic already queued.
func (e *Endpoint) Disconnect(peer string) {
	if !e.unlink(peer) {
		return
	}
	e.enqueue(delivery{peer: &substrate.PeerEvent{Peer: peer, Connected: false}})
	if other := e.hub.endpoint(peer); other != nil && other.unlink(e.id) {
		other.enqueue(delivery{peer: &substrate.PeerEvent{Peer: e.id, Connected: false}})
	}
}

// Publish implements substrate.Substrate.
func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return substrate.ErrClosed
	}
	for _, peer := range e.Peers() {
		if other := e.hub.endpoint(peer); other != nil {
			other.deliver(substrate.Message{From: e.id, Topic: topic, Data: data})
		}
	}
	return nil
}

// Send implements substrate.Substrate.
func (e *Endpoint) Send(ctx context.Context, peer string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return substrate.ErrClosed
	}
	e.mu.RLock()
	linked := e.links[peer]
	e.mu.RUnlock()

	other := e.hub.endpoint(peer)
	if !linked || other == nil {
		return fault.New(fault.CodeNotFound, "memnet.send", "peer %q not connected", peer)
	}
	other.deliver(substrate.Message{From: e.id, Data: data})
	return nil
}

// Subscribe implements substrate.Substrate.
func (e *Endpoint) Subscribe(topic string, h substrate.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return substrate.ErrClosed
	}
	e.subs[topic] = h
	return nil
}

// Unsubscribe implements substrate.Substrate.
func (e *Endpoint) Unsubscribe(topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, topic)
	return nil
}

// HandleDirect implements substrate.Substrate.
func (e *Endpoint) HandleDirect(h substrate.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.direct = h
}

// HandlePeers implements substrate.Substrate.
func (e *Endpoint) HandlePeers(h substrate.PeerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerH = h
}

// Peers implements substrate.Substrate.
func (e *Endpoint) Peers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	peers := make([]string, 0, len(e.links))
	for p := range e.links {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return peers
}

// Close disconnects every peer, delivers what is already queued, then stops
// the endpoint's goroutine.
func (e *Endpoint) Close() error {
	for _, peer := range e.Peers() {
		e.Disconnect(peer)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.leave(e.id)
	e.inbox.Close()
	<-e.done
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Endpoint) link(peer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.links[peer] {
		return false
	}
	e.links[peer] = true
	return true
}

func (e *Endpoint) unlink(peer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.links[peer] {
		return false
	}
	delete(e.links, peer)
	return true
}

// deliver queues an inbound message, twice when the hub injects duplicates.
func (e *Endpoint) deliver(msg substrate.Message) {
	e.enqueue(delivery{msg: msg})
	if e.hub.dup {
		e.enqueue(delivery{msg: msg})
	}
}

func (e *Endpoint) enqueue(d delivery) {
	e.pending.Add(1)
	if !e.inbox.Put(d) {
		e.pending.Add(-1)
		return
	}
	e.hub.sent.Add(1)
}

func (e *Endpoint) run() {
	defer close(e.done)
	_ = e.inbox.Drain(context.Background(), func(d delivery) {
		defer e.pending.Add(-1)
		e.dispatch(d)
	})
}

func (e *Endpoint) dispatch(d delivery) {
	e.mu.RLock()
	peerH := e.peerH
	direct := e.direct
	var topicH substrate.Handler
	if d.peer == nil && d.msg.Topic != "" {
		topicH = e.subs[d.msg.Topic]
	}
	e.mu.RUnlock()

	switch {
	case d.peer != nil:
		if peerH != nil {
			peerH(*d.peer)
		}
	case d.msg.Topic != "":
		if topicH != nil {
			topicH(d.msg)
		}
	default:
		if direct != nil {
			direct(d.msg)
		} else {
			e.hub.logger.Debug("direct message dropped, no handler",
				"peer", e.id,
				"from", d.msg.From)
		}
	}
}
