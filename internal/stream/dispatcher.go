// Package stream multiplexes real-time data streams between peers.
//
// A Dispatcher owns every stream record of one device. Lifecycle state is
// mutated under the dispatcher lock; handler callbacks are posted to a
// per-stream mailbox drained by one goroutine, so callbacks of one stream
// are strictly serialized while different streams run concurrently.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/mailbox"
	"github.com/roach88/meshsync/internal/proto"
)

// Net is the part of the substrate the dispatcher uses.
type Net interface {
	LocalPeer() string
	Send(ctx context.Context, peer string, data []byte) error
}

type record struct {
	id        ID
	wireID    ID
	peer      string
	typ       string
	initiator bool
	state     State
	handler   Handler
	box       *mailbox.Queue[func()]
}

// remoteKey names an inbound stream by the initiator's peer and id.
type remoteKey struct {
	peer string
	id   ID
}

// Dispatcher tracks streams and routes stream.* messages.
type Dispatcher struct {
	net      Net
	logger   *slog.Logger
	observer func(Event)

	nextID  atomic.Uint64
	pending atomic.Int64

	mu        sync.Mutex
	factories map[string]Factory
	records   map[ID]*record
	inbound   map[remoteKey]ID
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithObserver registers fn to receive every lifecycle Event. fn runs on
// the stream's mailbox goroutine, after the handler callback.
func WithObserver(fn func(Event)) Option {
	return func(d *Dispatcher) {
		d.observer = fn
	}
}

// NewDispatcher creates a dispatcher sending over net.
func NewDispatcher(net Net, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		net:       net,
		factories: make(map[string]Factory),
		records:   make(map[ID]*record),
		inbound:   make(map[remoteKey]ID),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// RegisterHandler installs the factory for streamType. A later
// registration for the same type replaces the earlier one.
func (d *Dispatcher) RegisterHandler(streamType string, f Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[streamType] = f
}

// Request opens a stream to peer and returns its id in Requested state.
// The remote's accept or reject arrives later through h. If h is nil the
// factory registered for streamType supplies the handler, if any.
func (d *Dispatcher) Request(ctx context.Context, peer, streamType, reason string, h Handler) (ID, error) {
	if peer == "" || streamType == "" {
		return 0, fault.New(fault.CodeInvalidParams, "stream.request", "peer and type are required")
	}
	if peer == d.net.LocalPeer() {
		return 0, fault.New(fault.CodeInvalidParams, "stream.request", "cannot open a stream to self")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, fault.New(fault.CodeInvalidParams, "stream.request", "dispatcher closed")
	}
	f := d.factories[streamType]
	d.mu.Unlock()
	if h == nil && f != nil {
		h = f.NewHandler(peer, streamType)
	}

	id := ID(d.nextID.Add(1))
	rec := d.newRecord(id, id, peer, streamType, true, StateRequested, h)

	d.mu.Lock()
	d.records[id] = rec
	d.mu.Unlock()

	data, err := proto.Encode(proto.KindStreamStart, d.net.LocalPeer(), StartBody{
		ID:     id,
		Type:   streamType,
		Reason: reason,
	})
	if err == nil {
		err = d.net.Send(ctx, peer, data)
	}
	if err != nil {
		d.mu.Lock()
		delete(d.records, id)
		d.mu.Unlock()
		rec.box.Close()
		return 0, fmt.Errorf("stream request to %s: %w", peer, err)
	}

	d.logger.Debug("stream requested",
		"stream_id", id,
		"peer", peer,
		"type", streamType)
	return id, nil
}

// Send forwards one chunk on an Active stream.
func (d *Dispatcher) Send(ctx context.Context, id ID, data []byte) error {
	if len(data) > MaxChunk {
		return fault.New(fault.CodeInvalidParams, "stream.send", "chunk of %d bytes exceeds %d", len(data), MaxChunk)
	}

	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return fault.New(fault.CodeNotFound, "stream.send", "stream %d", id)
	}
	if rec.state != StateActive {
		state := rec.state
		d.mu.Unlock()
		return fault.New(fault.CodeStreamNotActive, "stream.send", "stream %d is %s", id, state)
	}
	peer, wireID, initiator := rec.peer, rec.wireID, rec.initiator
	d.mu.Unlock()

	msg, err := proto.Encode(proto.KindStreamData, d.net.LocalPeer(), DataBody{
		ID:            wireID,
		FromInitiator: initiator,
		Data:          data,
	})
	if err != nil {
		return err
	}
	return d.net.Send(ctx, peer, msg)
}

// Close ends a stream locally and tells the peer. The handler receives
// OnClosed(LocalClose) after any chunks already queued for it.
func (d *Dispatcher) Close(ctx context.Context, id ID) error {
	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return fault.New(fault.CodeNotFound, "stream.close", "stream %d", id)
	}
	d.finish(rec, LocalClose)
	d.mu.Unlock()

	d.sendClose(ctx, rec, LocalClose)
	return nil
}

// PeerDisconnected closes every stream with peer.
func (d *Dispatcher) PeerDisconnected(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.sortedRecords() {
		if rec.peer == peer {
			d.finish(rec, PeerDisconnected)
		}
	}
}

// State returns the state of a live stream.
func (d *Dispatcher) State(id ID) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return 0, fault.New(fault.CodeNotFound, "stream.state", "stream %d", id)
	}
	return rec.state, nil
}

// Streams lists live streams ordered by id.
func (d *Dispatcher) Streams() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	recs := d.sortedRecords()
	out := make([]Info, len(recs))
	for i, rec := range recs {
		out[i] = Info{
			ID:        rec.id,
			Peer:      rec.peer,
			Type:      rec.typ,
			State:     rec.state,
			Initiator: rec.initiator,
		}
	}
	return out
}

// Shutdown closes every stream, notifies peers best-effort and waits for
// all pending callbacks to finish. Further Requests fail.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	recs := d.sortedRecords()
	for _, rec := range recs {
		d.finish(rec, LocalClose)
	}
	d.mu.Unlock()

	for _, rec := range recs {
		d.sendClose(ctx, rec, LocalClose)
	}
	d.wg.Wait()
}

// Handle applies a stream.* envelope received from env.From.
func (d *Dispatcher) Handle(ctx context.Context, env proto.Envelope) error {
	switch env.Kind {
	case proto.KindStreamStart:
		var body StartBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		return d.handleStart(ctx, env.From, body)

	case proto.KindStreamAccept:
		var body AcceptBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		d.handleAccept(env.From, body)
		return nil

	case proto.KindStreamReject:
		var body RejectBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		d.handleReject(env.From, body)
		return nil

	case proto.KindStreamData:
		var body DataBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		d.handleData(env.From, body)
		return nil

	case proto.KindStreamClose:
		var body CloseBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		d.mu.Lock()
		if rec := d.resolve(env.From, body.ID, body.FromInitiator); rec != nil {
			d.finish(rec, RemoteClose)
		}
		d.mu.Unlock()
		return nil

	default:
		return fault.New(fault.CodeUnsupported, "stream", "unexpected kind %s", env.Kind)
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, from string, body StartBody) error {
	key := remoteKey{peer: from, id: body.ID}

	d.mu.Lock()
	if _, live := d.inbound[key]; live {
		d.mu.Unlock()
		// Duplicate start: the first accept may have been lost.
		return d.reply(ctx, from, proto.KindStreamAccept, AcceptBody{ID: body.ID})
	}
	f := d.factories[body.Type]
	closed := d.closed
	d.mu.Unlock()

	var h Handler
	if f != nil && !closed {
		h = f.NewHandler(from, body.Type)
	}
	if h == nil {
		d.logger.Info("stream rejected",
			"peer", from,
			"type", body.Type,
			"reason", ReasonUnsupported)
		d.notify(Event{Kind: EventRejected, Peer: from, Type: body.Type, Reason: ReasonUnsupported})
		return d.reply(ctx, from, proto.KindStreamReject, RejectBody{ID: body.ID, Reason: ReasonUnsupported})
	}

	id := ID(d.nextID.Add(1))
	rec := d.newRecord(id, body.ID, from, body.Type, false, StateActive, h)

	d.mu.Lock()
	if _, live := d.inbound[key]; live {
		d.mu.Unlock()
		rec.box.Close()
		return nil
	}
	d.records[id] = rec
	d.inbound[key] = id
	d.post(rec, nil, Event{Kind: EventRequested, Reason: body.Reason})
	d.post(rec, func() { h.OnAccepted(id, from) }, Event{Kind: EventAccepted})
	d.mu.Unlock()

	d.logger.Debug("stream accepted",
		"stream_id", id,
		"peer", from,
		"type", body.Type)
	return d.reply(ctx, from, proto.KindStreamAccept, AcceptBody{ID: body.ID})
}

func (d *Dispatcher) handleAccept(from string, body AcceptBody) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.resolve(from, body.ID, false)
	if rec == nil || rec.state != StateRequested {
		return
	}
	rec.state = StateActive
	h := rec.handler
	d.post(rec, func() {
		if h != nil {
			h.OnAccepted(rec.id, rec.peer)
		}
	}, Event{Kind: EventAccepted})
}

func (d *Dispatcher) handleReject(from string, body RejectBody) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.resolve(from, body.ID, false)
	if rec == nil || rec.state != StateRequested {
		return
	}
	rec.state = StateRejected
	h := rec.handler
	d.post(rec, func() {
		if h != nil {
			h.OnRejected(rec.id, rec.peer, body.Reason)
		}
	}, Event{Kind: EventRejected, Reason: body.Reason})

	rec.state = StateClosed
	d.remove(rec)
	d.logger.Info("stream rejected by peer",
		"stream_id", rec.id,
		"peer", from,
		"reason", body.Reason)
}

func (d *Dispatcher) handleData(from string, body DataBody) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.resolve(from, body.ID, body.FromInitiator)
	if rec == nil || rec.state != StateActive {
		d.logger.Debug("stream data dropped",
			"peer", from,
			"wire_id", body.ID)
		return
	}
	h := rec.handler
	data := body.Data
	d.post(rec, func() {
		if h != nil {
			h.OnData(rec.id, data)
		}
	}, Event{Kind: EventData, Data: data})
}

// resolve finds the record a remote message refers to. fromInitiator means
// id is in the sender's id space. Caller holds d.mu.
func (d *Dispatcher) resolve(from string, id ID, fromInitiator bool) *record {
	if fromInitiator {
		local, ok := d.inbound[remoteKey{peer: from, id: id}]
		if !ok {
			return nil
		}
		return d.records[local]
	}
	rec, ok := d.records[id]
	if !ok || !rec.initiator || rec.peer != from {
		return nil
	}
	return rec
}

// finish moves rec to Closed, queues OnClosed and drops the record.
// Caller holds d.mu.
func (d *Dispatcher) finish(rec *record, reason CloseReason) {
	rec.state = StateClosed
	h := rec.handler
	d.post(rec, func() {
		if h != nil {
			h.OnClosed(rec.id, reason)
		}
	}, Event{Kind: EventClosed, CloseReason: reason})
	d.remove(rec)
	d.logger.Debug("stream closed",
		"stream_id", rec.id,
		"peer", rec.peer,
		"reason", reason.String())
}

// remove unregisters rec and lets its mailbox drain. Caller holds d.mu.
func (d *Dispatcher) remove(rec *record) {
	delete(d.records, rec.id)
	if !rec.initiator {
		delete(d.inbound, remoteKey{peer: rec.peer, id: rec.wireID})
	}
	rec.box.Close()
}

func (d *Dispatcher) newRecord(id, wireID ID, peer, typ string, initiator bool, state State, h Handler) *record {
	rec := &record{
		id:        id,
		wireID:    wireID,
		peer:      peer,
		typ:       typ,
		initiator: initiator,
		state:     state,
		handler:   h,
		box:       mailbox.New[func()](),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = rec.box.Drain(context.Background(), func(fn func()) {
			d.invoke(rec, fn)
		})
	}()
	return rec
}

// post queues a handler callback followed by the observer event.
func (d *Dispatcher) post(rec *record, fn func(), ev Event) {
	ev.ID = rec.id
	ev.Peer = rec.peer
	ev.Type = rec.typ
	d.pending.Add(1)
	ok := rec.box.Put(func() {
		defer d.pending.Add(-1)
		if fn != nil {
			fn()
		}
		d.notify(ev)
	})
	if !ok {
		d.pending.Add(-1)
	}
}

// Pending returns the number of callbacks queued but not yet run.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}

// invoke runs one callback. A panicking handler is logged and the stream
// keeps draining.
func (d *Dispatcher) invoke(rec *record, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("stream handler panicked",
				"stream_id", rec.id,
				"peer", rec.peer,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (d *Dispatcher) notify(ev Event) {
	if d.observer != nil {
		d.observer(ev)
	}
}

func (d *Dispatcher) sendClose(ctx context.Context, rec *record, reason CloseReason) {
	err := d.reply(ctx, rec.peer, proto.KindStreamClose, CloseBody{
		ID:            rec.wireID,
		FromInitiator: rec.initiator,
		Reason:        reason.String(),
	})
	if err != nil {
		d.logger.Debug("stream close notify failed",
			"stream_id", rec.id,
			"peer", rec.peer,
			"error", err)
	}
}

func (d *Dispatcher) reply(ctx context.Context, peer string, kind proto.Kind, body any) error {
	data, err := proto.Encode(kind, d.net.LocalPeer(), body)
	if err != nil {
		return err
	}
	if err := d.net.Send(ctx, peer, data); err != nil {
		return fmt.Errorf("%s to %s: %w", kind, peer, err)
	}
	return nil
}

// sortedRecords returns live records by id. Caller holds d.mu.
func (d *Dispatcher) sortedRecords() []*record {
	recs := make([]*record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return recs
}
