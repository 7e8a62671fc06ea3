package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/mailbox"
	"github.com/roach88/meshsync/internal/stream"
	"github.com/roach88/meshsync/internal/wire"
)

// CommandExecutor drives a Node from a cmdqueue.Runner, giving a full host
// the same non-blocking surface as an embedded device. Device stream ids
// are the caller-chosen uint8 ids of the commands; they map onto node
// stream ids while the stream lives.
//
// Inbound items are buffered until the runner pumps them with Receive, so
// the event callback always runs on the polling goroutine.
type CommandExecutor struct {
	node   *Node
	logger *slog.Logger
	now    func() time.Time
	inbox  *mailbox.Queue[cmdqueue.Event]

	mu        sync.Mutex
	connected bool
	topics    map[string]struct{}
	local     map[uint8]stream.ID
}

// ExecutorOption configures a CommandExecutor.
type ExecutorOption func(*CommandExecutor)

// WithExecutorLogger sets the logger. Defaults to the node's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *CommandExecutor) {
		e.logger = l
	}
}

// WithNow sets the time source for published timestamps.
func WithNow(fn func() time.Time) ExecutorOption {
	return func(e *CommandExecutor) {
		e.now = fn
	}
}

// NewCommandExecutor binds an executor to n. n must be started before the
// first Poll.
func NewCommandExecutor(n *Node, opts ...ExecutorOption) *CommandExecutor {
	e := &CommandExecutor{
		node:   n,
		logger: n.logger,
		now:    time.Now,
		inbox:  mailbox.New[cmdqueue.Event](),
		topics: make(map[string]struct{}),
		local:  make(map[uint8]stream.ID),
	}
	for _, opt := range opts {
		opt(e)
	}
	n.OnMessage(e.onMessage)
	return e
}

// Execute implements cmdqueue.Executor.
func (e *CommandExecutor) Execute(cmd cmdqueue.Command) error {
	ctx := context.Background()
	switch cmd.Kind {
	case cmdqueue.KindConnect:
		if len(cmd.Peer) > 0 {
			if err := e.node.Connect(ctx, string(cmd.Peer)); err != nil {
				return err
			}
		}
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		e.put(cmdqueue.Event{Kind: cmdqueue.EventConnected})
		return nil

	case cmdqueue.KindSubscribe:
		topic := string(cmd.Topic)
		if err := e.node.Subscribe(topic); err != nil {
			return err
		}
		e.mu.Lock()
		e.topics[topic] = struct{}{}
		e.mu.Unlock()
		e.put(cmdqueue.Event{Kind: cmdqueue.EventSubscribed, Topic: []byte(topic)})
		return nil

	case cmdqueue.KindUnsubscribe:
		topic := string(cmd.Topic)
		e.mu.Lock()
		delete(e.topics, topic)
		e.mu.Unlock()
		return e.node.Unsubscribe(topic)

	case cmdqueue.KindPublish:
		return e.node.Publish(ctx, string(cmd.Topic), cmd.Data)

	case cmdqueue.KindSensorUpdate:
		payload, err := wire.SensorPayload(cmd.Sensor, e.now().Unix())
		if err != nil {
			return err
		}
		return e.node.Publish(ctx, wire.SensorTopic(e.node.LocalPeer(), string(cmd.Name)), payload)

	case cmdqueue.KindButtonPress:
		payload, err := wire.ButtonPayload(cmd.Button, cmd.Press, e.now().Unix())
		if err != nil {
			return err
		}
		return e.node.Publish(ctx, wire.ButtonTopic(e.node.LocalPeer()), payload)

	case cmdqueue.KindStreamStart:
		return e.startStream(ctx, cmd)

	case cmdqueue.KindStreamData:
		id, err := e.lookup("node.stream_data", cmd.StreamID)
		if err != nil {
			return err
		}
		return e.node.SendStreamData(ctx, id, cmd.Data)

	case cmdqueue.KindStreamClose:
		id, err := e.lookup("node.stream_close", cmd.StreamID)
		if err != nil {
			return err
		}
		return e.node.CloseStream(ctx, id)

	case cmdqueue.KindUpdateContext:
		v, err := cmd.ContextValue()
		if err != nil {
			return err
		}
		return e.node.UpdateContext(ctx, string(cmd.Path), v)

	case cmdqueue.KindPoll:
		return nil

	default:
		return fault.New(fault.CodeInvalidParams, "node.execute", "unknown command %s", cmd.Kind)
	}
}

func (e *CommandExecutor) startStream(ctx context.Context, cmd cmdqueue.Command) error {
	local := cmd.StreamID
	e.mu.Lock()
	if _, busy := e.local[local]; busy {
		e.mu.Unlock()
		return fault.New(fault.CodeInvalidParams, "node.stream_start", "stream %d already in use", local)
	}
	// Reserve the slot so a racing start cannot claim it.
	e.local[local] = 0
	e.mu.Unlock()

	reason := string(cmd.Reason)
	streamType := reason
	if streamType == "" {
		streamType = "data"
	}
	id, err := e.node.RequestStream(ctx, string(cmd.Peer), streamType, reason, &execHandler{exec: e, local: local})
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		delete(e.local, local)
		return err
	}
	// The handler may already have released the slot on a fast reject.
	if cur, ok := e.local[local]; ok && cur == 0 {
		e.local[local] = id
	}
	return nil
}

func (e *CommandExecutor) lookup(op string, local uint8) (stream.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.local[local]
	if !ok || id == 0 {
		return 0, fault.New(fault.CodeNotFound, op, "no stream %d", local)
	}
	return id, nil
}

func (e *CommandExecutor) release(local uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.local, local)
}

// Receive implements cmdqueue.Receiver.
func (e *CommandExecutor) Receive(emit func(cmdqueue.Event)) (int, error) {
	n := 0
	for {
		ev, ok := e.inbox.TryTake()
		if !ok {
			return n, nil
		}
		emit(ev)
		n++
	}
}

// Connected reports whether a Connect command has run.
func (e *CommandExecutor) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Close stops buffering inbound items.
func (e *CommandExecutor) Close() {
	e.inbox.Close()
}

func (e *CommandExecutor) onMessage(m Message) {
	e.mu.Lock()
	_, ok := e.topics[m.Topic]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.put(cmdqueue.Event{
		Kind:  cmdqueue.EventMessage,
		Topic: []byte(m.Topic),
		From:  []byte(m.From),
		Data:  m.Data,
	})
}

func (e *CommandExecutor) put(ev cmdqueue.Event) {
	if !e.inbox.Put(ev) {
		e.logger.Debug("executor closed, event dropped", "kind", ev.Kind.String())
	}
}

// execHandler relays one executor-started stream into the inbox.
type execHandler struct {
	exec  *CommandExecutor
	local uint8
}

func (h *execHandler) OnAccepted(_ stream.ID, peer string) {
	h.exec.put(cmdqueue.Event{
		Kind:     cmdqueue.EventStreamAccepted,
		StreamID: h.local,
		From:     []byte(peer),
	})
}

func (h *execHandler) OnRejected(_ stream.ID, peer string, reason string) {
	h.exec.release(h.local)
	h.exec.put(cmdqueue.Event{
		Kind:     cmdqueue.EventStreamRejected,
		StreamID: h.local,
		From:     []byte(peer),
		Reason:   []byte(reason),
	})
}

func (h *execHandler) OnData(_ stream.ID, data []byte) {
	h.exec.put(cmdqueue.Event{
		Kind:     cmdqueue.EventStreamData,
		StreamID: h.local,
		Data:     data,
	})
}

func (h *execHandler) OnClosed(_ stream.ID, reason stream.CloseReason) {
	h.exec.release(h.local)
	h.exec.put(cmdqueue.Event{
		Kind:     cmdqueue.EventStreamClosed,
		StreamID: h.local,
		Reason:   []byte(reason.String()),
	})
}
