package capability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/proto"
)

// DefaultTimeout is the collection window when none is configured.
const DefaultTimeout = 2 * time.Second

// Net is the part of the substrate the query engine uses.
type Net interface {
	LocalPeer() string
	Publish(ctx context.Context, topic string, data []byte) error
	Send(ctx context.Context, peer string, data []byte) error
}

// QueryBody is the cap.query body.
type QueryBody struct {
	ID         string      `json:"id"`
	Predicates []Predicate `json:"predicates"`
}

// MatchBody is the cap.match body.
type MatchBody struct {
	ID string `json:"id"`
}

type pendingQuery struct {
	peers map[string]struct{}
}

// Engine runs queries for one device and answers queries from others.
type Engine struct {
	net      Net
	registry *Registry
	timeout  time.Duration
	ids      IDGenerator
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the collection window.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithIDGenerator sets the query id source. Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a query engine answering from registry.
func NewEngine(net Net, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		net:      net,
		registry: registry,
		timeout:  DefaultTimeout,
		ids:      UUIDv7Generator{},
		pending:  make(map[string]*pendingQuery),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Registry returns the local registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Execute broadcasts preds and returns the sorted ids of peers that
// matched within the collection window. The local device is never part of
// the result. If ctx ends first, the peers collected so far are returned
// together with a Timeout error.
func (e *Engine) Execute(ctx context.Context, preds []Predicate) ([]string, error) {
	for _, p := range preds {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	id := e.ids.Generate()
	pq := &pendingQuery{peers: make(map[string]struct{})}
	e.mu.Lock()
	e.pending[id] = pq
	e.mu.Unlock()

	data, err := proto.Encode(proto.KindCapQuery, e.net.LocalPeer(), QueryBody{ID: id, Predicates: preds})
	if err == nil {
		err = e.net.Publish(ctx, proto.TopicCapability, data)
	}
	if err != nil {
		e.finish(id)
		return nil, fmt.Errorf("capability query: %w", err)
	}
	e.logger.Debug("capability query sent",
		"query_id", id,
		"predicates", len(preds))

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		peers := e.finish(id)
		e.logger.Debug("capability query finished",
			"query_id", id,
			"matches", len(peers))
		return peers, nil
	case <-ctx.Done():
		return e.finish(id), fault.Wrap(fault.CodeTimeout, "capability.execute", ctx.Err())
	}
}

// finish removes the pending query and returns its sorted matches.
// Replies arriving afterwards find no entry and are dropped.
func (e *Engine) finish(id string) []string {
	e.mu.Lock()
	pq := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()

	peers := make([]string, 0)
	if pq == nil {
		return peers
	}
	for p := range pq.peers {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return peers
}

// Handle answers a cap.query or records a cap.match.
func (e *Engine) Handle(ctx context.Context, env proto.Envelope) error {
	switch env.Kind {
	case proto.KindCapQuery:
		if env.From == e.net.LocalPeer() {
			return nil
		}
		var body QueryBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		for _, p := range body.Predicates {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("query %s from %s: %w", body.ID, env.From, err)
			}
		}
		if !e.registry.Matches(body.Predicates) {
			return nil
		}
		data, err := proto.Encode(proto.KindCapMatch, e.net.LocalPeer(), MatchBody{ID: body.ID})
		if err != nil {
			return err
		}
		if err := e.net.Send(ctx, env.From, data); err != nil {
			return fmt.Errorf("match reply to %s: %w", env.From, err)
		}
		return nil

	case proto.KindCapMatch:
		var body MatchBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		pq, ok := e.pending[body.ID]
		if !ok {
			e.logger.Debug("late capability match dropped",
				"query_id", body.ID,
				"peer", env.From)
			return nil
		}
		pq.peers[env.From] = struct{}{}
		return nil

	default:
		return fault.New(fault.CodeUnsupported, "capability", "unexpected kind %s", env.Kind)
	}
}
