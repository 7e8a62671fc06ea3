package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/node"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/substrate/memnet"
	"github.com/roach88/meshsync/internal/testutil"
)

// DefaultSettleTimeout bounds how long the mesh may take to go quiet after
// a step.
const DefaultSettleTimeout = 5 * time.Second

// peer is one scenario participant.
type peer struct {
	id    string
	ep    *memnet.Endpoint
	node  *node.Node
	clock *testutil.DeterministicClock
	store *store.Store
}

// Harness is the scenario execution engine.
type Harness struct {
	hub    *memnet.Hub
	peers  map[string]*peer
	order  []string
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each peer gets a fresh node with its own in-memory database and a
// deterministic clock starting at zero. Logs are discarded. Assertion
// failures are reported in the Result; an error means the scenario could
// not be executed at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &Harness{
		peers:  make(map[string]*peer, len(scenario.Peers)),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
	}
	var hubOpts []memnet.Option
	hubOpts = append(hubOpts, memnet.WithLogger(h.logger))
	if scenario.Duplicates {
		hubOpts = append(hubOpts, memnet.WithDuplicates())
	}
	h.hub = memnet.NewHub(hubOpts...)
	defer h.close()

	for _, id := range scenario.Peers {
		if err := h.addPeer(ctx, id); err != nil {
			return nil, fmt.Errorf("start peer %s: %w", id, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d: settle: %w", i, err)
		}
	}

	for _, id := range h.order {
		digest, err := h.peers[id].node.ContextDigest()
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", id, err)
		}
		result.Digests[id] = digest
	}
	result.Final = ctxstore.Encode(h.peers[h.order[0]].node.ContextSnapshot())

	for _, msg := range h.evaluate(scenario.Assertions, result) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) addPeer(ctx context.Context, id string) error {
	ep, err := h.hub.Join(id)
	if err != nil {
		return err
	}
	st, err := store.Open(":memory:")
	if err != nil {
		_ = ep.Close()
		return fmt.Errorf("failed to create in-memory store: %w", err)
	}
	clock := testutil.NewDeterministicClock(0)
	n := node.New(ep,
		node.WithLogger(h.logger),
		node.WithClock(clock),
		node.WithStore(st),
		node.WithIDGenerator(testutil.NewSequenceIDGenerator(id+"-q")))

	p := &peer{id: id, ep: ep, node: n, clock: clock, store: st}
	h.peers[id] = p
	h.order = append(h.order, id)
	go drain(n.Events())
	return n.Start(ctx)
}

// drain consumes node events so the event buffer never overflows; the
// trace is built from the steps themselves.
func drain(events <-chan node.Event) {
	for range events {
	}
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Connect != nil:
		from, to := step.Connect[0], step.Connect[1]
		if err := h.peers[from].node.Connect(ctx, to); err != nil {
			return err
		}
		result.addTrace(TraceEvent{Op: OpConnect, Peer: from, Target: to})

	case step.Disconnect != nil:
		from, to := step.Disconnect[0], step.Disconnect[1]
		h.peers[from].ep.Disconnect(to)
		result.addTrace(TraceEvent{Op: OpDisconnect, Peer: from, Target: to})

	case step.Update != nil:
		u := step.Update
		p := h.peers[u.Peer]
		value, err := ir.FromGo(u.Value)
		if err != nil {
			return fmt.Errorf("update %s: %w", u.Path, err)
		}
		if u.At > 0 {
			p.clock.Set(u.At - 1)
		}
		if err := p.node.UpdateContext(ctx, u.Path, value); err != nil {
			return err
		}
		result.addTrace(TraceEvent{
			Op:    OpUpdate,
			Peer:  u.Peer,
			Path:  u.Path,
			Value: value,
			TS:    p.clock.Current(),
		})
	}
	return nil
}

// settle waits until no message is in flight anywhere on the hub.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultSettleTimeout)
	defer cancel()
	return h.hub.Settle(ctx)
}

func (h *Harness) close() {
	var errs []error
	for _, id := range h.order {
		p := h.peers[id]
		errs = append(errs, p.node.Stop(context.Background()), p.ep.Close(), p.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("scenario teardown failed", "error", err)
	}
}
