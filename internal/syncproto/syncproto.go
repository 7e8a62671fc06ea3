// Package syncproto propagates context writes between devices.
//
// Each successful local Update is broadcast as a ctx.diff on the context
// topic. When a peer connects, both sides send their whole tree as a
// ctx.snapshot. Receivers fold everything in through ctxstore.Merge, so
// duplicated or reordered messages converge to the same state.
package syncproto

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/proto"
)

// Net is the part of the substrate the protocol uses.
type Net interface {
	LocalPeer() string
	Publish(ctx context.Context, topic string, data []byte) error
	Send(ctx context.Context, peer string, data []byte) error
}

// DiffBody is the ctx.diff body. Node is the spine rooted at Key.
type DiffBody struct {
	Path   string         `json:"path"`
	Key    string         `json:"key"`
	Node   *ctxstore.Node `json:"node"`
	TS     int64          `json:"ts"`
	Origin string         `json:"origin"`
}

// SnapshotBody is the ctx.snapshot body.
type SnapshotBody struct {
	Root *ctxstore.Node `json:"root"`
}

// Change reports that a merge altered local state.
type Change struct {
	// Path is the written path for a diff, empty for a snapshot.
	Path string
	From string
}

// Protocol binds a Store to the substrate.
type Protocol struct {
	store    *ctxstore.Store
	net      Net
	logger   *slog.Logger
	onChange func(Change)
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		p.logger = l
	}
}

// WithChangeHandler registers fn to be called after a remote message
// changed local state.
func WithChangeHandler(fn func(Change)) Option {
	return func(p *Protocol) {
		p.onChange = fn
	}
}

// New creates a protocol over store and net.
func New(store *ctxstore.Store, net Net, opts ...Option) *Protocol {
	p := &Protocol{store: store, net: net}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Store returns the underlying context store.
func (p *Protocol) Store() *ctxstore.Store {
	return p.store
}

// Update writes locally and broadcasts the diff. A broadcast failure is
// logged; the local write stands and the next snapshot exchange repairs
// peers.
func (p *Protocol) Update(ctx context.Context, path string, value ir.Value) error {
	diff, err := p.store.Update(path, value)
	if err != nil {
		return err
	}

	data, err := proto.Encode(proto.KindCtxDiff, p.net.LocalPeer(), DiffBody{
		Path:   diff.Path,
		Key:    diff.Key,
		Node:   diff.Spine,
		TS:     diff.Stamp.TS,
		Origin: diff.Stamp.Origin,
	})
	if err != nil {
		return fmt.Errorf("update %q: %w", path, err)
	}
	if err := p.net.Publish(ctx, proto.TopicContext, data); err != nil {
		p.logger.Warn("context diff broadcast failed",
			"path", path,
			"error", err)
	}
	return nil
}

// Get reads the local replica.
func (p *Protocol) Get(path string) (ir.Value, error) {
	return p.store.Get(path)
}

// PeerConnected sends the full local tree to peer.
func (p *Protocol) PeerConnected(ctx context.Context, peer string) error {
	data, err := proto.Encode(proto.KindCtxSnapshot, p.net.LocalPeer(), SnapshotBody{
		Root: p.store.Snapshot(),
	})
	if err != nil {
		return fmt.Errorf("snapshot for %s: %w", peer, err)
	}
	if err := p.net.Send(ctx, peer, data); err != nil {
		return fmt.Errorf("snapshot for %s: %w", peer, err)
	}
	p.logger.Debug("context snapshot sent", "peer", peer)
	return nil
}

// Handle applies a ctx.diff or ctx.snapshot envelope.
func (p *Protocol) Handle(env proto.Envelope) error {
	switch env.Kind {
	case proto.KindCtxDiff:
		var body DiffBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		if body.Node == nil {
			return fault.New(fault.CodeInvalidParams, "ctx.diff", "missing node for %q", body.Path)
		}
		key := body.Key
		if key == "" {
			segs, err := ctxstore.ParsePath(body.Path)
			if err != nil {
				return err
			}
			key = segs[0]
		}
		changed, err := p.store.Merge(key, body.Node)
		if err != nil {
			return err
		}
		p.logger.Debug("context diff merged",
			"path", body.Path,
			"from", env.From,
			"changed", changed)
		if changed {
			p.notify(Change{Path: body.Path, From: env.From})
		}
		return nil

	case proto.KindCtxSnapshot:
		var body SnapshotBody
		if err := env.UnmarshalBody(&body); err != nil {
			return err
		}
		if body.Root == nil {
			return fault.New(fault.CodeInvalidParams, "ctx.snapshot", "missing root")
		}
		changed, err := p.store.Merge("", body.Root)
		if err != nil {
			return err
		}
		p.logger.Debug("context snapshot merged",
			"from", env.From,
			"changed", changed)
		if changed {
			p.notify(Change{From: env.From})
		}
		return nil

	default:
		return fault.New(fault.CodeUnsupported, "syncproto", "unexpected kind %s", env.Kind)
	}
}

func (p *Protocol) notify(c Change) {
	if p.onChange != nil {
		p.onChange(c)
	}
}
