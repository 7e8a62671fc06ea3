package ctxstore

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
)

// Store is the context tree of one device.
//
// Safe for concurrent use. Each top-level key is a shard with its own lock;
// Update and Merge hold the shard's write lock, Get holds its read lock.
type Store struct {
	local  string
	clock  Clock
	logger *slog.Logger

	mu     sync.RWMutex
	shards map[string]*shard
}

type shard struct {
	mu   sync.RWMutex
	node *Node
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the timestamp source. Defaults to a WallClock.
func WithClock(c Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an empty store whose writes are stamped with localPeer.
func New(localPeer string, opts ...Option) *Store {
	s := &Store{
		local:  localPeer,
		shards: make(map[string]*shard),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = NewWallClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// LocalPeer returns the origin id stamped on local writes.
func (s *Store) LocalPeer() string {
	return s.local
}

// Diff is the propagation record of one local write. Spine is rooted at the
// top-level Key and contains only the nodes along Path, carrying their real
// stamps, so merging it reproduces the writer's state for that path.
type Diff struct {
	Path  string
	Key   string
	Spine *Node
	Stamp Stamp
}

// Update writes value at path, creating intermediate Objects as needed.
//
// A Scalar found where an Object is needed is replaced, shadow and all; the
// local write wins locally and merge settles competing writes later. An Array can only
// be traversed by an in-range index. Writing inside an Array restamps the
// Array, since Arrays merge as a whole.
func (s *Store) Update(path string, value ir.Value) (Diff, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return Diff{}, err
	}
	if value == nil {
		return Diff{}, fault.New(fault.CodeInvalidParams, "ctx.update", "nil value at %q", path)
	}

	sh := s.shard(segs[0], true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := Stamp{TS: s.clock.Now(), Origin: s.local}
	updated, err := setPath(sh.node, segs[1:], FromValue(value, st), st)
	if err != nil {
		return Diff{}, fmt.Errorf("update %q: %w", path, err)
	}
	sh.node = updated

	s.logger.Debug("context updated",
		"path", path,
		"ts", st.TS,
		"kind", ir.Kind(value))

	return Diff{
		Path:  path,
		Key:   segs[0],
		Spine: spine(sh.node, segs[1:]),
		Stamp: st,
	}, nil
}

// setPath returns n with leaf installed at segs. n is mutated only after
// the recursive call succeeds, so an error leaves the tree untouched.
func setPath(n *Node, segs []string, leaf *Node, st Stamp) (*Node, error) {
	if len(segs) == 0 {
		return leaf, nil
	}
	seg := segs[0]

	switch {
	case n != nil && n.Kind == KindArray:
		idx, ok := arrayIndex(seg, len(n.Items))
		if !ok {
			return nil, invalidPath(seg, "array index out of range or not numeric")
		}
		child, err := setPath(n.Items[idx], segs[1:], leaf, st)
		if err != nil {
			return nil, err
		}
		n.Items[idx] = child
		restamp(n, st)
		n.Shadow = nil
		return n, nil

	case n != nil && n.Kind == KindObject:
		child, err := setPath(n.Children[seg], segs[1:], leaf, st)
		if err != nil {
			return nil, err
		}
		n.Children[seg] = child
		return n, nil

	default:
		obj := NewObject(st)
		child, err := setPath(nil, segs[1:], leaf, st)
		if err != nil {
			return nil, err
		}
		obj.Children[seg] = child
		return obj, nil
	}
}

// restamp sets st on an Array and everything below it.
func restamp(n *Node, st Stamp) {
	n.Stamp = st
	for _, child := range n.Children {
		restamp(child, st)
	}
	for _, item := range n.Items {
		restamp(item, st)
	}
}

// spine copies the Object ancestors along segs with only the on-path child,
// and the first non-Object node in full.
func spine(n *Node, segs []string) *Node {
	if len(segs) == 0 || n.Kind != KindObject {
		return n.Clone()
	}
	out := NewObject(n.Stamp)
	out.Children[segs[0]] = spine(n.Children[segs[0]], segs[1:])
	return out
}

// Get returns a copy of the value at path. An empty path returns the whole
// tree as an Object.
func (s *Store) Get(path string) (ir.Value, error) {
	if path == "" {
		return s.Snapshot().ToValue(), nil
	}
	n, err := s.GetNode(path)
	if err != nil {
		return nil, err
	}
	return n.ToValue(), nil
}

// GetNode returns a copy of the stamped node at path.
func (s *Store) GetNode(path string) (*Node, error) {
	if path == "" {
		return s.Snapshot(), nil
	}
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	sh := s.shard(segs[0], false)
	if sh == nil {
		return nil, fault.New(fault.CodeNotFound, "ctx.get", "no node at %q", path)
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	n, ok := sh.node.lookup(segs[1:])
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "ctx.get", "no node at %q", path)
	}
	return n.Clone(), nil
}

// Has reports whether a node exists at path.
func (s *Store) Has(path string) bool {
	_, err := s.GetNode(path)
	return err == nil
}

// Merge folds remote, the stamped node for path, into the tree and reports
// whether local state changed. An empty path merges a whole root Object.
// Intermediate Objects missing locally take remote's stamp.
func (s *Store) Merge(path string, remote *Node) (bool, error) {
	if remote == nil {
		return false, fault.New(fault.CodeInvalidParams, "ctx.merge", "nil node")
	}
	if path == "" {
		if remote.Kind != KindObject {
			return false, fault.New(fault.CodeInvalidParams, "ctx.merge", "root must be an object, got %s", remote.Kind)
		}
		changed := false
		for _, k := range sortedKeys(remote.Children) {
			if s.mergeKey(k, remote.Children[k]) {
				changed = true
			}
		}
		return changed, nil
	}

	segs, err := ParsePath(path)
	if err != nil {
		return false, err
	}
	wrapped := remote
	for i := len(segs) - 1; i >= 1; i-- {
		parent := NewObject(remote.Stamp)
		parent.Children[segs[i]] = wrapped
		wrapped = parent
	}
	return s.mergeKey(segs[0], wrapped), nil
}

// MergeDiff applies a Diff produced by another store's Update.
func (s *Store) MergeDiff(d Diff) (bool, error) {
	if d.Spine == nil {
		return false, fault.New(fault.CodeInvalidParams, "ctx.merge", "diff without node")
	}
	return s.Merge(d.Key, d.Spine)
}

func (s *Store) mergeKey(key string, remote *Node) bool {
	sh := s.shard(key, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	merged, changed := mergeNode(sh.node, remote)
	sh.node = merged
	return changed
}

// Snapshot returns a deep copy of the tree as a root Object with a zero
// stamp. Each shard is copied under its own read lock.
func (s *Store) Snapshot() *Node {
	root := NewObject(Stamp{})
	for _, k := range s.Keys() {
		sh := s.shard(k, false)
		sh.mu.RLock()
		if sh.node != nil {
			root.Children[k] = sh.node.Clone()
		}
		sh.mu.RUnlock()
	}
	return root
}

// Keys returns the top-level keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.shards))
	for k := range s.shards {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Digest returns a hex digest of the stamped tree. Two replicas that have
// converged return the same digest.
func (s *Store) Digest() (string, error) {
	snap := s.Snapshot()
	children := make(ir.Object, len(snap.Children))
	for k, child := range snap.Children {
		children[k] = Encode(child)
	}
	return ir.Digest(ir.DomainContext, children)
}

func (s *Store) shard(key string, create bool) *shard {
	s.mu.RLock()
	sh := s.shards[key]
	s.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh = s.shards[key]; sh == nil {
		sh = &shard{}
		s.shards[key] = sh
	}
	return sh
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
