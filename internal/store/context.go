package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/ir"
)

// KeyRecord is one persisted top-level context entry.
type KeyRecord struct {
	Key    string
	Node   *ctxstore.Node
	Stamp  ctxstore.Stamp
	Digest string
	Seq    int64
}

// SaveKey upserts the subtree stored under a top-level key.
// Writing an identical subtree again is a no-op and does not advance seq.
func (s *Store) SaveKey(ctx context.Context, key string, n *ctxstore.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save key %q: begin tx: %w", key, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := saveKey(ctx, tx, key, n); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save key %q: commit: %w", key, err)
	}
	return nil
}

// SaveSnapshot persists every child of root in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, root *ctxstore.Node) error {
	if root == nil || root.Kind != ctxstore.KindObject {
		return fmt.Errorf("save snapshot: root must be an object")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, key := range sortedChildKeys(root) {
		if err := saveKey(ctx, tx, key, root.Children[key]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

func saveKey(ctx context.Context, tx *sql.Tx, key string, n *ctxstore.Node) error {
	if n == nil {
		return fmt.Errorf("save key %q: nil node", key)
	}
	encoded := ctxstore.Encode(n)
	nodeJSON, err := ir.MarshalCanonical(encoded)
	if err != nil {
		return fmt.Errorf("save key %q: %w", key, err)
	}
	digest, err := ir.Digest(ir.DomainContext, encoded)
	if err != nil {
		return fmt.Errorf("save key %q: %w", key, err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT digest FROM context_nodes WHERE key = ?`, key).Scan(&existing)
	switch {
	case err == nil && existing == digest:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("save key %q: %w", key, err)
	}

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return fmt.Errorf("save key %q: next seq: %w", key, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO context_nodes (key, node, ts, origin, digest, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			node = excluded.node,
			ts = excluded.ts,
			origin = excluded.origin,
			digest = excluded.digest,
			seq = excluded.seq
	`,
		key,
		string(nodeJSON),
		n.Stamp.TS,
		n.Stamp.Origin,
		digest,
		seq,
	)
	if err != nil {
		return fmt.Errorf("save key %q: %w", key, err)
	}
	return nil
}

// LoadKeys returns every persisted entry ordered by key.
func (s *Store) LoadKeys(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, node, ts, origin, digest, seq
		FROM context_nodes
		ORDER BY key ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		var (
			rec      KeyRecord
			nodeJSON string
		)
		if err := rows.Scan(&rec.Key, &nodeJSON, &rec.Stamp.TS, &rec.Stamp.Origin, &rec.Digest, &rec.Seq); err != nil {
			return nil, fmt.Errorf("load keys: scan: %w", err)
		}
		var n ctxstore.Node
		if err := json.Unmarshal([]byte(nodeJSON), &n); err != nil {
			return nil, fmt.Errorf("load keys: decode %q: %w", rec.Key, err)
		}
		rec.Node = &n
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	return out, nil
}

// LoadSnapshot rebuilds a root object from the persisted entries. An empty
// database yields an empty root.
func (s *Store) LoadSnapshot(ctx context.Context) (*ctxstore.Node, error) {
	recs, err := s.LoadKeys(ctx)
	if err != nil {
		return nil, err
	}
	root := ctxstore.NewObject(ctxstore.Stamp{})
	for _, rec := range recs {
		root.Children[rec.Key] = rec.Node
	}
	return root, nil
}

// DeleteKey removes a persisted entry. Used when compacting a file that
// was written by a different mesh.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_nodes WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func sortedChildKeys(n *ctxstore.Node) []string {
	obj := make(ir.Object, len(n.Children))
	for k := range n.Children {
		obj[k] = ir.Null{}
	}
	return obj.SortedKeys()
}
