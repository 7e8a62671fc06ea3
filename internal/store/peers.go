package store

import (
	"context"
	"fmt"
)

// PeerRecord is the connection history of one peer.
type PeerRecord struct {
	PeerID   string
	Addr     string
	FirstSeq int64
	LastSeq  int64
	Connects int64
}

// RecordPeer notes a connection to peerID. addr is kept from the first
// non-empty value seen.
func (s *Store) RecordPeer(ctx context.Context, peerID, addr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record peer: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return fmt.Errorf("record peer: next seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO peers (peer_id, addr, first_seq, last_seq, connects)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			addr = CASE WHEN peers.addr = '' THEN excluded.addr ELSE peers.addr END,
			last_seq = excluded.last_seq,
			connects = peers.connects + 1
	`, peerID, addr, seq, seq)
	if err != nil {
		return fmt.Errorf("record peer %s: %w", peerID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record peer: commit: %w", err)
	}
	return nil
}

// Peers lists known peers, most recently connected first.
func (s *Store) Peers(ctx context.Context) ([]PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id, addr, first_seq, last_seq, connects
		FROM peers
		ORDER BY last_seq DESC, peer_id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var p PeerRecord
		if err := rows.Scan(&p.PeerID, &p.Addr, &p.FirstSeq, &p.LastSeq, &p.Connects); err != nil {
			return nil, fmt.Errorf("list peers: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
