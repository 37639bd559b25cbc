package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrSwapNotFound is returned when a swap id has no record.
var ErrSwapNotFound = errors.New("swap not found")

// SwapRecord is the row stored for a negotiated swap (spec §6 `swaps` table).
type SwapRecord struct {
	SwapID    string
	Params    []byte // version-tagged encoded swapfsm.Params
	Role      string
	CreatedAt time.Time
}

// EventRecord is one append-only row in the event log (spec §6 `events` table).
type EventRecord struct {
	SwapID    string
	SeqNo     int64
	Kind      string
	Payload   []byte // version-tagged encoded event payload
	CreatedAt time.Time
}

// CreateSwap inserts the immutable swap record. Called once, at negotiation.
func (s *Storage) CreateSwap(rec *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO swaps (swap_id, params, role, created_at) VALUES (?, ?, ?, ?)`,
		rec.SwapID, rec.Params, rec.Role, rec.CreatedAt.Unix(),
	)
	return err
}

// GetSwap retrieves the immutable swap record.
func (s *Storage) GetSwap(swapID string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT swap_id, params, role, created_at FROM swaps WHERE swap_id = ?`, swapID)

	var rec SwapRecord
	var createdAt int64
	if err := row.Scan(&rec.SwapID, &rec.Params, &rec.Role, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

// ListSwaps returns every swap id known to the log, for respawn (spec §4.3).
func (s *Storage) ListSwaps() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT swap_id, params, role, created_at FROM swaps ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SwapRecord
	for rows.Next() {
		var rec SwapRecord
		var createdAt int64
		if err := rows.Scan(&rec.SwapID, &rec.Params, &rec.Role, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// AppendEvent appends one event with the next sequence number for the swap,
// inside a transaction so seq_no assignment and insert are atomic (write-ahead,
// spec §4.6: the caller must not perform the action an event records until
// this returns nil).
func (s *Storage) AppendEvent(swapID, kind string, payload []byte) (*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq_no) FROM events WHERE swap_id = ?`, swapID).Scan(&maxSeq); err != nil {
		return nil, err
	}
	nextSeq := int64(1)
	if maxSeq.Valid {
		nextSeq = maxSeq.Int64 + 1
	}

	now := time.Now()
	if _, err := tx.Exec(
		`INSERT INTO events (swap_id, seq_no, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		swapID, nextSeq, kind, payload, now.Unix(),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &EventRecord{SwapID: swapID, SeqNo: nextSeq, Kind: kind, Payload: payload, CreatedAt: now}, nil
}

// LoadEvents returns every event for a swap, in sequence order, for replay
// on respawn (spec §4.3, §8 property 3).
func (s *Storage) LoadEvents(swapID string) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT swap_id, seq_no, kind, payload, created_at FROM events WHERE swap_id = ? ORDER BY seq_no ASC`,
		swapID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var createdAt int64
		if err := rows.Scan(&rec.SwapID, &rec.SeqNo, &rec.Kind, &rec.Payload, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
