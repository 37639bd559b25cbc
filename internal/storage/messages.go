package storage

import (
	"database/sql"
	"errors"
	"time"
)

// OutboxMessage is a peer message awaiting delivery/ack (spec §4.5 ordering
// and retry, modelled the way the teacher's message_outbox table is shaped).
type OutboxMessage struct {
	MessageID    string
	PeerID       string
	MessageType  string
	Payload      []byte
	SequenceNum  int64
	CreatedAt    time.Time
	RetryCount   int
	NextRetryAt  time.Time
	AckedAt      *time.Time
	Status       string
}

// EnqueueOutbound persists a message to the outbox before any attempt at
// delivery, so retries survive a restart.
func (s *Storage) EnqueueOutbound(m *OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO message_outbox (
			message_id, peer_id, message_type, payload, sequence_num,
			created_at, retry_count, next_retry_at, status
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'pending')
	`, m.MessageID, m.PeerID, m.MessageType, m.Payload, m.SequenceNum,
		m.CreatedAt.Unix(), m.NextRetryAt.Unix())
	return err
}

// DuePending returns outbox messages whose next retry time has passed.
func (s *Storage) DuePending(now time.Time) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT message_id, peer_id, message_type, payload, sequence_num,
		       created_at, retry_count, next_retry_at, status
		FROM message_outbox WHERE status = 'pending' AND next_retry_at <= ?`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var createdAt, nextRetryAt int64
		if err := rows.Scan(&m.MessageID, &m.PeerID, &m.MessageType, &m.Payload, &m.SequenceNum,
			&createdAt, &m.RetryCount, &nextRetryAt, &m.Status); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		m.NextRetryAt = time.Unix(nextRetryAt, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkAcked records that a peer acknowledged delivery; idempotent.
func (s *Storage) MarkAcked(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE message_outbox SET status = 'acked', acked_at = ? WHERE message_id = ?`,
		time.Now().Unix(), messageID)
	return err
}

// RecordRetry bumps the retry count and schedules the next attempt.
func (s *Storage) RecordRetry(messageID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE message_outbox SET retry_count = retry_count + 1, next_retry_at = ?
		WHERE message_id = ?`, next.Unix(), messageID)
	return err
}

// HasReceived reports whether a message id was already processed, for
// idempotent delivery (spec §4.5: duplicates keyed by swap id / order id,
// here generalised to the message id carried by the frame).
func (s *Storage) HasReceived(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM message_inbox WHERE message_id = ?`, messageID).Scan(&count)
	return count > 0, err
}

// RecordReceived records an inbound message id before processing, so a
// crash mid-handler still dedups the retry (spec §4.5).
func (s *Storage) RecordReceived(messageID, peerID, messageType string, seqNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_inbox (message_id, peer_id, message_type, sequence_num, received_at)
		VALUES (?, ?, ?, ?, ?)`, messageID, peerID, messageType, seqNo, time.Now().Unix())
	return err
}

// RemoteSequence returns the last sequence number seen from a peer (0 if none).
func (s *Storage) RemoteSequence(peerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRow(`SELECT remote_seq FROM message_sequences WHERE peer_id = ?`, peerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// UpdateRemoteSequence advances the remote sequence counter for a peer,
// enforcing the per-peer ordering guarantee of spec §4.5.
func (s *Storage) UpdateRemoteSequence(peerID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO message_sequences (peer_id, remote_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			remote_seq = CASE WHEN excluded.remote_seq > message_sequences.remote_seq
			                   THEN excluded.remote_seq ELSE message_sequences.remote_seq END,
			updated_at = excluded.updated_at
	`, peerID, seq, time.Now().Unix())
	return err
}

// NextLocalSequence atomically allocates the next outbound sequence number
// for a peer.
func (s *Storage) NextLocalSequence(peerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(`SELECT local_seq FROM message_sequences WHERE peer_id = ?`, peerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		seq = 0
	} else if err != nil {
		return 0, err
	}
	seq++

	if _, err := tx.Exec(`
		INSERT INTO message_sequences (peer_id, local_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET local_seq = excluded.local_seq, updated_at = excluded.updated_at
	`, peerID, seq, time.Now().Unix()); err != nil {
		return 0, err
	}

	return seq, tx.Commit()
}
