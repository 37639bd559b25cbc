package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrOrderNotFound is returned when an order id has no open record.
var ErrOrderNotFound = errors.New("order not found")

// OrderPosition is the side of an order (spec §3 Order: position).
type OrderPosition string

const (
	PositionBuy  OrderPosition = "buy"
	PositionSell OrderPosition = "sell"
)

// OrderStatus is the lifecycle status of a persisted order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderRecord is a limit order row (spec §3 Order).
type OrderRecord struct {
	ID            string
	MakerIdentity string
	Position      OrderPosition
	BaseAsset     string
	QuoteAsset    string
	Quantity      uint64
	Price         string // exact ratio in the quote unit, as big.Rat.RatString (e.g. "1/20")
	Status        OrderStatus
	PendingMatch  uint64 // quantity currently held for an in-flight negotiation
	CreationTime  time.Time
	UpdatedAt     time.Time
}

// SaveOrder inserts or updates an order (insert-or-replace, used both for
// local order posting and for orders the matching engine mutates).
func (s *Storage) SaveOrder(o *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO orders (
			id, maker_identity, position, base_asset, quote_asset,
			quantity, price, status, pending_match, creation_time, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			status = excluded.status,
			pending_match = excluded.pending_match,
			updated_at = excluded.updated_at
	`,
		o.ID, o.MakerIdentity, string(o.Position), o.BaseAsset, o.QuoteAsset,
		o.Quantity, o.Price, string(o.Status), o.PendingMatch,
		o.CreationTime.Unix(), time.Now().Unix(),
	)
	return err
}

// GetOrder retrieves an order by id.
func (s *Storage) GetOrder(id string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, maker_identity, position, base_asset, quote_asset, quantity,
		       price, status, pending_match, creation_time, updated_at
		FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// ListOpenOrders returns every order with status 'open', for the CLI
// (`cnd list-orders`).
func (s *Storage) ListOpenOrders() ([]*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, maker_identity, position, base_asset, quote_asset, quantity,
		       price, status, pending_match, creation_time, updated_at
		FROM orders WHERE status = 'open' ORDER BY creation_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		rec, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CancelOrder marks an order cancelled; returns ErrOrderNotFound if absent.
func (s *Storage) CancelOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE orders SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'open'`,
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row *sql.Row) (*OrderRecord, error) {
	rec, err := scanOrderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return rec, err
}

func scanOrderRow(row rowScanner) (*OrderRecord, error) {
	var rec OrderRecord
	var position, status string
	var creationTime, updatedAt int64
	if err := row.Scan(
		&rec.ID, &rec.MakerIdentity, &position, &rec.BaseAsset, &rec.QuoteAsset,
		&rec.Quantity, &rec.Price, &status, &rec.PendingMatch, &creationTime, &updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Position = OrderPosition(position)
	rec.Status = OrderStatus(status)
	rec.CreationTime = time.Unix(creationTime, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}
