// Package orderbook implements the limit orderbook matching engine (spec
// §4.4): price-sorted bid/ask books keyed by asset pair, partial fills,
// and pending_match holds during negotiation.
package orderbook

import (
	"container/heap"
	"math/big"
	"sync"
	"time"
)

// Position is which side of the book an order rests on.
type Position string

const (
	Buy  Position = "buy"
	Sell Position = "sell"
)

// Order is a single resting or incoming order (spec §4.4). Price is a
// rational number (quote per base unit) rather than a float, so ties and
// crossings compare exactly regardless of the asset's native decimals.
type Order struct {
	ID            string
	MakerIdentity string
	Position      Position
	BaseAsset     string
	QuoteAsset    string
	Quantity      uint64
	Price         *big.Rat
	PendingMatch  uint64
	CreationTime  time.Time
}

// remaining is the quantity still available to match.
func (o *Order) remaining() uint64 {
	return o.Quantity - o.PendingMatch
}

// Proposal is the swap proposal produced by a match (spec §4.4: "the two
// ledgers are determined from the asset pair, the quantities from the
// matched quantity and the price"). A Proposal carries no expiry values
// and nothing in this package computes them; the caller (the peer
// messaging component) turns this into an announce message.
type Proposal struct {
	BuyOrderID  string
	SellOrderID string
	BaseAsset   string
	QuoteAsset  string
	Quantity    uint64
	Price       *big.Rat
	MatchedAt   time.Time

	// MakerOrder snapshots the resting order as it stood immediately
	// after this match (its PendingMatch already includes Quantity). A
	// negotiation-timeout caller passes it back to RollbackPendingMatch
	// so the match can be undone even once the order has been fully
	// consumed and dropped from the book.
	MakerOrder Order
}

// pairKey identifies one asset-pair book.
type pairKey struct{ base, quote string }

// Book is a single (base_asset, quote_asset) limit orderbook (spec
// §4.4: "A limit orderbook keyed by (base_asset, quote_asset)").
type Book struct {
	bids *orderHeap // highest price first
	asks *orderHeap // lowest price first
	byID map[string]*Order
}

func newBook() *Book {
	bids := &orderHeap{less: higherPriceFirst}
	asks := &orderHeap{less: lowerPriceFirst}
	heap.Init(bids)
	heap.Init(asks)
	return &Book{bids: bids, asks: asks, byID: make(map[string]*Order)}
}

// Orderbook multiplexes many asset-pair Books behind a single mutex; the
// matching engine itself has no concurrency of its own (spec §5
// "single-writer" concurrency model applies here too).
type Orderbook struct {
	mu    sync.Mutex
	books map[pairKey]*Book
}

// New creates an empty multi-pair orderbook.
func New() *Orderbook {
	return &Orderbook{books: make(map[pairKey]*Book)}
}

func (ob *Orderbook) bookFor(base, quote string) *Book {
	key := pairKey{base, quote}
	b, ok := ob.books[key]
	if !ok {
		b = newBook()
		ob.books[key] = b
	}
	return b
}

// Submit inserts order into its pair's book and immediately attempts to
// match it against the resting book, returning zero or more proposals
// (spec §4.4: "the taker is always fully consumed by one or more matches
// in sequence"; a partial fill splits the maker order, leaving the
// residual in the book).
func (ob *Orderbook) Submit(o *Order) []Proposal {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	book := ob.bookFor(o.BaseAsset, o.QuoteAsset)
	var proposals []Proposal

	var restingSide *orderHeap
	if o.Position == Buy {
		restingSide = book.asks
	} else {
		restingSide = book.bids
	}

	for o.remaining() > 0 && restingSide.Len() > 0 {
		best := restingSide.at(0)
		if !crosses(o, best) {
			break
		}

		matched := minUint64(o.remaining(), best.remaining())
		price := best.Price // maker's price, standard price-time priority convention

		o.PendingMatch += matched
		best.PendingMatch += matched
		proposals = append(proposals, buildProposal(o, best, matched, price))

		if best.remaining() == 0 {
			heap.Pop(restingSide)
			delete(book.byID, best.ID)
		} else {
			heap.Fix(restingSide, 0)
		}
	}

	if o.remaining() > 0 {
		book.byID[o.ID] = o
		if o.Position == Buy {
			heap.Push(book.bids, o)
		} else {
			heap.Push(book.asks, o)
		}
	}

	return proposals
}

func buildProposal(taker, maker *Order, quantity uint64, price *big.Rat) Proposal {
	buyID, sellID := taker.ID, maker.ID
	if taker.Position == Sell {
		buyID, sellID = maker.ID, taker.ID
	}
	return Proposal{
		BuyOrderID:  buyID,
		SellOrderID: sellID,
		BaseAsset:   taker.BaseAsset,
		QuoteAsset:  taker.QuoteAsset,
		Quantity:    quantity,
		Price:       price,
		MatchedAt:   time.Now(),
		MakerOrder:  *maker,
	}
}

// crosses reports whether incoming can match against resting: a Buy at
// price p matches the lowest Sell at price <= p; a Sell at price p
// matches the highest Buy at price >= p (spec §4.4).
func crosses(incoming, resting *Order) bool {
	if incoming.Position == Buy {
		return incoming.Price.Cmp(resting.Price) >= 0
	}
	return incoming.Price.Cmp(resting.Price) <= 0
}

// Cancel removes an order from its book by id, returning false if it was
// not found (already matched or unknown).
func (ob *Orderbook) Cancel(base, quote, id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	book := ob.bookFor(base, quote)
	o, ok := book.byID[id]
	if !ok {
		return false
	}
	delete(book.byID, id)

	var h *orderHeap
	if o.Position == Buy {
		h = book.bids
	} else {
		h = book.asks
	}
	for i, cur := range h.orders {
		if cur.ID == id {
			heap.Remove(h, i)
			break
		}
	}
	return true
}

// RollbackPendingMatch returns quantity held in pending_match back to the
// open book (spec §4.4 "Negotiation timeout returns the quantity to the
// open book"). snapshot is the order as the caller last observed it
// (typically Proposal.MakerOrder, or the caller's own copy of the taker
// order it submitted); if the order is still resting, its live
// pending_match is decremented directly, but if it was fully consumed by
// this match and already dropped from the book, snapshot is reinserted
// with quantity credited back as available again.
func (ob *Orderbook) RollbackPendingMatch(snapshot Order, quantity uint64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	book := ob.bookFor(snapshot.BaseAsset, snapshot.QuoteAsset)

	if o, ok := book.byID[snapshot.ID]; ok {
		if quantity <= o.PendingMatch {
			o.PendingMatch -= quantity
		} else {
			o.PendingMatch = 0
		}
		return
	}

	restored := snapshot
	if quantity <= restored.PendingMatch {
		restored.PendingMatch -= quantity
	} else {
		restored.PendingMatch = 0
	}
	book.byID[restored.ID] = &restored
	if restored.Position == Buy {
		heap.Push(book.bids, &restored)
	} else {
		heap.Push(book.asks, &restored)
	}
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
