package swapcoord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/comit-network/cnd/internal/control"
	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/ledger"
	"github.com/comit-network/cnd/internal/orderbook"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/internal/swapfsm"
)

// negotiationTimeout bounds how long a matched proposal may wait before
// the swap it would become is accepted, after which its matched quantity
// is returned to the open book (spec §4.4 "Negotiation timeout returns
// the quantity to the open book").
const negotiationTimeout = 2 * time.Minute

// pendingAnnounce is an inbound announce awaiting a local accept/reject
// decision (spec §4.5: "Either side MAY reject; rejection is final").
// An announce that is never accepted must never become a task nor touch
// the event log.
type pendingAnnounce struct {
	params swapfsm.Params
}

// PostOrder implements control.Core: submits a new resting order to the
// book and persists it (spec §4.4).
func (c *Coordinator) PostOrder(ctx context.Context, p control.PostOrderParams) (string, error) {
	price, ok := new(big.Rat).SetString(p.Price)
	if !ok {
		return "", fmt.Errorf("invalid price %q", p.Price)
	}
	position := orderbook.Buy
	if p.Position == "sell" {
		position = orderbook.Sell
	} else if p.Position != "buy" {
		return "", fmt.Errorf("invalid position %q", p.Position)
	}

	order := &orderbook.Order{
		ID:            newID(),
		MakerIdentity: "local",
		Position:      position,
		BaseAsset:     p.BaseAsset,
		QuoteAsset:    p.QuoteAsset,
		Quantity:      p.Quantity,
		Price:         price,
		CreationTime:  time.Now(),
	}

	proposals := c.orders.Submit(order)
	if err := c.store.SaveOrder(toOrderRecord(order)); err != nil {
		return "", fmt.Errorf("persist order: %w", err)
	}

	if len(proposals) > 0 {
		var matched uint64
		for _, p := range proposals {
			matched += p.Quantity
			c.armNegotiationTimeout(p)
		}
		c.armTakerNegotiationTimeout(*order, matched)
	}

	c.log.Info("order posted", "order", order.ID, "proposals", len(proposals))
	return order.ID, nil
}

// proposalMatchID identifies one match for negotiation-timeout tracking.
// MatchedAt disambiguates a taker order matching the same maker order
// more than once (not possible today, since a maker order is removed or
// fixed in place once matched, but kept anyway in case matching rules
// change).
func proposalMatchID(p orderbook.Proposal) string {
	return p.BuyOrderID + ":" + p.SellOrderID + ":" + p.MatchedAt.Format(time.RFC3339Nano)
}

// armNegotiationTimeout starts the negotiation window for a maker's side
// of a freshly matched proposal (spec §4.4). Unless ConfirmNegotiation is
// called for the same match before negotiationTimeout elapses, the
// maker's matched quantity is returned to the open book.
func (c *Coordinator) armNegotiationTimeout(p orderbook.Proposal) {
	id := proposalMatchID(p)
	c.mu.Lock()
	c.openMatches[id] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.waitNegotiationWindow(id) {
			return
		}
		c.orders.RollbackPendingMatch(p.MakerOrder, p.Quantity)
		c.log.Warn("negotiation timed out, returned matched quantity to book",
			"buy_order", p.BuyOrderID, "sell_order", p.SellOrderID, "quantity", p.Quantity)
	}()
}

// armTakerNegotiationTimeout mirrors armNegotiationTimeout for the taker
// side of a Submit call: one timeout covers every proposal the taker
// order was matched into, rolling back the full matched quantity at
// once rather than per-proposal (the taker order is dropped from the
// book on full consumption exactly once, so per-proposal rollback would
// race to reinsert it more than once).
func (c *Coordinator) armTakerNegotiationTimeout(taker orderbook.Order, quantity uint64) {
	id := "taker:" + taker.ID + ":" + taker.CreationTime.Format(time.RFC3339Nano)
	c.mu.Lock()
	c.openMatches[id] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.waitNegotiationWindow(id) {
			return
		}
		c.orders.RollbackPendingMatch(taker, quantity)
		c.log.Warn("negotiation timed out, returned taker quantity to book", "order", taker.ID, "quantity", quantity)
	}()
}

// waitNegotiationWindow blocks for negotiationTimeout (or until the
// coordinator shuts down) and reports whether the match identified by id
// is still open, clearing it from openMatches either way.
func (c *Coordinator) waitNegotiationWindow(id string) bool {
	timer := time.NewTimer(negotiationTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
	}

	c.mu.Lock()
	_, stillOpen := c.openMatches[id]
	delete(c.openMatches, id)
	c.mu.Unlock()
	return stillOpen
}

// ConfirmNegotiation cancels a proposal's negotiation timeout once the
// match it describes has become a real, accepted swap, so its matched
// quantity is not returned to the book out from under an in-flight
// swap. The component that turns a matched Proposal into an outbound
// announce (not yet wired; see RegisterAnnounce) calls this once the
// counterparty accepts.
func (c *Coordinator) ConfirmNegotiation(p orderbook.Proposal) {
	c.mu.Lock()
	delete(c.openMatches, proposalMatchID(p))
	c.mu.Unlock()
}

// CancelOrder implements control.Core.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) error {
	rec, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	c.orders.Cancel(rec.BaseAsset, rec.QuoteAsset, orderID)
	return c.store.CancelOrder(orderID)
}

// AcceptAnnounce implements control.Core: commits a negotiated swap to
// the event log and starts its watcher task (spec §4.5, §4.6).
func (c *Coordinator) AcceptAnnounce(ctx context.Context, swapID string) error {
	c.mu.Lock()
	pending, ok := c.pending[swapID]
	delete(c.pending, swapID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending announce for swap %s", swapID)
	}

	if err := c.events.AppendNegotiated(pending.params); err != nil {
		return fmt.Errorf("persist negotiated swap: %w", err)
	}

	c.startTask(swapID, pending.params, swapfsm.Initial(), nil, nil, nil)
	return nil
}

// RejectAnnounce implements control.Core: discards a pending announce
// without ever writing it to the event log (rejection is final and
// leaves no trace for this swap id, spec §4.5).
func (c *Coordinator) RejectAnnounce(ctx context.Context, swapID string) error {
	c.mu.Lock()
	delete(c.pending, swapID)
	c.mu.Unlock()
	return nil
}

// RegisterAnnounce records an inbound announce as pending local
// acceptance. Nothing in this module calls it: cmd/cnd builds no
// p2p.Handler whose AnnounceHandler could forward to it.
func (c *Coordinator) RegisterAnnounce(swapID string, params swapfsm.Params) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[swapID] = &pendingAnnounce{params: params}
}

// GetNextAction implements control.Core.
func (c *Coordinator) GetNextAction(ctx context.Context, swapID string) (*control.NextActionResult, error) {
	action, ok := c.NextAction(swapID)
	if !ok {
		return &control.NextActionResult{}, nil
	}
	return &control.NextActionResult{ActionKind: string(action.Kind), Side: string(action.Params.Side)}, nil
}

// PerformedAction implements control.Core: records that the caller (a
// wallet/key-holding component outside cnd's scope, spec §1 Non-goals)
// carried out the exposed action, so cnd does not re-expose it until a
// watcher event confirms or supersedes it. For a Deploy action it also
// records onChainHandle as that side's watch target (spec §4.3: an
// Ethereum contract address is only known once deployment broadcasts)
// and persists it so a respawned task can re-arm without the caller
// reporting it again.
func (c *Coordinator) PerformedAction(ctx context.Context, swapID, actionKind, side, onChainHandle string) error {
	kind := ledger.ActionKind(actionKind)
	s := htlc.Side(side)

	c.mu.Lock()
	as, ok := c.swaps[swapID]
	if ok {
		if as.performed == nil {
			as.performed = make(map[performedKey]bool)
		}
		as.performed[performedKey{kind, s}] = true

		if kind == ledger.Deploy && onChainHandle != "" {
			if _, known := as.handles[s]; !known {
				as.handles[s] = onChainHandle
				close(as.handleSet[s])
			}
		}
	}
	c.mu.Unlock()

	if kind == ledger.Deploy && onChainHandle != "" {
		if err := c.events.AppendHandle(swapID, s, onChainHandle); err != nil {
			return fmt.Errorf("persist on-chain handle: %w", err)
		}
	}

	c.log.Info("action performed by caller", "swap", swapID, "kind", actionKind, "side", side, "handle", onChainHandle)
	return nil
}

func toOrderRecord(o *orderbook.Order) *storage.OrderRecord {
	position := storage.PositionBuy
	if o.Position == orderbook.Sell {
		position = storage.PositionSell
	}
	return &storage.OrderRecord{
		ID:            o.ID,
		MakerIdentity: o.MakerIdentity,
		Position:      position,
		BaseAsset:     o.BaseAsset,
		QuoteAsset:    o.QuoteAsset,
		Quantity:      o.Quantity,
		Price:         o.Price.RatString(),
		Status:        storage.OrderStatusOpen,
		PendingMatch:  o.PendingMatch,
		CreationTime:  o.CreationTime,
	}
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
