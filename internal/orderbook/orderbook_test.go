package orderbook

import (
	"math/big"
	"testing"
	"time"
)

func mkOrder(id string, pos Position, qty uint64, price int64, created time.Time) *Order {
	return &Order{
		ID:           id,
		Position:     pos,
		BaseAsset:    "bitcoin",
		QuoteAsset:   "ethereum",
		Quantity:     qty,
		Price:        big.NewRat(price, 1),
		CreationTime: created,
	}
}

func TestMatchExactQuantity(t *testing.T) {
	ob := New()
	t0 := time.Now()

	sell := mkOrder("sell-1", Sell, 100, 9000, t0)
	if proposals := ob.Submit(sell); len(proposals) != 0 {
		t.Fatalf("expected no immediate match for resting sell, got %d", len(proposals))
	}

	buy := mkOrder("buy-1", Buy, 100, 9000, t0.Add(time.Second))
	proposals := ob.Submit(buy)
	if len(proposals) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(proposals))
	}
	if proposals[0].Quantity != 100 {
		t.Errorf("expected matched quantity 100, got %d", proposals[0].Quantity)
	}
}

func TestPartialFillSplitsMaker(t *testing.T) {
	ob := New()
	t0 := time.Now()

	sell := mkOrder("sell-1", Sell, 100, 9000, t0)
	ob.Submit(sell)

	buy := mkOrder("buy-1", Buy, 40, 9000, t0.Add(time.Second))
	proposals := ob.Submit(buy)
	if len(proposals) != 1 || proposals[0].Quantity != 40 {
		t.Fatalf("expected a single 40-unit match, got %+v", proposals)
	}
	if sell.remaining() != 60 {
		t.Errorf("expected maker residual of 60, got %d", sell.remaining())
	}
}

func TestTakerConsumedAcrossMultipleMatches(t *testing.T) {
	ob := New()
	t0 := time.Now()

	ob.Submit(mkOrder("sell-1", Sell, 30, 9000, t0))
	ob.Submit(mkOrder("sell-2", Sell, 30, 9000, t0.Add(time.Second)))

	buy := mkOrder("buy-1", Buy, 50, 9000, t0.Add(2*time.Second))
	proposals := ob.Submit(buy)
	if len(proposals) != 2 {
		t.Fatalf("expected taker to consume across two matches, got %d", len(proposals))
	}
	var total uint64
	for _, p := range proposals {
		total += p.Quantity
	}
	if total != 50 {
		t.Errorf("expected total matched quantity 50, got %d", total)
	}
}

func TestPriceTimePriority(t *testing.T) {
	ob := New()
	t0 := time.Now()

	ob.Submit(mkOrder("sell-expensive", Sell, 100, 9100, t0))
	ob.Submit(mkOrder("sell-cheap", Sell, 100, 9000, t0.Add(time.Second)))

	buy := mkOrder("buy-1", Buy, 50, 9200, t0.Add(2*time.Second))
	proposals := ob.Submit(buy)
	if len(proposals) != 1 {
		t.Fatalf("expected one match, got %d", len(proposals))
	}
	if proposals[0].SellOrderID != "sell-cheap" {
		t.Errorf("expected the lowest-priced sell to match first, got %s", proposals[0].SellOrderID)
	}
}

func TestNoMatchWhenPriceDoesNotCross(t *testing.T) {
	ob := New()
	t0 := time.Now()

	ob.Submit(mkOrder("sell-1", Sell, 100, 9100, t0))
	buy := mkOrder("buy-1", Buy, 100, 9000, t0.Add(time.Second))
	if proposals := ob.Submit(buy); len(proposals) != 0 {
		t.Fatalf("expected no match when buy price below sell price, got %d", len(proposals))
	}
}

func TestRollbackPendingMatchReopensQuantity(t *testing.T) {
	ob := New()
	t0 := time.Now()

	sell := mkOrder("sell-1", Sell, 100, 9000, t0)
	ob.Submit(sell)
	proposals := ob.Submit(mkOrder("buy-1", Buy, 40, 9000, t0.Add(time.Second)))

	if sell.remaining() != 60 {
		t.Fatalf("expected 60 remaining before rollback, got %d", sell.remaining())
	}

	ob.RollbackPendingMatch(proposals[0].MakerOrder, 40)
	if sell.remaining() != 100 {
		t.Errorf("expected full quantity restored after rollback, got %d", sell.remaining())
	}
}

func TestRollbackPendingMatchReinsertsFullyConsumedOrder(t *testing.T) {
	ob := New()
	t0 := time.Now()

	ob.Submit(mkOrder("sell-1", Sell, 100, 9000, t0))
	proposals := ob.Submit(mkOrder("buy-1", Buy, 100, 9000, t0.Add(time.Second)))
	if len(proposals) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(proposals))
	}

	// The sell order was fully consumed and dropped from the book; a
	// second submission at a crossing price should find nothing resting.
	if proposals := ob.Submit(mkOrder("buy-2", Buy, 50, 9000, t0.Add(2*time.Second))); len(proposals) != 0 {
		t.Fatalf("expected no resting sell before rollback, got %d proposals", len(proposals))
	}

	ob.RollbackPendingMatch(proposals[0].MakerOrder, proposals[0].Quantity)

	matched := ob.Submit(mkOrder("buy-3", Buy, 100, 9000, t0.Add(3*time.Second)))
	if len(matched) != 1 || matched[0].SellOrderID != "sell-1" {
		t.Fatalf("expected sell-1 to be matchable again after rollback, got %+v", matched)
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	ob := New()
	sell := mkOrder("sell-1", Sell, 100, 9000, time.Now())
	ob.Submit(sell)

	if !ob.Cancel("bitcoin", "ethereum", "sell-1") {
		t.Fatal("expected cancel to succeed for a resting order")
	}

	buy := mkOrder("buy-1", Buy, 100, 9000, time.Now())
	if proposals := ob.Submit(buy); len(proposals) != 0 {
		t.Fatalf("expected no match after cancellation, got %d", len(proposals))
	}
}
