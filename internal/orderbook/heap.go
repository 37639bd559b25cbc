package orderbook

// orderHeap is a container/heap.Interface over *Order, parameterised by
// a less function so the same type serves both the bids book (highest
// price first) and the asks book (lowest price first). Ties are broken
// by creation_time, earliest first (spec §4.4).
type orderHeap struct {
	orders []*Order
	less   func(a, b *Order) bool
}

func (h *orderHeap) Len() int { return len(h.orders) }

func (h *orderHeap) Less(i, j int) bool {
	return h.less(h.orders[i], h.orders[j])
}

func (h *orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
}

func (h *orderHeap) Push(x any) {
	h.orders = append(h.orders, x.(*Order))
}

func (h *orderHeap) Pop() any {
	old := h.orders
	n := len(old)
	item := old[n-1]
	h.orders[n-1] = nil
	h.orders = old[:n-1]
	return item
}

// indexing support so orderbook.go can do (*restingSide)[0] / range
func (h *orderHeap) at(i int) *Order { return h.orders[i] }

func higherPriceFirst(a, b *Order) bool {
	cmp := a.Price.Cmp(b.Price)
	if cmp != 0 {
		return cmp > 0
	}
	return a.CreationTime.Before(b.CreationTime)
}

func lowerPriceFirst(a, b *Order) bool {
	cmp := a.Price.Cmp(b.Price)
	if cmp != 0 {
		return cmp < 0
	}
	return a.CreationTime.Before(b.CreationTime)
}
