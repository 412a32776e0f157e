package orderbook

import (
	"container/list"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/nathanyu/p2p-exchange/internal/domain"
)

// orderEntry maps an order to its linked list element for O(1) cancel.
type orderEntry struct {
	order   *domain.Order
	element *list.Element
	level   *priceLevel
}

// priceLevel holds the orders resting at one price, oldest first.
type priceLevel struct {
	price  decimal.Decimal
	volume decimal.Decimal
	orders *list.List // of *domain.Order
}

type priceLevels = btree.BTreeG[*priceLevel]

// Fill is one match between the taker and a resting maker.
type Fill struct {
	Maker  *domain.Order
	Amount decimal.Decimal
	Price  decimal.Decimal // always the maker's price
}

// OrderBook is the two-sided book of one asset. It is not safe for
// concurrent use; callers build it inside the transaction that owns the
// asset lock.
type OrderBook struct {
	Asset string

	bids  *priceLevels // best (highest) first
	asks  *priceLevels // best (lowest) first
	index map[string]*orderEntry
}

// New creates an empty book.
func New(asset string) *OrderBook {
	return &OrderBook{
		Asset: asset,
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		index: make(map[string]*orderEntry),
	}
}

func (ob *OrderBook) levels(side domain.Side) *priceLevels {
	if side == domain.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// earlier reports whether a has time priority over b.
func earlier(a, b *domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Add rests an open order. Orders are kept in time priority within a level
// regardless of the order they are added in.
func (ob *OrderBook) Add(order *domain.Order) {
	if _, exists := ob.index[order.ID]; exists || !order.Open() || !order.Remaining().IsPositive() {
		return
	}

	tree := ob.levels(order.Side)
	level, ok := tree.Get(&priceLevel{price: order.Price})
	if !ok {
		level = &priceLevel{price: order.Price, orders: list.New()}
		tree.Set(level)
	}

	var elem *list.Element
	for e := level.orders.Back(); e != nil; e = e.Prev() {
		if !earlier(order, e.Value.(*domain.Order)) {
			elem = level.orders.InsertAfter(order, e)
			break
		}
	}
	if elem == nil {
		elem = level.orders.PushFront(order)
	}

	level.volume = level.volume.Add(order.Remaining())
	ob.index[order.ID] = &orderEntry{order: order, element: elem, level: level}
}

// Remove takes an order out of the book. Returns nil if it is not resting.
func (ob *OrderBook) Remove(orderID string) *domain.Order {
	entry, ok := ob.index[orderID]
	if !ok {
		return nil
	}
	level := entry.level
	level.orders.Remove(entry.element)
	level.volume = level.volume.Sub(entry.order.Remaining())
	if level.orders.Len() == 0 {
		ob.levels(entry.order.Side).Delete(level)
	}
	delete(ob.index, orderID)
	return entry.order
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	return len(ob.index)
}

// Best returns the best price on a side.
func (ob *OrderBook) Best(side domain.Side) (decimal.Decimal, bool) {
	level, ok := ob.levels(side).Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

func crosses(taker *domain.Order, makerPrice decimal.Decimal) bool {
	if taker.Side == domain.SideBuy {
		return taker.Price.GreaterThanOrEqual(makerPrice)
	}
	return taker.Price.LessThanOrEqual(makerPrice)
}

// Match fills the taker against the opposite side, best price first and
// oldest first within a price. Filled amounts and statuses of the taker and
// every touched maker are updated in place; fully filled makers leave the
// book. The taker itself is never added.
func (ob *OrderBook) Match(taker *domain.Order) []Fill {
	opposite := ob.levels(taker.Side.Opposite())

	var fills []Fill
	for taker.Remaining().IsPositive() {
		level, ok := opposite.Min()
		if !ok || !crosses(taker, level.price) {
			break
		}

		for taker.Remaining().IsPositive() && level.orders.Len() > 0 {
			front := level.orders.Front()
			maker := front.Value.(*domain.Order)

			amount := decimal.Min(taker.Remaining(), maker.Remaining())

			taker.Filled = taker.Filled.Add(amount)
			maker.Filled = maker.Filled.Add(amount)
			level.volume = level.volume.Sub(amount)
			taker.RefreshStatus()
			maker.RefreshStatus()

			if !maker.Remaining().IsPositive() {
				level.orders.Remove(front)
				delete(ob.index, maker.ID)
			}

			fills = append(fills, Fill{Maker: maker, Amount: amount, Price: maker.Price})
		}

		if level.orders.Len() == 0 {
			opposite.Delete(level)
		}
	}
	return fills
}

// Snapshot aggregates the top depth levels of each side. depth <= 0 returns
// every level.
func (ob *OrderBook) Snapshot(depth int) domain.OrderBookSnapshot {
	return domain.OrderBookSnapshot{
		Asset: ob.Asset,
		Bids:  aggregateLevels(ob.bids, depth),
		Asks:  aggregateLevels(ob.asks, depth),
	}
}

func aggregateLevels(tree *priceLevels, depth int) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0)
	tree.Scan(func(level *priceLevel) bool {
		if depth > 0 && len(levels) == depth {
			return false
		}
		levels = append(levels, domain.PriceLevel{
			Price:  level.price,
			Amount: level.volume,
			Orders: level.orders.Len(),
		})
		return true
	})
	return levels
}
