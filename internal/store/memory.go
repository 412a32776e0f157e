package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/p2p-exchange/internal/domain"
)

type balanceKey struct {
	userID string
	asset  string
}

// tables holds one copy of every record kind. The committed state and the
// per-transaction write set both use it.
type tables struct {
	orders   map[string]domain.Order
	trades   map[string]domain.Trade
	listings map[string]domain.Listing
	escrows  map[string]domain.TradeTransaction
	disputes map[string]domain.Dispute // by trade id
	balances map[balanceKey]domain.Balance
	tiers    map[string]domain.Tier
	seq      uint64
}

func newTables() *tables {
	return &tables{
		orders:   make(map[string]domain.Order),
		trades:   make(map[string]domain.Trade),
		listings: make(map[string]domain.Listing),
		escrows:  make(map[string]domain.TradeTransaction),
		disputes: make(map[string]domain.Dispute),
		balances: make(map[balanceKey]domain.Balance),
		tiers:    make(map[string]domain.Tier),
	}
}

func (t *tables) apply(w *tables) {
	for k, v := range w.orders {
		t.orders[k] = v
	}
	for k, v := range w.trades {
		t.trades[k] = v
	}
	for k, v := range w.listings {
		t.listings[k] = v
	}
	for k, v := range w.escrows {
		t.escrows[k] = v
	}
	for k, v := range w.disputes {
		t.disputes[k] = v
	}
	for k, v := range w.balances {
		t.balances[k] = v
	}
	for k, v := range w.tiers {
		t.tiers[k] = v
	}
	t.seq = w.seq
}

// MemoryStore keeps everything in process. Transactions are serialized by a
// single mutex and their writes become visible only on commit.
type MemoryStore struct {
	mu sync.Mutex
	db *tables
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{db: newTables()}
}

// InTx implements Store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := newTables()
	w.seq = s.db.seq
	tx := &memTx{base: s.db, w: w}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.db.apply(w)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func lookup[K comparable, V any](w, base map[K]V, key K) (V, bool) {
	if v, ok := w[key]; ok {
		return v, true
	}
	v, ok := base[key]
	return v, ok
}

func merged[K comparable, V any](w, base map[K]V) map[K]V {
	out := make(map[K]V, len(base)+len(w))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range w {
		out[k] = v
	}
	return out
}

type memTx struct {
	base *tables
	w    *tables
}

func (tx *memTx) LockAsset(ctx context.Context, asset string) error { return nil }

func (tx *memTx) LockUser(ctx context.Context, userID string) error { return nil }

func (tx *memTx) NextSeq(ctx context.Context) (uint64, error) {
	tx.w.seq++
	return tx.w.seq, nil
}

func (tx *memTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, ok := lookup(tx.w.orders, tx.base.orders, id)
	if !ok {
		return nil, NotFoundf("order %s", id)
	}
	return &o, nil
}

func (tx *memTx) MatchableOrders(ctx context.Context, asset string, side domain.Side, limitPrice decimal.Decimal, now time.Time) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range merged(tx.w.orders, tx.base.orders) {
		if o.Asset != asset || o.Side != side || !o.Open() || o.Expired(now) {
			continue
		}
		if side == domain.SideSell && o.Price.GreaterThan(limitPrice) {
			continue
		}
		if side == domain.SideBuy && o.Price.LessThan(limitPrice) {
			continue
		}
		o := o
		out = append(out, &o)
	}
	SortPriceTime(out, side)
	return out, nil
}

func (tx *memTx) SaveOrder(ctx context.Context, o *domain.Order) error {
	tx.w.orders[o.ID] = *o
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if _, ok := lookup(tx.w.trades, tx.base.trades, t.ID); ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	tx.w.trades[t.ID] = *t
	return nil
}

func (tx *memTx) GetBalance(ctx context.Context, userID, asset string) (domain.Balance, error) {
	b, ok := lookup(tx.w.balances, tx.base.balances, balanceKey{userID, asset})
	if !ok {
		return domain.Balance{UserID: userID, Asset: asset}, nil
	}
	return b, nil
}

func (tx *memTx) SaveBalance(ctx context.Context, b domain.Balance) error {
	tx.w.balances[balanceKey{b.UserID, b.Asset}] = b
	return nil
}

func (tx *memTx) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	l, ok := lookup(tx.w.listings, tx.base.listings, id)
	if !ok {
		return nil, NotFoundf("listing %s", id)
	}
	return &l, nil
}

func (tx *memTx) SaveListing(ctx context.Context, l *domain.Listing) error {
	tx.w.listings[l.ID] = *l
	return nil
}

func (tx *memTx) ActiveListingCount(ctx context.Context, userID string) (int, error) {
	n := 0
	for _, l := range merged(tx.w.listings, tx.base.listings) {
		if l.CreatorID == userID && l.Status == domain.ListingActive {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) GetTradeTransaction(ctx context.Context, id string) (*domain.TradeTransaction, error) {
	t, ok := lookup(tx.w.escrows, tx.base.escrows, id)
	if !ok {
		return nil, NotFoundf("trade %s", id)
	}
	return &t, nil
}

func (tx *memTx) SaveTradeTransaction(ctx context.Context, t *domain.TradeTransaction) error {
	tx.w.escrows[t.ID] = *t
	return nil
}

func (tx *memTx) WeeklyVolume(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range merged(tx.w.escrows, tx.base.escrows) {
		if !t.IsParty(userID) || t.CreatedAt.Before(since) {
			continue
		}
		if t.Status == domain.EscrowCancelled || t.Status == domain.EscrowExpired {
			continue
		}
		total = total.Add(t.TotalValue)
	}
	return total, nil
}

func (tx *memTx) GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error) {
	d, ok := lookup(tx.w.disputes, tx.base.disputes, tradeID)
	if !ok {
		return nil, NotFoundf("dispute for trade %s", tradeID)
	}
	return &d, nil
}

func (tx *memTx) SaveDispute(ctx context.Context, d *domain.Dispute) error {
	tx.w.disputes[d.TradeID] = *d
	return nil
}

func (tx *memTx) GetTier(ctx context.Context, userID string) (domain.Tier, error) {
	if tier, ok := lookup(tx.w.tiers, tx.base.tiers, userID); ok {
		return tier, nil
	}
	return domain.TierBasic, nil
}

func (tx *memTx) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	tx.w.tiers[userID] = tier
	return nil
}

// Reader side.

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok {
		return nil, NotFoundf("order %s", id)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrdersByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.db.orders {
		if o.UserID == userID {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) ListTradesByUser(ctx context.Context, userID string) ([]*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Trade
	for _, t := range s.db.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) OpenOrders(ctx context.Context, asset string) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.db.orders {
		if o.Asset == asset && o.Open() {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) AssetKnown(ctx context.Context, asset string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.db.orders {
		if o.Asset == asset {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.db.listings[id]
	if !ok {
		return nil, NotFoundf("listing %s", id)
	}
	return &l, nil
}

func (s *MemoryStore) ListActiveListings(ctx context.Context, asset string) ([]*domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Listing
	for _, l := range s.db.listings {
		if l.Status == domain.ListingActive && (asset == "" || l.Asset == asset) {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetTradeTransaction(ctx context.Context, id string) (*domain.TradeTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.db.escrows[id]
	if !ok {
		return nil, NotFoundf("trade %s", id)
	}
	return &t, nil
}

func (s *MemoryStore) ListTradeTransactionsByUser(ctx context.Context, userID string) ([]*domain.TradeTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TradeTransaction
	for _, t := range s.db.escrows {
		if t.IsParty(userID) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.db.disputes[tradeID]
	if !ok {
		return nil, NotFoundf("dispute for trade %s", tradeID)
	}
	return &d, nil
}

func (s *MemoryStore) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.TradeTransaction
	for _, t := range s.db.escrows {
		if (t.Status == domain.EscrowPending || t.Status == domain.EscrowActive) && now.After(t.ExpiresAt) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	ids := make([]string, 0, len(due))
	for _, t := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Order
	for _, o := range s.db.orders {
		if o.Open() && o.Expired(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	ids := make([]string, 0, len(due))
	for _, o := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *MemoryStore) Balances(ctx context.Context, userID string) ([]domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Balance
	for k, b := range s.db.balances {
		if k.userID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// NotFoundf builds an ErrNotFound for a missing record.
func NotFoundf(format string, args ...any) error {
	return domain.NotFoundf(format, args...)
}

// SortPriceTime orders one side of a book: bids by price descending, asks by
// price ascending, then by creation time and sequence.
func SortPriceTime(orders []*domain.Order, side domain.Side) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Price.Equal(b.Price) {
			if side == domain.SideBuy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
