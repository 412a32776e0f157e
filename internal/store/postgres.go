package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/p2p-exchange/internal/domain"
)

var dbTracer = otel.Tracer("postgres")

// Advisory lock namespaces for the two-key form of pg_advisory_xact_lock.
const (
	lockSpaceAsset int32 = 1
	lockSpaceUser  int32 = 2
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists everything in PostgreSQL. Row locks are taken with
// SELECT ... FOR UPDATE and asset books are serialized with transaction-scoped
// advisory locks, so several server instances can share one database.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		body, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name, op, table string) (context.Context, trace.Span) {
	return dbTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", op),
			attribute.String("db.sql.table", table),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InTx implements Store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, span := startSpan(ctx, "postgres.transaction", "transaction", "")
	defer func() { endSpan(span, err) }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundf(format, args...)
	}
	return err
}

const orderColumns = `id, user_id, side, asset, amount, price, filled, status, seq, created_at, expires_at`

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o       domain.Order
		expires sql.NullTime
	)
	if err := sc.Scan(&o.ID, &o.UserID, &o.Side, &o.Asset, &o.Amount, &o.Price, &o.Filled,
		&o.Status, &o.Seq, &o.CreatedAt, &expires); err != nil {
		return nil, err
	}
	o.ExpiresAt = timePtr(expires)
	return &o, nil
}

func queryOrders(ctx context.Context, q queryer, query string, args ...any) ([]*domain.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const tradeColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id, maker_order_id, asset,
	amount, price, total_value, fee, status, created_at, completed_at`

func scanTrade(sc scanner) (*domain.Trade, error) {
	var (
		t         domain.Trade
		completed sql.NullTime
	)
	if err := sc.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.MakerOrderID,
		&t.Asset, &t.Amount, &t.Price, &t.TotalValue, &t.Fee, &t.Status, &t.CreatedAt, &completed); err != nil {
		return nil, err
	}
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

const listingColumns = `id, creator_id, type, asset, crypto_amount, price_per_unit, total_value, fee,
	payment_method, terms, status, created_at, updated_at`

func scanListing(sc scanner) (*domain.Listing, error) {
	var l domain.Listing
	if err := sc.Scan(&l.ID, &l.CreatorID, &l.Type, &l.Asset, &l.CryptoAmount, &l.PricePerUnit,
		&l.TotalValue, &l.Fee, &l.PaymentMethod, &l.Terms, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

const escrowColumns = `id, listing_id, seller_id, buyer_id, creator_id, asset, quote_asset, crypto_amount,
	price_per_unit, total_value, fee, status, payment_proof, created_at, updated_at, expires_at, completed_at`

func scanEscrow(sc scanner) (*domain.TradeTransaction, error) {
	var (
		t         domain.TradeTransaction
		completed sql.NullTime
	)
	if err := sc.Scan(&t.ID, &t.ListingID, &t.SellerID, &t.BuyerID, &t.CreatorID, &t.Asset, &t.QuoteAsset,
		&t.CryptoAmount, &t.PricePerUnit, &t.TotalValue, &t.Fee, &t.Status, &t.PaymentProof,
		&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &completed); err != nil {
		return nil, err
	}
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

const disputeColumns = `id, trade_id, filed_by, reason, status, resolution, resolved_by, note, created_at, resolved_at`

func scanDispute(sc scanner) (*domain.Dispute, error) {
	var (
		d        domain.Dispute
		resolved sql.NullTime
	)
	if err := sc.Scan(&d.ID, &d.TradeID, &d.FiledBy, &d.Reason, &d.Status, &d.Resolution,
		&d.ResolvedBy, &d.Note, &d.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	d.ResolvedAt = timePtr(resolved)
	return &d, nil
}

// pgTx implements Tx on a database/sql transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAsset(ctx context.Context, asset string) error {
	ctx, span := startSpan(ctx, "postgres.lock_asset", "SELECT", "orders")
	span.SetAttributes(attribute.String("asset", asset))
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockSpaceAsset, asset)
	endSpan(span, err)
	return err
}

func (t *pgTx) LockUser(ctx context.Context, userID string) error {
	ctx, span := startSpan(ctx, "postgres.lock_user", "SELECT", "memberships")
	span.SetAttributes(attribute.String("user_id", userID))
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockSpaceUser, userID)
	endSpan(span, err)
	return err
}

func (t *pgTx) NextSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := t.tx.QueryRowContext(ctx, `SELECT nextval('order_seq')`).Scan(&seq)
	return seq, err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (t *pgTx) MatchableOrders(ctx context.Context, asset string, side domain.Side, limitPrice decimal.Decimal, now time.Time) (orders []*domain.Order, err error) {
	ctx, span := startSpan(ctx, "postgres.matchable_orders", "SELECT", "orders")
	defer func() { endSpan(span, err) }()

	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE asset = $1 AND side = $2 AND status IN ('PENDING', 'PARTIAL')
		  AND (expires_at IS NULL OR expires_at >= $4)`
	if side == domain.SideSell {
		query += ` AND price <= $3 ORDER BY price ASC, created_at ASC, seq ASC`
	} else {
		query += ` AND price >= $3 ORDER BY price DESC, created_at ASC, seq ASC`
	}
	query += ` FOR UPDATE`

	orders, err = queryOrders(ctx, t.tx, query, asset, side, limitPrice, now)
	span.SetAttributes(attribute.Int("orders", len(orders)))
	return orders, err
}

func (t *pgTx) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET filled = EXCLUDED.filled, status = EXCLUDED.status`,
		o.ID, o.UserID, o.Side, o.Asset, o.Amount, o.Price, o.Filled, o.Status, o.Seq, o.CreatedAt, nullTime(o.ExpiresAt))
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.MakerOrderID, tr.Asset,
		tr.Amount, tr.Price, tr.TotalValue, tr.Fee, tr.Status, tr.CreatedAt, nullTime(tr.CompletedAt))
	return err
}

// GetBalance materializes a zero row before locking it. FOR UPDATE on a
// missing row locks nothing, so two first deposits would both read zero
// and the second upsert would overwrite the first.
func (t *pgTx) GetBalance(ctx context.Context, userID, asset string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID, Asset: asset}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, asset) VALUES ($1, $2)
		ON CONFLICT (user_id, asset) DO NOTHING`, userID, asset); err != nil {
		return b, err
	}
	err := t.tx.QueryRowContext(ctx, `
		SELECT custody, trading, locked FROM balances
		WHERE user_id = $1 AND asset = $2 FOR UPDATE`, userID, asset).Scan(&b.Custody, &b.Trading, &b.Locked)
	return b, err
}

func (t *pgTx) SaveBalance(ctx context.Context, b domain.Balance) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, asset, custody, trading, locked)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, asset) DO UPDATE
		SET custody = EXCLUDED.custody, trading = EXCLUDED.trading, locked = EXCLUDED.locked`,
		b.UserID, b.Asset, b.Custody, b.Trading, b.Locked)
	return err
}

func (t *pgTx) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	l, err := scanListing(t.tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "listing %s", id)
	}
	return l, nil
}

func (t *pgTx) SaveListing(ctx context.Context, l *domain.Listing) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		l.ID, l.CreatorID, l.Type, l.Asset, l.CryptoAmount, l.PricePerUnit, l.TotalValue, l.Fee,
		l.PaymentMethod, l.Terms, l.Status, l.CreatedAt, l.UpdatedAt)
	return err
}

func (t *pgTx) ActiveListingCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM listings WHERE creator_id = $1 AND status = 'active'`, userID).Scan(&n)
	return n, err
}

func (t *pgTx) GetTradeTransaction(ctx context.Context, id string) (*domain.TradeTransaction, error) {
	tr, err := scanEscrow(t.tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM trade_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "trade %s", id)
	}
	return tr, nil
}

func (t *pgTx) SaveTradeTransaction(ctx context.Context, tr *domain.TradeTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trade_transactions (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_proof = EXCLUDED.payment_proof,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		tr.ID, tr.ListingID, tr.SellerID, tr.BuyerID, tr.CreatorID, tr.Asset, tr.QuoteAsset,
		tr.CryptoAmount, tr.PricePerUnit, tr.TotalValue, tr.Fee, tr.Status, tr.PaymentProof,
		tr.CreatedAt, tr.UpdatedAt, tr.ExpiresAt, nullTime(tr.CompletedAt))
	return err
}

func (t *pgTx) WeeklyVolume(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_value), 0) FROM trade_transactions
		WHERE (buyer_id = $1 OR seller_id = $1) AND created_at >= $2
		  AND status NOT IN ('cancelled', 'expired')`, userID, since).Scan(&total)
	return total, err
}

func (t *pgTx) GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE trade_id = $1 FOR UPDATE`, tradeID))
	if err != nil {
		return nil, notFound(err, "dispute for trade %s", tradeID)
	}
	return d, nil
}

func (t *pgTx) SaveDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			resolution = EXCLUDED.resolution,
			resolved_by = EXCLUDED.resolved_by,
			note = EXCLUDED.note,
			resolved_at = EXCLUDED.resolved_at`,
		d.ID, d.TradeID, d.FiledBy, d.Reason, d.Status, d.Resolution, d.ResolvedBy, d.Note,
		d.CreatedAt, nullTime(d.ResolvedAt))
	return err
}

func (t *pgTx) GetTier(ctx context.Context, userID string) (domain.Tier, error) {
	var tier domain.Tier
	err := t.tx.QueryRowContext(ctx, `SELECT tier FROM memberships WHERE user_id = $1`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TierBasic, nil
	}
	return tier, err
}

func (t *pgTx) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO memberships (user_id, tier) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier`, userID, tier)
	return err
}

// Reader side.

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (o *domain.Order, err error) {
	ctx, span := startSpan(ctx, "postgres.get_order", "SELECT", "orders")
	defer func() { endSpan(span, err) }()

	o, err = scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) (orders []*domain.Order, err error) {
	ctx, span := startSpan(ctx, "postgres.list_orders", "SELECT", "orders")
	defer func() { endSpan(span, err) }()

	return queryOrders(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY seq`, userID)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) (trades []*domain.Trade, err error) {
	ctx, span := startSpan(ctx, "postgres.list_trades", "SELECT", "trades")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) OpenOrders(ctx context.Context, asset string) (orders []*domain.Order, err error) {
	ctx, span := startSpan(ctx, "postgres.open_orders", "SELECT", "orders")
	defer func() { endSpan(span, err) }()

	return queryOrders(ctx, s.db, `SELECT `+orderColumns+` FROM orders
		WHERE asset = $1 AND status IN ('PENDING', 'PARTIAL') ORDER BY seq`, asset)
}

func (s *PostgresStore) AssetKnown(ctx context.Context, asset string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE asset = $1)`, asset).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "listing %s", id)
	}
	return l, nil
}

func (s *PostgresStore) ListActiveListings(ctx context.Context, asset string) (listings []*domain.Listing, err error) {
	ctx, span := startSpan(ctx, "postgres.list_listings", "SELECT", "listings")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings
		WHERE status = 'active' AND ($1 = '' OR asset = $1) ORDER BY created_at`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) GetTradeTransaction(ctx context.Context, id string) (t *domain.TradeTransaction, err error) {
	ctx, span := startSpan(ctx, "postgres.get_trade", "SELECT", "trade_transactions")
	defer func() { endSpan(span, err) }()

	t, err = scanEscrow(s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM trade_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "trade %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTradeTransactionsByUser(ctx context.Context, userID string) (trades []*domain.TradeTransaction, err error) {
	ctx, span := startSpan(ctx, "postgres.list_trade_transactions", "SELECT", "trade_transactions")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+escrowColumns+` FROM trade_transactions
		WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error) {
	d, err := scanDispute(s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE trade_id = $1`, tradeID))
	if err != nil {
		return nil, notFound(err, "dispute for trade %s", tradeID)
	}
	return d, nil
}

func (s *PostgresStore) DueForExpiry(ctx context.Context, now time.Time, limit int) (ids []string, err error) {
	ctx, span := startSpan(ctx, "postgres.due_for_expiry", "SELECT", "trade_transactions")
	defer func() { endSpan(span, err) }()

	return queryIDs(ctx, s.db, `SELECT id FROM trade_transactions
		WHERE status IN ('pending', 'active') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limitOrAll(limit))
}

func (s *PostgresStore) ExpiredOrders(ctx context.Context, now time.Time, limit int) (ids []string, err error) {
	ctx, span := startSpan(ctx, "postgres.expired_orders", "SELECT", "orders")
	defer func() { endSpan(span, err) }()

	return queryIDs(ctx, s.db, `SELECT id FROM orders
		WHERE status IN ('PENDING', 'PARTIAL') AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY seq LIMIT $2`, now, limitOrAll(limit))
}

func (s *PostgresStore) Balances(ctx context.Context, userID string) ([]domain.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, custody, trading, locked FROM balances
		WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		b := domain.Balance{UserID: userID}
		if err := rows.Scan(&b.Asset, &b.Custody, &b.Trading, &b.Locked); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}
