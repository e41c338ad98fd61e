package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/zulandar/signalbox/internal/models"
)

// ThreadLookup resolves a staff thread to the order bound to it. The
// conversation registry satisfies it.
type ThreadLookup interface {
	OrderIDByThread(ctx context.Context, threadID string) (uint, error)
}

const orderSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id               BIGSERIAL PRIMARY KEY,
	customer_id      BIGINT NOT NULL,
	customer_chat_id BIGINT NOT NULL DEFAULT 0,
	customer_name    TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending_estimation',
	price            BIGINT NOT NULL DEFAULT 0,
	discount_percent INT NOT NULL DEFAULT 0,
	bonus_applied    BIGINT NOT NULL DEFAULT 0,
	paid_amount      BIGINT NOT NULL DEFAULT 0,
	work_category    TEXT NOT NULL DEFAULT '',
	deadline_label   TEXT NOT NULL DEFAULT '',
	progress_percent INT NOT NULL DEFAULT 0,
	revision_count   INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at     TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS idx_orders_chat ON orders (customer_chat_id);
`

const orderColumns = `id, customer_id, customer_chat_id, customer_name, subject, status, price,
	discount_percent, bonus_applied, paid_amount, work_category, deadline_label,
	progress_percent, revision_count, created_at, updated_at, delivered_at, completed_at`

// SQLStore reads and writes orders in an external PostgreSQL database.
type SQLStore struct {
	db      *sqlx.DB
	pool    *pgxpool.Pool
	threads ThreadLookup
	delays  []time.Duration
}

// SQLStoreOpts configures an SQLStore.
type SQLStoreOpts struct {
	DSN     string
	Threads ThreadLookup
	// RetryDelays are the waits between attempts of a write that hit a
	// serialization failure or deadlock.
	RetryDelays []time.Duration
}

// NewSQLStore connects to PostgreSQL and ensures the orders table exists.
func NewSQLStore(ctx context.Context, opts SQLStoreOpts) (*SQLStore, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("order: sql store: dsn is required")
	}
	if opts.Threads == nil {
		return nil, fmt.Errorf("order: sql store: thread lookup is required")
	}
	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("order: sql store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("order: sql store: ping: %w", err)
	}
	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	if _, err := db.ExecContext(ctx, orderSchema); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("order: sql store: schema: %w", err)
	}
	s := newSQLStore(db, opts.Threads, opts.RetryDelays)
	s.pool = pool
	return s, nil
}

func newSQLStore(db *sqlx.DB, threads ThreadLookup, delays []time.Duration) *SQLStore {
	if delays == nil {
		delays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}
	}
	return &SQLStore{db: db, threads: threads, delays: delays}
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Get loads one order.
func (s *SQLStore) Get(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	err := s.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("order: get %d: %w", id, classify(err))
	}
	return &o, nil
}

// Create inserts a new order and fills in its ID and timestamps.
func (s *SQLStore) Create(ctx context.Context, o *models.Order) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	rows, err := s.db.NamedQueryContext(ctx, `
		INSERT INTO orders (customer_id, customer_chat_id, customer_name, subject, status, price,
			discount_percent, bonus_applied, paid_amount, work_category, deadline_label,
			progress_percent, revision_count, created_at, updated_at, delivered_at, completed_at)
		VALUES (:customer_id, :customer_chat_id, :customer_name, :subject, :status, :price,
			:discount_percent, :bonus_applied, :paid_amount, :work_category, :deadline_label,
			:progress_percent, :revision_count, :created_at, :updated_at, :delivered_at, :completed_at)
		RETURNING id`, o)
	if err != nil {
		return fmt.Errorf("order: create: %w", classify(err))
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&o.ID); err != nil {
			return fmt.Errorf("order: create: %w", err)
		}
	}
	return rows.Err()
}

const updateOrder = `
	UPDATE orders SET customer_id = :customer_id, customer_chat_id = :customer_chat_id,
		customer_name = :customer_name, subject = :subject, status = :status, price = :price,
		discount_percent = :discount_percent, bonus_applied = :bonus_applied,
		paid_amount = :paid_amount, work_category = :work_category,
		deadline_label = :deadline_label, progress_percent = :progress_percent,
		revision_count = :revision_count, updated_at = :updated_at,
		delivered_at = :delivered_at, completed_at = :completed_at
	WHERE id = :id`

// Save writes every column of o.
func (s *SQLStore) Save(ctx context.Context, o *models.Order) error {
	o.UpdatedAt = time.Now().UTC()
	if _, err := s.db.NamedExecContext(ctx, updateOrder, o); err != nil {
		return fmt.Errorf("order: save %d: %w", o.ID, classify(err))
	}
	return nil
}

// Update runs fn against the row locked with SELECT ... FOR UPDATE and
// writes it back in the same transaction, retrying on ErrConflict.
func (s *SQLStore) Update(ctx context.Context, id uint, fn func(*models.Order) error) (*models.Order, error) {
	var out *models.Order
	err := s.withRetry(ctx, func() error {
		o, err := s.updateOnce(ctx, id, fn)
		out = o
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("order: update %d: %w", id, err)
	}
	return out, nil
}

func (s *SQLStore) updateOnce(ctx context.Context, id uint, fn func(*models.Order) error) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var o models.Order
	if err := tx.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, classify(err)
	}
	if err := fn(&o); err != nil {
		return nil, err
	}
	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.NamedExecContext(ctx, updateOrder, &o); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &o, nil
}

// FindByThread resolves the thread through the registry, then loads the order.
func (s *SQLStore) FindByThread(ctx context.Context, threadID string) (*models.Order, error) {
	id, err := s.threads.OrderIDByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("order: find by thread %s: %w", threadID, err)
	}
	return s.Get(ctx, id)
}

// FindActiveByChat returns the most recently updated non-terminal order of
// the customer chatting from chatID.
func (s *SQLStore) FindActiveByChat(ctx context.Context, chatID int64) (*models.Order, error) {
	query, args, err := sqlx.In(`SELECT `+orderColumns+` FROM orders
		WHERE customer_chat_id = ? AND status NOT IN (?)
		ORDER BY updated_at DESC LIMIT 1`, chatID, terminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("order: find active by chat %d: %w", chatID, err)
	}
	var o models.Order
	if err := s.db.GetContext(ctx, &o, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("order: find active by chat %d: %w", chatID, classify(err))
	}
	return &o, nil
}

// ListByStatus returns orders in any of statuses last updated before the
// given time, oldest first. A zero time matches every order.
func (s *SQLStore) ListByStatus(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]models.Order, error) {
	if updatedBefore.IsZero() {
		updatedBefore = time.Now().Add(time.Hour)
	}
	query, args, err := sqlx.In(`SELECT `+orderColumns+` FROM orders
		WHERE status IN (?) AND updated_at < ? ORDER BY updated_at ASC`,
		statusStrings(statuses), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("order: list by status: %w", err)
	}
	var out []models.Order
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("order: list by status: %w", classify(err))
	}
	return out, nil
}

// classify maps driver errors onto the package's sentinel errors.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

// withRetry re-runs fn while it fails with ErrConflict, waiting between
// attempts according to s.delays.
func (s *SQLStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(s.delays); i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConflict) || i == len(s.delays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delays[i]):
		}
	}
	return err
}
