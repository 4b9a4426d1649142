package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const orderColumns = `id, account_id, service_code, country_code, phone_number, cost_charged,
	provider_cost, status, code, code_text, code_received_at, created_at, updated_at`

type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() error {
	s.Db.Close()
	return nil
}

// Migrate applies the embedded schema. It is safe to run on every start.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn in a read-committed transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize writers of the same account.
func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) EnsureAccount(ctx context.Context, id int64) (*domain.Account, error) {
	_, err := s.Db.Exec(ctx, "INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", id)
	if err != nil {
		return nil, fmt.Errorf("provision account: %w", err)
	}
	return s.GetAccount(ctx, id)
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, balance, total_spent, created_at FROM accounts WHERE id = $1", id,
	).Scan(&acc.ID, &acc.Balance, &acc.TotalSpent, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Postgres) GetBalance(ctx context.Context, id int64) (domain.Money, error) {
	var balance int64
	err := s.Db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return domain.Money(balance), nil
}

func (s *Postgres) Credit(ctx context.Context, id int64, amount domain.Money, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = credit(ctx, tx, id, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Postgres) Debit(ctx context.Context, id int64, amount domain.Money, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = debit(ctx, tx, id, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, id int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return balance, nil
}

func credit(ctx context.Context, tx pgx.Tx, id int64, amount domain.Money, reason string) (domain.LedgerEntry, error) {
	if _, err := lockBalance(ctx, tx, id); err != nil {
		return domain.LedgerEntry{}, err
	}
	_, err := tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", int64(amount), id)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("balance update failed: %w", err)
	}
	entry := domain.NewEntry(id, domain.EntryCredit, amount, reason, time.Now())
	return entry, insertEntry(ctx, tx, entry)
}

func debit(ctx context.Context, tx pgx.Tx, id int64, amount domain.Money, reason string) (domain.LedgerEntry, error) {
	balance, err := lockBalance(ctx, tx, id)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if balance < int64(amount) {
		return domain.LedgerEntry{}, domain.ErrInsufficientFunds
	}
	_, err = tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1, total_spent = total_spent + $1 WHERE id = $2",
		int64(amount), id,
	)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("balance update failed: %w", err)
	}
	entry := domain.NewEntry(id, domain.EntryDebit, amount, reason, time.Now())
	return entry, insertEntry(ctx, tx, entry)
}

func insertEntry(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO ledger_entries (id, account_id, amount, kind, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		e.ID, e.AccountID, int64(e.Amount), string(e.Kind), e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

// Entries retrieves ledger entries for a specific account.
func (s *Postgres) Entries(ctx context.Context, id int64, limit int) ([]domain.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}

	query := "SELECT id, account_id, amount, kind, reason, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC"
	args := []any{id}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var (
			e      domain.LedgerEntry
			amount int64
			kind   string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &kind, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Amount = domain.Money(amount)
		e.Kind = domain.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Postgres) PlaceOrder(ctx context.Context, o *domain.Order) (*domain.LedgerEntry, error) {
	if o.CostCharged <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	placed := *o
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = debit(ctx, tx, o.AccountID, o.CostCharged, "order "+o.ID)
		if err != nil {
			return err
		}

		placed.Status = domain.OrderActive
		err = tx.QueryRow(ctx,
			`INSERT INTO orders (id, account_id, service_code, country_code, phone_number, cost_charged, provider_cost, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`,
			placed.ID, placed.AccountID, placed.ServiceCode, placed.CountryCode, placed.PhoneNumber,
			int64(placed.CostCharged), placed.ProviderCost, string(placed.Status),
		).Scan(&placed.CreatedAt, &placed.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domain.ErrOrderExists
			}
			return fmt.Errorf("order insert failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	*o = placed
	return &entry, nil
}

func (s *Postgres) SettleRefund(ctx context.Context, id string, to domain.OrderStatus, reason string) (*domain.Order, *domain.LedgerEntry, error) {
	var (
		order *domain.Order
		entry domain.LedgerEntry
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = transition(ctx, tx, id, to)
		if err != nil {
			return err
		}
		entry, err = credit(ctx, tx, order.AccountID, order.CostCharged, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return order, &entry, nil
}

func (s *Postgres) Transition(ctx context.Context, id string, to domain.OrderStatus) (*domain.Order, error) {
	var order *domain.Order
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = transition(ctx, tx, id, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// transition is the compare-and-set on status: the UPDATE matches only while
// the order is still open, so concurrent callers cannot both succeed.
func transition(ctx context.Context, tx pgx.Tx, id string, to domain.OrderStatus) (*domain.Order, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTransition, to)
	}
	row := tx.QueryRow(ctx,
		`UPDATE orders SET status = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'active')
		 RETURNING `+orderColumns,
		id, string(to),
	)
	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order transition failed: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrOrderNotFound
	}
	return nil, domain.ErrOrderAlreadyTerminal
}

func (s *Postgres) RecordCode(ctx context.Context, id, code, text string, at time.Time) (*domain.Order, error) {
	row := s.Db.QueryRow(ctx,
		`UPDATE orders SET code = $2, code_text = $3, code_received_at = $4, updated_at = now()
		 WHERE id = $1 RETURNING `+orderColumns,
		id, code, text, at.UTC(),
	)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

func (s *Postgres) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.Db.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

func (s *Postgres) ListOrders(ctx context.Context, accountID int64, limit int) ([]domain.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE account_id = $1 ORDER BY created_at DESC"
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryOrders(ctx, query, args...)
}

func (s *Postgres) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status IN ('pending', 'active') ORDER BY created_at")
}

func (s *Postgres) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		cost   int64
		status string
	)
	err := row.Scan(&o.ID, &o.AccountID, &o.ServiceCode, &o.CountryCode, &o.PhoneNumber, &cost,
		&o.ProviderCost, &status, &o.Code, &o.CodeText, &o.CodeReceivedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.CostCharged = domain.Money(cost)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func (s *Postgres) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	var (
		stats                 domain.Stats
		totalBalance, totalSp int64
	)
	dayStart := now.UTC().Truncate(24 * time.Hour)

	err := s.Db.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(balance), 0), COALESCE(SUM(total_spent), 0) FROM accounts",
	).Scan(&stats.Accounts, &totalBalance, &totalSp)
	if err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}
	stats.TotalBalance = domain.Money(totalBalance)
	stats.TotalSpent = domain.Money(totalSp)

	err = s.Db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status IN ('pending', 'active')),
		        COUNT(*) FILTER (WHERE created_at >= $1)
		 FROM orders`, dayStart,
	).Scan(&stats.Orders, &stats.OpenOrders, &stats.OrdersToday)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}

	err = s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries WHERE created_at >= $1", dayStart).
		Scan(&stats.EntriesToday)
	if err != nil {
		return nil, fmt.Errorf("entry stats: %w", err)
	}
	return &stats, nil
}
