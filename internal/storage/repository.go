package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"fechamento/internal/core"
	"fechamento/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var _ ledger.Store = (*SQLiteRepository)(nil)

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
}

func dsn(dbPath string) string {
	return "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) ListCostCenters(ctx context.Context, orgID string) ([]core.CostCenter, error) {
	ccs, err := r.queries.ListCostCenters(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list cost centers: %w", err)
	}
	return ccs, nil
}

func (r *SQLiteRepository) ListCards(ctx context.Context, orgID string, activeOnly bool) ([]core.Card, error) {
	cards, err := r.queries.ListCards(ctx, orgID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return cards, nil
}

func (r *SQLiteRepository) GetCard(ctx context.Context, orgID, cardID string) (core.Card, error) {
	return r.queries.GetCard(ctx, orgID, cardID)
}

func (r *SQLiteRepository) ListExpenses(ctx context.Context, orgID string, rng core.DateRange, f core.ExpenseFilter) ([]core.Expense, error) {
	expenses, err := r.queries.ListExpenses(ctx, orgID, rng, f)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, nil
}

func (r *SQLiteRepository) ListRolloverExpenses(ctx context.Context, orgID string, rng core.DateRange) ([]core.RolloverExpense, error) {
	ros, err := r.queries.ListRolloverExpenses(ctx, orgID, rng)
	if err != nil {
		return nil, fmt.Errorf("list rollover expenses: %w", err)
	}
	return ros, nil
}

func (r *SQLiteRepository) ListAllocations(ctx context.Context, orgID string, rng core.DateRange) ([]core.Allocation, error) {
	allocs, err := r.queries.ListAllocations(ctx, orgID, rng)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return allocs, nil
}

func (r *SQLiteRepository) FindInvoice(ctx context.Context, cardID string, start, end core.Date) (*core.Invoice, error) {
	return r.queries.FindInvoice(ctx, cardID, start, end)
}

func (r *SQLiteRepository) ListInvoicesByStatus(ctx context.Context, orgID string, status core.InvoiceStatus) ([]core.Invoice, error) {
	invs, err := r.queries.ListInvoicesByStatus(ctx, orgID, status)
	if err != nil {
		return nil, fmt.Errorf("list %s invoices: %w", status, err)
	}
	return invs, nil
}

// LoadSnapshot reads cost centers, cards, expenses, rollovers and
// allocations of orgID inside one transaction so the closing never sees a
// torn state.
func (r *SQLiteRepository) LoadSnapshot(ctx context.Context, orgID string, rng core.DateRange) (core.Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	snap := core.Snapshot{OrgID: orgID, Range: rng}
	if snap.CostCenters, err = q.ListCostCenters(ctx, orgID); err != nil {
		return core.Snapshot{}, fmt.Errorf("snapshot cost centers: %w", err)
	}
	if snap.Cards, err = q.ListCards(ctx, orgID, true); err != nil {
		return core.Snapshot{}, fmt.Errorf("snapshot cards: %w", err)
	}
	if snap.Expenses, err = q.ListExpenses(ctx, orgID, rng, core.ExpenseFilter{}); err != nil {
		return core.Snapshot{}, fmt.Errorf("snapshot expenses: %w", err)
	}
	if snap.Rollovers, err = q.ListRolloverExpenses(ctx, orgID, rng); err != nil {
		return core.Snapshot{}, fmt.Errorf("snapshot rollovers: %w", err)
	}
	if snap.Allocations, err = q.ListAllocations(ctx, orgID, rng); err != nil {
		return core.Snapshot{}, fmt.Errorf("snapshot allocations: %w", err)
	}

	slog.DebugContext(ctx, "Snapshot loaded",
		"org_id", orgID,
		"from", rng.From.String(),
		"to", rng.To.String(),
		"expenses", len(snap.Expenses),
		"allocations", len(snap.Allocations))
	return snap, nil
}

// WithinTx runs fn in one SQL transaction, committing only when fn
// returns nil.
func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txRepo{q: r.queries.WithTx(tx)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txRepo struct {
	q *Queries
}

func (t *txRepo) ListExpenses(ctx context.Context, orgID string, rng core.DateRange, f core.ExpenseFilter) ([]core.Expense, error) {
	return t.q.ListExpenses(ctx, orgID, rng, f)
}

func (t *txRepo) ListRolloverExpenses(ctx context.Context, orgID string, rng core.DateRange) ([]core.RolloverExpense, error) {
	return t.q.ListRolloverExpenses(ctx, orgID, rng)
}

func (t *txRepo) FindInvoice(ctx context.Context, cardID string, start, end core.Date) (*core.Invoice, error) {
	return t.q.FindInvoice(ctx, cardID, start, end)
}

func (t *txRepo) GetInvoice(ctx context.Context, invoiceID string) (core.Invoice, error) {
	return t.q.GetInvoice(ctx, invoiceID)
}

func (t *txRepo) GetOrCreateInvoice(ctx context.Context, cardID string, start, end core.Date, total decimal.Decimal) (core.Invoice, error) {
	if err := t.q.InsertInvoiceIfMissing(ctx, uuid.NewString(), cardID, start, end, total); err != nil {
		return core.Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	inv, err := t.q.FindInvoice(ctx, cardID, start, end)
	if err != nil {
		return core.Invoice{}, err
	}
	if inv == nil {
		return core.Invoice{}, fmt.Errorf("invoice for card %s %s..%s: %w", cardID, start, end, core.ErrNotFound)
	}
	return *inv, nil
}

func (t *txRepo) UpdateInvoice(ctx context.Context, inv core.Invoice) error {
	return t.q.UpdateInvoice(ctx, inv)
}

func (t *txRepo) AppendInvoicePayment(ctx context.Context, invoiceID string, amount decimal.Decimal, date core.Date, sourceRef string) (core.InvoicePayment, error) {
	p := core.InvoicePayment{
		ID:          uuid.NewString(),
		InvoiceID:   invoiceID,
		Amount:      amount,
		PaymentDate: date,
		SourceRef:   sourceRef,
	}
	if err := t.q.InsertInvoicePayment(ctx, p); err != nil {
		return core.InvoicePayment{}, err
	}
	return p, nil
}

func (t *txRepo) ListInvoicePayments(ctx context.Context, invoiceID string) ([]core.InvoicePayment, error) {
	return t.q.ListInvoicePayments(ctx, invoiceID)
}

func (t *txRepo) InsertRolloverExpense(ctx context.Context, ro core.RolloverExpense) (core.RolloverExpense, error) {
	if err := ro.Validate(); err != nil {
		return core.RolloverExpense{}, err
	}
	if ro.ID == "" {
		ro.ID = uuid.NewString()
	}
	if err := t.q.InsertRolloverExpense(ctx, ro); err != nil {
		return core.RolloverExpense{}, err
	}
	return ro, nil
}

func (t *txRepo) RecalculateCardLimit(ctx context.Context, cardID string) (decimal.Decimal, error) {
	return t.q.RecalculateCardLimit(ctx, cardID)
}

// CreateCostCenter inserts cc, assigning an id when empty.
func (r *SQLiteRepository) CreateCostCenter(ctx context.Context, cc core.CostCenter) (core.CostCenter, error) {
	if cc.ID == "" {
		cc.ID = uuid.NewString()
	}
	if err := r.queries.InsertCostCenter(ctx, cc); err != nil {
		return core.CostCenter{}, fmt.Errorf("create cost center: %w", err)
	}
	return cc, nil
}

func (r *SQLiteRepository) CreateCard(ctx context.Context, c core.Card) (core.Card, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.AvailableLimit.IsZero() {
		c.AvailableLimit = c.CreditLimit
	}
	if err := r.queries.InsertCard(ctx, c); err != nil {
		return core.Card{}, fmt.Errorf("create card: %w", err)
	}
	return c, nil
}

// CreateExpense validates and inserts e with its splits in one transaction.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = core.ExpenseConfirmed
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := r.queries.WithTx(tx).InsertExpense(ctx, e); err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Expense{}, fmt.Errorf("commit expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"org_id", e.OrgID,
		"amount", e.Amount.StringFixed(2),
		"date", e.Date.String(),
		"payment_method", e.PaymentMethod)
	return e, nil
}

// CreateAllocation validates and inserts a with its splits in one
// transaction.
func (r *SQLiteRepository) CreateAllocation(ctx context.Context, a core.Allocation) (core.Allocation, error) {
	if err := a.Validate(); err != nil {
		return core.Allocation{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Allocation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := r.queries.WithTx(tx).InsertAllocation(ctx, a); err != nil {
		return core.Allocation{}, fmt.Errorf("create allocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Allocation{}, fmt.Errorf("commit allocation: %w", err)
	}
	return a, nil
}
