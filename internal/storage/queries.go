package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fechamento/internal/core"

	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds every statement of the repository. Bind it to a transaction
// with WithTx.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const listCostCenters = `
SELECT id, org_id, name, is_shared, default_split_bp, active, position
FROM cost_centers
WHERE org_id = ?
ORDER BY position, id`

func (q *Queries) ListCostCenters(ctx context.Context, orgID string) ([]core.CostCenter, error) {
	rows, err := q.db.QueryContext(ctx, listCostCenters, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.CostCenter
	for rows.Next() {
		var (
			cc             core.CostCenter
			bp             int64
			shared, active bool
		)
		if err := rows.Scan(&cc.ID, &cc.OrgID, &cc.Name, &shared, &bp, &active, &cc.Position); err != nil {
			return nil, err
		}
		cc.IsShared = shared
		cc.Active = active
		cc.DefaultSplitPercentage = core.FromBasisPoints(bp)
		out = append(out, cc)
	}
	return out, rows.Err()
}

const insertCostCenter = `
INSERT INTO cost_centers (id, org_id, name, is_shared, default_split_bp, active, position)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertCostCenter(ctx context.Context, cc core.CostCenter) error {
	_, err := q.db.ExecContext(ctx, insertCostCenter,
		cc.ID, cc.OrgID, cc.Name, cc.IsShared, core.ToBasisPoints(cc.DefaultSplitPercentage), cc.Active, cc.Position)
	return err
}

const cardColumns = `id, org_id, name, type, closing_day, billing_day, credit_limit_cents, available_limit_cents, active`

func scanCard(row interface{ Scan(...any) error }) (core.Card, error) {
	var (
		c                core.Card
		typ              string
		limit, available int64
	)
	if err := row.Scan(&c.ID, &c.OrgID, &c.Name, &typ, &c.ClosingDay, &c.BillingDay, &limit, &available, &c.Active); err != nil {
		return core.Card{}, err
	}
	c.Type = core.CardType(typ)
	c.CreditLimit = core.FromCents(limit)
	c.AvailableLimit = core.FromCents(available)
	return c, nil
}

// ListCards returns the cards of orgID, only the active ones when
// activeOnly is set.
func (q *Queries) ListCards(ctx context.Context, orgID string, activeOnly bool) ([]core.Card, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE org_id = ? AND (? = 0 OR active = 1) ORDER BY name, id`,
		orgID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) GetCard(ctx context.Context, orgID, cardID string) (core.Card, error) {
	c, err := scanCard(q.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE org_id = ? AND id = ?`, orgID, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Card{}, fmt.Errorf("card %s: %w", cardID, core.ErrNotFound)
	}
	return c, err
}

const insertCard = `
INSERT INTO cards (` + cardColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertCard(ctx context.Context, c core.Card) error {
	_, err := q.db.ExecContext(ctx, insertCard,
		c.ID, c.OrgID, c.Name, string(c.Type), c.ClosingDay, c.BillingDay,
		core.ToCents(c.CreditLimit), core.ToCents(c.AvailableLimit), c.Active)
	return err
}

const recalculateCardLimit = `
UPDATE cards
SET available_limit_cents = credit_limit_cents - COALESCE((
    SELECT SUM(total_cents - paid_cents - carried_cents)
    FROM invoices
    WHERE card_id = cards.id AND status != 'paid'
), 0)
WHERE id = ?
RETURNING available_limit_cents`

func (q *Queries) RecalculateCardLimit(ctx context.Context, cardID string) (decimal.Decimal, error) {
	var cents int64
	err := q.db.QueryRowContext(ctx, recalculateCardLimit, cardID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("card %s: %w", cardID, core.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return core.FromCents(cents), nil
}

const listExpenses = `
SELECT id, org_id, description, amount_cents, date, payment_method,
       COALESCE(card_id, ''), COALESCE(cost_center_id, ''),
       current_installment, total_installments, installment_amount_cents, status
FROM expenses
WHERE org_id = ? AND date BETWEEN ? AND ?
  AND (? = '' OR payment_method = ?)
  AND (? = '' OR card_id = ?)
  AND (? = '' OR status = ?)
ORDER BY date, id`

const listExpenseSplits = `
SELECT s.expense_id, s.cost_center_id, s.percentage_bp, s.amount_cents
FROM expense_splits s
JOIN expenses e ON e.id = s.expense_id
WHERE e.org_id = ? AND e.date BETWEEN ? AND ?
ORDER BY s.expense_id, s.position, s.id`

func (q *Queries) ListExpenses(ctx context.Context, orgID string, r core.DateRange, f core.ExpenseFilter) ([]core.Expense, error) {
	from, to := r.From.String(), r.To.String()
	method, card, status := string(f.PaymentMethod), f.CardID, string(f.Status)
	rows, err := q.db.QueryContext(ctx, listExpenses, orgID, from, to, method, method, card, card, status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   []core.Expense
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			e                   core.Expense
			amount              int64
			date, pm, st        string
			current, total, per sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Description, &amount, &date, &pm,
			&e.CardID, &e.CostCenterID, &current, &total, &per, &st); err != nil {
			return nil, err
		}
		if e.Date, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("expense %s date: %w", e.ID, err)
		}
		e.Amount = core.FromCents(amount)
		e.PaymentMethod = core.PaymentMethod(pm)
		e.Status = core.ExpenseStatus(st)
		if total.Valid {
			e.Installment = &core.InstallmentInfo{
				CurrentInstallment: int(current.Int64),
				TotalInstallments:  int(total.Int64),
				InstallmentAmount:  core.FromCents(per.Int64),
			}
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the connection before the split query.
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	splits, err := q.db.QueryContext(ctx, listExpenseSplits, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer splits.Close()
	for splits.Next() {
		var (
			expenseID string
			s         core.ExpenseSplit
			bp, cents sql.NullInt64
		)
		if err := splits.Scan(&expenseID, &s.CostCenterID, &bp, &cents); err != nil {
			return nil, err
		}
		i, ok := index[expenseID]
		if !ok {
			continue
		}
		s.Percentage, s.Amount = optionalBasisPoints(bp), optionalCents(cents)
		out[i].Splits = append(out[i].Splits, s)
	}
	return out, splits.Err()
}

const insertExpense = `
INSERT INTO expenses (id, org_id, description, amount_cents, date, payment_method, card_id, cost_center_id,
                      current_installment, total_installments, installment_amount_cents, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertExpenseSplit = `
INSERT INTO expense_splits (expense_id, cost_center_id, percentage_bp, amount_cents, position)
VALUES (?, ?, ?, ?, ?)`

func (q *Queries) InsertExpense(ctx context.Context, e core.Expense) error {
	var current, total, per sql.NullInt64
	if in := e.Installment; in != nil {
		current = sql.NullInt64{Int64: int64(in.CurrentInstallment), Valid: true}
		total = sql.NullInt64{Int64: int64(in.TotalInstallments), Valid: true}
		per = sql.NullInt64{Int64: core.ToCents(in.InstallmentAmount), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, insertExpense,
		e.ID, e.OrgID, e.Description, core.ToCents(e.Amount), e.Date.String(), string(e.PaymentMethod),
		nullString(e.CardID), nullString(e.CostCenterID), current, total, per, string(e.Status))
	if err != nil {
		return err
	}
	for i, s := range e.Splits {
		if _, err := q.db.ExecContext(ctx, insertExpenseSplit,
			e.ID, s.CostCenterID, basisPointsArg(s.Percentage), centsArg(s.Amount), i); err != nil {
			return err
		}
	}
	return nil
}

const listAllocations = `
SELECT id, org_id, description, amount_cents, date, ownership_type,
       COALESCE(allocation_target, ''), COALESCE(cost_center_id, '')
FROM allocations
WHERE org_id = ? AND date BETWEEN ? AND ?
ORDER BY date, id`

const listAllocationSplits = `
SELECT s.allocation_id, s.cost_center_id, s.percentage_bp, s.amount_cents
FROM allocation_splits s
JOIN allocations a ON a.id = s.allocation_id
WHERE a.org_id = ? AND a.date BETWEEN ? AND ?
ORDER BY s.allocation_id, s.position, s.id`

func (q *Queries) ListAllocations(ctx context.Context, orgID string, r core.DateRange) ([]core.Allocation, error) {
	from, to := r.From.String(), r.To.String()
	rows, err := q.db.QueryContext(ctx, listAllocations, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   []core.Allocation
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			a                   core.Allocation
			amount              int64
			date, owner, target string
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &a.Description, &amount, &date, &owner, &target, &a.CostCenterID); err != nil {
			return nil, err
		}
		if a.Date, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("allocation %s date: %w", a.ID, err)
		}
		a.Amount = core.FromCents(amount)
		a.OwnershipType = core.OwnershipType(owner)
		a.AllocationTarget = core.AllocationTarget(target)
		index[a.ID] = len(out)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	splits, err := q.db.QueryContext(ctx, listAllocationSplits, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer splits.Close()
	for splits.Next() {
		var (
			allocationID string
			s            core.AllocationSplit
			bp, cents    sql.NullInt64
		)
		if err := splits.Scan(&allocationID, &s.CostCenterID, &bp, &cents); err != nil {
			return nil, err
		}
		i, ok := index[allocationID]
		if !ok {
			continue
		}
		s.Percentage, s.Amount = optionalBasisPoints(bp), optionalCents(cents)
		out[i].Splits = append(out[i].Splits, s)
	}
	return out, splits.Err()
}

const insertAllocation = `
INSERT INTO allocations (id, org_id, description, amount_cents, date, ownership_type, allocation_target, cost_center_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const insertAllocationSplit = `
INSERT INTO allocation_splits (allocation_id, cost_center_id, percentage_bp, amount_cents, position)
VALUES (?, ?, ?, ?, ?)`

func (q *Queries) InsertAllocation(ctx context.Context, a core.Allocation) error {
	_, err := q.db.ExecContext(ctx, insertAllocation,
		a.ID, a.OrgID, a.Description, core.ToCents(a.Amount), a.Date.String(), string(a.OwnershipType),
		nullString(string(a.AllocationTarget)), nullString(a.CostCenterID))
	if err != nil {
		return err
	}
	for i, s := range a.Splits {
		if _, err := q.db.ExecContext(ctx, insertAllocationSplit,
			a.ID, s.CostCenterID, basisPointsArg(s.Percentage), centsArg(s.Amount), i); err != nil {
			return err
		}
	}
	return nil
}

const listRolloverExpenses = `
SELECT id, org_id, card_id, amount_cents, date, label, source_invoice_id
FROM rollover_expenses
WHERE org_id = ? AND date BETWEEN ? AND ?
ORDER BY date, id`

func (q *Queries) ListRolloverExpenses(ctx context.Context, orgID string, r core.DateRange) ([]core.RolloverExpense, error) {
	rows, err := q.db.QueryContext(ctx, listRolloverExpenses, orgID, r.From.String(), r.To.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RolloverExpense
	for rows.Next() {
		var (
			ro     core.RolloverExpense
			amount int64
			date   string
		)
		if err := rows.Scan(&ro.ID, &ro.OrgID, &ro.CardID, &amount, &date, &ro.Label, &ro.SourceInvoiceID); err != nil {
			return nil, err
		}
		if ro.Date, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("rollover %s date: %w", ro.ID, err)
		}
		ro.Amount = core.FromCents(amount)
		out = append(out, ro)
	}
	return out, rows.Err()
}

const insertRolloverExpense = `
INSERT INTO rollover_expenses (id, org_id, card_id, amount_cents, date, label, source_invoice_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertRolloverExpense(ctx context.Context, ro core.RolloverExpense) error {
	_, err := q.db.ExecContext(ctx, insertRolloverExpense,
		ro.ID, ro.OrgID, ro.CardID, core.ToCents(ro.Amount), ro.Date.String(), ro.Label, ro.SourceInvoiceID)
	return err
}

const invoiceColumns = `id, card_id, cycle_start, cycle_end, total_cents, paid_cents, carried_cents, status, first_payment_at, fully_paid_at`

func scanInvoice(row interface{ Scan(...any) error }) (core.Invoice, error) {
	var (
		inv                  core.Invoice
		start, end, status   string
		total, paid, carried int64
		firstPaid, fullyPaid sql.NullString
	)
	if err := row.Scan(&inv.ID, &inv.CardID, &start, &end, &total, &paid, &carried, &status, &firstPaid, &fullyPaid); err != nil {
		return core.Invoice{}, err
	}
	var err error
	if inv.CycleStart, err = core.ParseDate(start); err != nil {
		return core.Invoice{}, err
	}
	if inv.CycleEnd, err = core.ParseDate(end); err != nil {
		return core.Invoice{}, err
	}
	inv.TotalAmount = core.FromCents(total)
	inv.PaidAmount = core.FromCents(paid)
	inv.CarriedForward = core.FromCents(carried)
	inv.Status = core.InvoiceStatus(status)
	if inv.FirstPaymentAt, err = parseTimestamp(firstPaid); err != nil {
		return core.Invoice{}, err
	}
	if inv.FullyPaidAt, err = parseTimestamp(fullyPaid); err != nil {
		return core.Invoice{}, err
	}
	return inv, nil
}

// FindInvoice returns nil without error when the cycle has no invoice row.
func (q *Queries) FindInvoice(ctx context.Context, cardID string, start, end core.Date) (*core.Invoice, error) {
	inv, err := scanInvoice(q.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE card_id = ? AND cycle_start = ? AND cycle_end = ?`,
		cardID, start.String(), end.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (q *Queries) GetInvoice(ctx context.Context, invoiceID string) (core.Invoice, error) {
	inv, err := scanInvoice(q.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Invoice{}, fmt.Errorf("invoice %s: %w", invoiceID, core.ErrNotFound)
	}
	return inv, err
}

const insertInvoiceIfMissing = `
INSERT INTO invoices (id, card_id, cycle_start, cycle_end, total_cents)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (card_id, cycle_start, cycle_end) DO NOTHING`

func (q *Queries) InsertInvoiceIfMissing(ctx context.Context, id, cardID string, start, end core.Date, total decimal.Decimal) error {
	_, err := q.db.ExecContext(ctx, insertInvoiceIfMissing, id, cardID, start.String(), end.String(), core.ToCents(total))
	return err
}

const updateInvoice = `
UPDATE invoices
SET total_cents = ?, paid_cents = ?, carried_cents = ?, status = ?, first_payment_at = ?, fully_paid_at = ?
WHERE id = ?`

func (q *Queries) UpdateInvoice(ctx context.Context, inv core.Invoice) error {
	res, err := q.db.ExecContext(ctx, updateInvoice,
		core.ToCents(inv.TotalAmount), core.ToCents(inv.PaidAmount), core.ToCents(inv.CarriedForward),
		string(inv.Status), formatTimestamp(inv.FirstPaymentAt), formatTimestamp(inv.FullyPaidAt), inv.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("invoice %s: %w", inv.ID, core.ErrNotFound)
	}
	return nil
}

const listInvoicesByStatus = `
SELECT ` + invoiceColumns + `
FROM invoices
WHERE status = ? AND card_id IN (SELECT id FROM cards WHERE org_id = ?)
ORDER BY cycle_end, id`

func (q *Queries) ListInvoicesByStatus(ctx context.Context, orgID string, status core.InvoiceStatus) ([]core.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, listInvoicesByStatus, string(status), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const insertInvoicePayment = `
INSERT INTO invoice_payments (id, invoice_id, amount_cents, payment_date, source_ref)
VALUES (?, ?, ?, ?, ?)`

func (q *Queries) InsertInvoicePayment(ctx context.Context, p core.InvoicePayment) error {
	_, err := q.db.ExecContext(ctx, insertInvoicePayment,
		p.ID, p.InvoiceID, core.ToCents(p.Amount), p.PaymentDate.String(), p.SourceRef)
	return err
}

const listInvoicePayments = `
SELECT id, invoice_id, amount_cents, payment_date, source_ref
FROM invoice_payments
WHERE invoice_id = ?
ORDER BY payment_date, created_at, id`

func (q *Queries) ListInvoicePayments(ctx context.Context, invoiceID string) ([]core.InvoicePayment, error) {
	rows, err := q.db.QueryContext(ctx, listInvoicePayments, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.InvoicePayment
	for rows.Next() {
		var (
			p      core.InvoicePayment
			amount int64
			date   string
		)
		if err := rows.Scan(&p.ID, &p.InvoiceID, &amount, &date, &p.SourceRef); err != nil {
			return nil, err
		}
		if p.PaymentDate, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("payment %s date: %w", p.ID, err)
		}
		p.Amount = core.FromCents(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func basisPointsArg(d *decimal.Decimal) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: core.ToBasisPoints(*d), Valid: true}
}

func centsArg(d *decimal.Decimal) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: core.ToCents(*d), Valid: true}
}

func optionalBasisPoints(v sql.NullInt64) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	return core.Ptr(core.FromBasisPoints(v.Int64))
}

func optionalCents(v sql.NullInt64) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	return core.Ptr(core.FromCents(v.Int64))
}

func formatTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTimestamp(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
