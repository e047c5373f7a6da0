// Package ledger owns the payment state of credit-card invoices.
//
// An invoice moves pending -> paid_partial -> paid and never back. Every
// mutation runs inside one storage transaction together with the payment or
// rollover row it produces and the card limit recalculation, so paid amounts
// and payment records cannot drift apart on a crash. Repair re-derives the
// paid amount from the payment list when they do.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fechamento/internal/billing"
	"fechamento/internal/core"

	"github.com/shopspring/decimal"
)

// InvoiceRef identifies the invoice of a card due in a given month.
type InvoiceRef struct {
	OrgID    string
	CardID   string
	DueYear  int
	DueMonth int
}

func (r InvoiceRef) dueDate() core.Date {
	return core.NewDate(r.DueYear, r.DueMonth, 1)
}

// Reader is the read side the ledger needs outside transactions.
type Reader interface {
	GetCard(ctx context.Context, orgID, cardID string) (core.Card, error)
	ListExpenses(ctx context.Context, orgID string, r core.DateRange, f core.ExpenseFilter) ([]core.Expense, error)
	ListRolloverExpenses(ctx context.Context, orgID string, r core.DateRange) ([]core.RolloverExpense, error)
	FindInvoice(ctx context.Context, cardID string, start, end core.Date) (*core.Invoice, error)
	ListInvoicesByStatus(ctx context.Context, orgID string, status core.InvoiceStatus) ([]core.Invoice, error)
}

// statementSource lists what an invoice statement is built from. Reader and
// Tx both satisfy it.
type statementSource interface {
	ListExpenses(ctx context.Context, orgID string, r core.DateRange, f core.ExpenseFilter) ([]core.Expense, error)
	ListRolloverExpenses(ctx context.Context, orgID string, r core.DateRange) ([]core.RolloverExpense, error)
}

// Tx is the write side, valid for the duration of one transaction. Its
// reads see the transaction's own view of the data.
type Tx interface {
	statementSource
	FindInvoice(ctx context.Context, cardID string, start, end core.Date) (*core.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (core.Invoice, error)
	GetOrCreateInvoice(ctx context.Context, cardID string, start, end core.Date, total decimal.Decimal) (core.Invoice, error)
	UpdateInvoice(ctx context.Context, inv core.Invoice) error
	AppendInvoicePayment(ctx context.Context, invoiceID string, amount decimal.Decimal, date core.Date, sourceRef string) (core.InvoicePayment, error)
	ListInvoicePayments(ctx context.Context, invoiceID string) ([]core.InvoicePayment, error)
	InsertRolloverExpense(ctx context.Context, r core.RolloverExpense) (core.RolloverExpense, error)
	RecalculateCardLimit(ctx context.Context, cardID string) (decimal.Decimal, error)
}

// Store combines reads with atomic write units. WithinTx commits when fn
// returns nil and rolls back otherwise.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Publisher announces committed mutations. Failures are logged, never
// returned to the caller.
type Publisher interface {
	PublishLedgerEvent(ctx context.Context, ev core.LedgerEvent) error
}

type Ledger struct {
	store     Store
	publisher Publisher
}

func New(store Store, publisher Publisher) *Ledger {
	return &Ledger{store: store, publisher: publisher}
}

// View is the computed invoice of a cycle plus its stored row, if any.
type View struct {
	Card      core.Card
	Statement billing.Statement
	Invoice   *core.Invoice
}

// Status returns the stored status, or pending when no row exists yet.
func (v View) Status() core.InvoiceStatus {
	if v.Invoice == nil {
		return core.InvoicePending
	}
	return v.Invoice.Status
}

// Statement computes the invoice for ref from current expenses.
func (l *Ledger) Statement(ctx context.Context, ref InvoiceRef) (View, error) {
	card, cycle, err := l.resolve(ctx, ref)
	if err != nil {
		return View{}, err
	}
	st, err := aggregate(ctx, l.store, ref.OrgID, card, cycle)
	if err != nil {
		return View{}, err
	}
	inv, err := l.store.FindInvoice(ctx, card.ID, cycle.Start, cycle.End)
	if err != nil {
		return View{}, fmt.Errorf("find invoice: %w", err)
	}
	return View{Card: card, Statement: st, Invoice: inv}, nil
}

// RecordPayment registers a payment against the invoice of ref. The first
// payment creates the invoice row with the currently aggregated total.
// Overpayment is accepted; status is classified from the amounts.
func (l *Ledger) RecordPayment(ctx context.Context, ref InvoiceRef, amount decimal.Decimal, paidOn core.Date, sourceRef string) (core.Invoice, core.InvoicePayment, error) {
	if !amount.IsPositive() {
		return core.Invoice{}, core.InvoicePayment{}, fmt.Errorf("%w: payment must be positive, got %s", core.ErrInvalidAmount, amount)
	}
	card, cycle, err := l.resolve(ctx, ref)
	if err != nil {
		return core.Invoice{}, core.InvoicePayment{}, err
	}

	var (
		inv     core.Invoice
		payment core.InvoicePayment
	)
	err = l.store.WithinTx(ctx, func(tx Tx) error {
		// The total frozen on the first payment is read in the same
		// transaction that creates the invoice row.
		st, err := aggregate(ctx, tx, ref.OrgID, card, cycle)
		if err != nil {
			return err
		}
		inv, err = tx.GetOrCreateInvoice(ctx, card.ID, cycle.Start, cycle.End, st.Total)
		if err != nil {
			return fmt.Errorf("get or create invoice: %w", err)
		}
		inv, err = applyPayment(inv, amount, paidOn)
		if err != nil {
			return err
		}
		payment, err = tx.AppendInvoicePayment(ctx, inv.ID, amount, paidOn, sourceRef)
		if err != nil {
			return fmt.Errorf("append payment: %w", err)
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if _, err := tx.RecalculateCardLimit(ctx, card.ID); err != nil {
			return fmt.Errorf("recalculate card limit: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Invoice{}, core.InvoicePayment{}, err
	}

	slog.InfoContext(ctx, "Invoice payment recorded",
		"org_id", ref.OrgID,
		"card_id", card.ID,
		"invoice_id", inv.ID,
		"amount", amount.StringFixed(2),
		"paid_amount", inv.PaidAmount.StringFixed(2),
		"status", inv.Status)

	l.publish(ctx, core.EventPaymentRecorded, ref, inv.ID, amount)
	return inv, payment, nil
}

// applyPayment is the pure payment transition.
func applyPayment(inv core.Invoice, amount decimal.Decimal, paidOn core.Date) (core.Invoice, error) {
	if inv.Status == core.InvoicePaid {
		return inv, fmt.Errorf("%w: invoice %s already fully settled", core.ErrInvalidTransition, inv.ID)
	}
	inv.PaidAmount = inv.PaidAmount.Add(amount)
	if inv.FirstPaymentAt == nil {
		at := paidOn.Time
		inv.FirstPaymentAt = &at
	}
	inv.Status = core.InvoicePaidPartial
	if inv.PaidAmount.Add(inv.CarriedForward).GreaterThanOrEqual(inv.TotalAmount) {
		inv.Status = core.InvoicePaid
		at := paidOn.Time
		inv.FullyPaidAt = &at
	}
	return inv, nil
}

// Rollover moves the unpaid remainder of a partially paid invoice into a
// rollover expense dated on the first day of the next cycle and marks the
// invoice paid. The cycle must have closed on today.
func (l *Ledger) Rollover(ctx context.Context, ref InvoiceRef, today core.Date) (core.Invoice, core.RolloverExpense, error) {
	card, cycle, err := l.resolve(ctx, ref)
	if err != nil {
		return core.Invoice{}, core.RolloverExpense{}, err
	}
	if !cycle.ClosedAt(today) {
		return core.Invoice{}, core.RolloverExpense{}, fmt.Errorf("%w: cycle %s still open on %s", core.ErrInvalidTransition, cycle, today)
	}
	next, err := billing.Next(billing.RulesOf(card), cycle)
	if err != nil {
		return core.Invoice{}, core.RolloverExpense{}, err
	}

	var (
		inv      core.Invoice
		rollover core.RolloverExpense
	)
	err = l.store.WithinTx(ctx, func(tx Tx) error {
		found, err := tx.FindInvoice(ctx, card.ID, cycle.Start, cycle.End)
		if err != nil {
			return fmt.Errorf("find invoice: %w", err)
		}
		if found == nil {
			return fmt.Errorf("%w: invoice for %s has no payments", core.ErrInvalidTransition, cycle)
		}
		var remaining decimal.Decimal
		inv, remaining, err = applyRollover(*found, today)
		if err != nil {
			return err
		}
		rollover, err = tx.InsertRolloverExpense(ctx, core.RolloverExpense{
			OrgID:           ref.OrgID,
			CardID:          card.ID,
			Amount:          remaining,
			Date:            next.Start,
			Label:           rolloverLabel(card, cycle),
			SourceInvoiceID: inv.ID,
		})
		if err != nil {
			return fmt.Errorf("insert rollover expense: %w", err)
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if _, err := tx.RecalculateCardLimit(ctx, card.ID); err != nil {
			return fmt.Errorf("recalculate card limit: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Invoice{}, core.RolloverExpense{}, err
	}

	slog.InfoContext(ctx, "Invoice rolled over",
		"org_id", ref.OrgID,
		"card_id", card.ID,
		"invoice_id", inv.ID,
		"carried", rollover.Amount.StringFixed(2),
		"next_cycle_start", next.Start.String())

	l.publish(ctx, core.EventInvoiceRolledOver, ref, inv.ID, rollover.Amount)
	// The carried balance also changes the closing of the next due month.
	l.publish(ctx, core.EventInvoiceRolledOver, InvoiceRef{
		OrgID:    ref.OrgID,
		CardID:   ref.CardID,
		DueYear:  next.Due.Year(),
		DueMonth: next.Due.Month(),
	}, inv.ID, rollover.Amount)
	return inv, rollover, nil
}

// applyRollover is the pure rollover transition. It returns the updated
// invoice and the amount carried forward.
func applyRollover(inv core.Invoice, today core.Date) (core.Invoice, decimal.Decimal, error) {
	if inv.Status != core.InvoicePaidPartial {
		return inv, decimal.Zero, fmt.Errorf("%w: rollover requires paid_partial, invoice %s is %s", core.ErrInvalidTransition, inv.ID, inv.Status)
	}
	remaining := inv.Remaining()
	if !remaining.IsPositive() {
		return inv, decimal.Zero, fmt.Errorf("%w: nothing left to roll over on invoice %s", core.ErrInvalidTransition, inv.ID)
	}
	inv.CarriedForward = inv.CarriedForward.Add(remaining)
	inv.Status = core.InvoicePaid
	at := today.Time
	inv.FullyPaidAt = &at
	return inv, remaining, nil
}

func rolloverLabel(card core.Card, cycle billing.Cycle) string {
	name := card.Name
	if name == "" {
		name = card.ID
	}
	return fmt.Sprintf("Carried balance - %s invoice due %s", name, cycle.Due)
}

// Repair re-derives the paid amount of an invoice from its payments and
// fixes status and timestamps. It reports whether anything changed.
func (l *Ledger) Repair(ctx context.Context, orgID, invoiceID string, today core.Date) (core.Invoice, bool, error) {
	var (
		inv     core.Invoice
		changed bool
	)
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		stored, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("get invoice: %w", err)
		}
		payments, err := tx.ListInvoicePayments(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		inv, changed = rederive(stored, payments, today)
		if !changed {
			return nil
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if _, err := tx.RecalculateCardLimit(ctx, inv.CardID); err != nil {
			return fmt.Errorf("recalculate card limit: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Invoice{}, false, err
	}
	if changed {
		slog.WarnContext(ctx, "Invoice drift repaired",
			"org_id", orgID,
			"invoice_id", inv.ID,
			"paid_amount", inv.PaidAmount.StringFixed(2),
			"status", inv.Status)
		l.publish(ctx, core.EventInvoiceRepaired, InvoiceRef{OrgID: orgID, CardID: inv.CardID}, inv.ID, inv.PaidAmount)
	}
	return inv, changed, nil
}

func rederive(inv core.Invoice, payments []core.InvoicePayment, today core.Date) (core.Invoice, bool) {
	paid := decimal.Zero
	var first *time.Time
	for _, p := range payments {
		paid = paid.Add(p.Amount)
		if first == nil || p.PaymentDate.Time.Before(*first) {
			at := p.PaymentDate.Time
			first = &at
		}
	}

	fixed := inv
	fixed.PaidAmount = paid
	fixed.Status = fixed.ClassifyStatus()
	if fixed.FirstPaymentAt == nil && first != nil {
		fixed.FirstPaymentAt = first
	}
	if first == nil {
		fixed.FirstPaymentAt = nil
	}
	switch {
	case fixed.Status == core.InvoicePaid && fixed.FullyPaidAt == nil:
		at := today.Time
		fixed.FullyPaidAt = &at
	case fixed.Status != core.InvoicePaid:
		fixed.FullyPaidAt = nil
	}

	changed := !fixed.PaidAmount.Equal(inv.PaidAmount) ||
		fixed.Status != inv.Status ||
		(fixed.FirstPaymentAt == nil) != (inv.FirstPaymentAt == nil) ||
		(fixed.FullyPaidAt == nil) != (inv.FullyPaidAt == nil)
	return fixed, changed
}

// RolloverClosed rolls over every partially paid invoice of orgID whose
// cycle has closed on today. Failures are logged and skipped.
func (l *Ledger) RolloverClosed(ctx context.Context, orgID string, today core.Date) (int, error) {
	invoices, err := l.store.ListInvoicesByStatus(ctx, orgID, core.InvoicePaidPartial)
	if err != nil {
		return 0, fmt.Errorf("list partial invoices: %w", err)
	}
	count := 0
	for _, inv := range invoices {
		card, err := l.store.GetCard(ctx, orgID, inv.CardID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load card for rollover", "invoice_id", inv.ID, "card_id", inv.CardID, "error", err)
			continue
		}
		cycle, err := billing.CycleContaining(billing.RulesOf(card), inv.CycleEnd)
		if err != nil {
			slog.ErrorContext(ctx, "Invalid card billing config", "card_id", card.ID, "error", err)
			continue
		}
		if !cycle.ClosedAt(today) {
			continue
		}
		ref := InvoiceRef{OrgID: orgID, CardID: card.ID, DueYear: cycle.Due.Year(), DueMonth: cycle.Due.Month()}
		if _, _, err := l.Rollover(ctx, ref, today); err != nil {
			slog.ErrorContext(ctx, "Automatic rollover failed", "invoice_id", inv.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// RepairAll runs Repair over every stored invoice of orgID and returns how
// many were fixed.
func (l *Ledger) RepairAll(ctx context.Context, orgID string, today core.Date) (int, error) {
	fixed := 0
	for _, status := range []core.InvoiceStatus{core.InvoicePending, core.InvoicePaidPartial, core.InvoicePaid} {
		invoices, err := l.store.ListInvoicesByStatus(ctx, orgID, status)
		if err != nil {
			return fixed, fmt.Errorf("list %s invoices: %w", status, err)
		}
		for _, inv := range invoices {
			_, changed, err := l.Repair(ctx, orgID, inv.ID, today)
			if err != nil {
				slog.ErrorContext(ctx, "Invoice repair failed", "invoice_id", inv.ID, "error", err)
				continue
			}
			if changed {
				fixed++
			}
		}
	}
	return fixed, nil
}

func (l *Ledger) resolve(ctx context.Context, ref InvoiceRef) (core.Card, billing.Cycle, error) {
	card, err := l.store.GetCard(ctx, ref.OrgID, ref.CardID)
	if err != nil {
		return core.Card{}, billing.Cycle{}, fmt.Errorf("get card %s: %w", ref.CardID, err)
	}
	if !card.IsCredit() {
		return core.Card{}, billing.Cycle{}, fmt.Errorf("%w: card %s is not a credit card", core.ErrInvalidTransition, card.ID)
	}
	cycle, err := billing.Resolve(billing.RulesOf(card), ref.dueDate())
	if err != nil {
		return core.Card{}, billing.Cycle{}, fmt.Errorf("card %s: %w", card.ID, err)
	}
	return card, cycle, nil
}

func aggregate(ctx context.Context, src statementSource, orgID string, card core.Card, cycle billing.Cycle) (billing.Statement, error) {
	expenses, err := src.ListExpenses(ctx, orgID, cycle.Range(), core.ExpenseFilter{
		PaymentMethod: core.PaymentCreditCard,
		CardID:        card.ID,
		Status:        core.ExpenseConfirmed,
	})
	if err != nil {
		return billing.Statement{}, fmt.Errorf("list expenses: %w", err)
	}
	rollovers, err := src.ListRolloverExpenses(ctx, orgID, cycle.Range())
	if err != nil {
		return billing.Statement{}, fmt.Errorf("list rollover expenses: %w", err)
	}
	return billing.Aggregate(card.ID, cycle, expenses, rollovers), nil
}

func (l *Ledger) publish(ctx context.Context, typ core.LedgerEventType, ref InvoiceRef, invoiceID string, amount decimal.Decimal) {
	if l.publisher == nil {
		slog.DebugContext(ctx, "No ledger publisher configured, skipping event", "type", typ)
		return
	}
	ev := core.LedgerEvent{
		Type:        typ,
		OrgID:       ref.OrgID,
		CardID:      ref.CardID,
		InvoiceID:   invoiceID,
		DueYear:     ref.DueYear,
		DueMonth:    ref.DueMonth,
		AmountCents: core.ToCents(amount),
		OccurredAt:  time.Now().UTC(),
	}
	if err := l.publisher.PublishLedgerEvent(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "Failed to publish ledger event",
			"type", typ,
			"invoice_id", invoiceID,
			"error", err)
	}
}
