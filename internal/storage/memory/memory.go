// Package memory is an in-process repository with the same contract as the
// SQLite one. It backs tests and the CLI demo mode.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"fechamento/internal/core"
	"fechamento/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ ledger.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex
	st state
}

type state struct {
	costCenters []core.CostCenter
	cards       []core.Card
	expenses    []core.Expense
	rollovers   []core.RolloverExpense
	allocations []core.Allocation
	invoices    []core.Invoice
	payments    []core.InvoicePayment
}

func New() *Store {
	return &Store{}
}

func (s state) clone() state {
	return state{
		costCenters: slices.Clone(s.costCenters),
		cards:       slices.Clone(s.cards),
		expenses:    slices.Clone(s.expenses),
		rollovers:   slices.Clone(s.rollovers),
		allocations: slices.Clone(s.allocations),
		invoices:    slices.Clone(s.invoices),
		payments:    slices.Clone(s.payments),
	}
}

func newID() string {
	return uuid.NewString()
}

// CreateCostCenter stores cc, assigning an id and the next position when
// unset.
func (s *Store) CreateCostCenter(_ context.Context, cc core.CostCenter) (core.CostCenter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cc.ID == "" {
		cc.ID = newID()
	}
	if cc.Position == 0 {
		cc.Position = len(s.st.costCenters) + 1
	}
	s.st.costCenters = append(s.st.costCenters, cc)
	return cc, nil
}

func (s *Store) CreateCard(_ context.Context, c core.Card) (core.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.AvailableLimit.IsZero() {
		c.AvailableLimit = c.CreditLimit
	}
	s.st.cards = append(s.st.cards, c)
	return c, nil
}

func (s *Store) CreateExpense(_ context.Context, e core.Expense) (core.Expense, error) {
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = core.ExpenseConfirmed
	}
	s.st.expenses = append(s.st.expenses, e)
	return e, nil
}

func (s *Store) CreateAllocation(_ context.Context, a core.Allocation) (core.Allocation, error) {
	if err := a.Validate(); err != nil {
		return core.Allocation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	s.st.allocations = append(s.st.allocations, a)
	return a, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) ListCostCenters(_ context.Context, orgID string) ([]core.CostCenter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listCostCenters(orgID), nil
}

func (s *Store) ListCards(_ context.Context, orgID string, activeOnly bool) ([]core.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listCards(orgID, activeOnly), nil
}

func (s *Store) GetCard(_ context.Context, orgID, cardID string) (core.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.st.cards {
		if c.ID == cardID && c.OrgID == orgID {
			return c, nil
		}
	}
	return core.Card{}, fmt.Errorf("card %s: %w", cardID, core.ErrNotFound)
}

func (s *Store) ListExpenses(_ context.Context, orgID string, r core.DateRange, f core.ExpenseFilter) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listExpenses(orgID, r, f), nil
}

func (s *Store) ListRolloverExpenses(_ context.Context, orgID string, r core.DateRange) ([]core.RolloverExpense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listRollovers(orgID, r), nil
}

func (s *Store) ListAllocations(_ context.Context, orgID string, r core.DateRange) ([]core.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listAllocations(orgID, r), nil
}

// LoadSnapshot reads everything a closing over r needs under one lock.
func (s *Store) LoadSnapshot(_ context.Context, orgID string, r core.DateRange) (core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.Snapshot{
		OrgID:       orgID,
		Range:       r,
		CostCenters: s.st.listCostCenters(orgID),
		Cards:       s.st.listCards(orgID, true),
		Expenses:    s.st.listExpenses(orgID, r, core.ExpenseFilter{}),
		Rollovers:   s.st.listRollovers(orgID, r),
		Allocations: s.st.listAllocations(orgID, r),
	}, nil
}

func (s *Store) FindInvoice(_ context.Context, cardID string, start, end core.Date) (*core.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.findInvoice(cardID, start, end), nil
}

func (s *Store) ListInvoicesByStatus(_ context.Context, orgID string, status core.InvoiceStatus) ([]core.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := map[string]bool{}
	for _, c := range s.st.cards {
		if c.OrgID == orgID {
			cards[c.ID] = true
		}
	}
	var out []core.Invoice
	for _, inv := range s.st.invoices {
		if cards[inv.CardID] && inv.Status == status {
			out = append(out, inv)
		}
	}
	return out, nil
}

// WithinTx runs fn against a private copy of the data and publishes the copy
// only when fn succeeds. The store lock is held for the whole unit, so fn
// must use tx and never call back into the store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := &txState{st: s.st.clone()}
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work.st
	return nil
}

type txState struct {
	st state
}

func (t *txState) ListExpenses(_ context.Context, orgID string, r core.DateRange, f core.ExpenseFilter) ([]core.Expense, error) {
	return t.st.listExpenses(orgID, r, f), nil
}

func (t *txState) ListRolloverExpenses(_ context.Context, orgID string, r core.DateRange) ([]core.RolloverExpense, error) {
	return t.st.listRollovers(orgID, r), nil
}

func (t *txState) FindInvoice(_ context.Context, cardID string, start, end core.Date) (*core.Invoice, error) {
	return t.st.findInvoice(cardID, start, end), nil
}

func (t *txState) GetInvoice(_ context.Context, invoiceID string) (core.Invoice, error) {
	for _, inv := range t.st.invoices {
		if inv.ID == invoiceID {
			return inv, nil
		}
	}
	return core.Invoice{}, fmt.Errorf("invoice %s: %w", invoiceID, core.ErrNotFound)
}

func (t *txState) GetOrCreateInvoice(_ context.Context, cardID string, start, end core.Date, total decimal.Decimal) (core.Invoice, error) {
	if inv := t.st.findInvoice(cardID, start, end); inv != nil {
		return *inv, nil
	}
	inv := core.Invoice{
		ID:             newID(),
		CardID:         cardID,
		CycleStart:     start,
		CycleEnd:       end,
		TotalAmount:    total,
		PaidAmount:     decimal.Zero,
		CarriedForward: decimal.Zero,
		Status:         core.InvoicePending,
	}
	t.st.invoices = append(t.st.invoices, inv)
	return inv, nil
}

func (t *txState) UpdateInvoice(_ context.Context, inv core.Invoice) error {
	for i := range t.st.invoices {
		if t.st.invoices[i].ID == inv.ID {
			t.st.invoices[i] = inv
			return nil
		}
	}
	return fmt.Errorf("invoice %s: %w", inv.ID, core.ErrNotFound)
}

func (t *txState) AppendInvoicePayment(_ context.Context, invoiceID string, amount decimal.Decimal, date core.Date, sourceRef string) (core.InvoicePayment, error) {
	p := core.InvoicePayment{
		ID:          newID(),
		InvoiceID:   invoiceID,
		Amount:      amount,
		PaymentDate: date,
		SourceRef:   sourceRef,
	}
	t.st.payments = append(t.st.payments, p)
	return p, nil
}

func (t *txState) ListInvoicePayments(_ context.Context, invoiceID string) ([]core.InvoicePayment, error) {
	var out []core.InvoicePayment
	for _, p := range t.st.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *txState) InsertRolloverExpense(_ context.Context, r core.RolloverExpense) (core.RolloverExpense, error) {
	if err := r.Validate(); err != nil {
		return core.RolloverExpense{}, err
	}
	if r.ID == "" {
		r.ID = newID()
	}
	t.st.rollovers = append(t.st.rollovers, r)
	return r, nil
}

// RecalculateCardLimit sets the available limit to the credit limit minus
// the remaining balance of every invoice of the card not yet paid.
func (t *txState) RecalculateCardLimit(_ context.Context, cardID string) (decimal.Decimal, error) {
	idx := slices.IndexFunc(t.st.cards, func(c core.Card) bool { return c.ID == cardID })
	if idx < 0 {
		return decimal.Zero, fmt.Errorf("card %s: %w", cardID, core.ErrNotFound)
	}
	open := decimal.Zero
	for _, inv := range t.st.invoices {
		if inv.CardID == cardID && inv.Status != core.InvoicePaid {
			open = open.Add(inv.Remaining())
		}
	}
	available := t.st.cards[idx].CreditLimit.Sub(open)
	t.st.cards[idx].AvailableLimit = available
	return available, nil
}

func (s state) findInvoice(cardID string, start, end core.Date) *core.Invoice {
	for _, inv := range s.invoices {
		if inv.CardID == cardID && inv.CycleStart.Equal(start) && inv.CycleEnd.Equal(end) {
			found := inv
			return &found
		}
	}
	return nil
}

func (s state) listCostCenters(orgID string) []core.CostCenter {
	var out []core.CostCenter
	for _, cc := range s.costCenters {
		if cc.OrgID == orgID {
			out = append(out, cc)
		}
	}
	slices.SortStableFunc(out, func(a, b core.CostCenter) int { return a.Position - b.Position })
	return out
}

func (s state) listCards(orgID string, activeOnly bool) []core.Card {
	var out []core.Card
	for _, c := range s.cards {
		if c.OrgID == orgID && (c.Active || !activeOnly) {
			out = append(out, c)
		}
	}
	return out
}

func (s state) listExpenses(orgID string, r core.DateRange, f core.ExpenseFilter) []core.Expense {
	var out []core.Expense
	for _, e := range s.expenses {
		if e.OrgID == orgID && r.Contains(e.Date) && f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s state) listRollovers(orgID string, r core.DateRange) []core.RolloverExpense {
	var out []core.RolloverExpense
	for _, ro := range s.rollovers {
		if ro.OrgID == orgID && r.Contains(ro.Date) {
			out = append(out, ro)
		}
	}
	return out
}

func (s state) listAllocations(orgID string, r core.DateRange) []core.Allocation {
	var out []core.Allocation
	for _, a := range s.allocations {
		if a.OrgID == orgID && r.Contains(a.Date) {
			out = append(out, a)
		}
	}
	return out
}
