package core

import "time"

const (
	EventPaymentRecorded   LedgerEventType = "payment_recorded"
	EventInvoiceRolledOver LedgerEventType = "invoice_rolled_over"
	EventInvoiceRepaired   LedgerEventType = "invoice_repaired"
)

type LedgerEventType string

// LedgerEvent announces a committed invoice mutation. DueYear and DueMonth
// identify the closing month the change affects.
type LedgerEvent struct {
	Type        LedgerEventType `json:"type"`
	OrgID       string          `json:"org_id"`
	CardID      string          `json:"card_id"`
	InvoiceID   string          `json:"invoice_id"`
	DueYear     int             `json:"due_year"`
	DueMonth    int             `json:"due_month"`
	AmountCents int64           `json:"amount_cents"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// ExpenseFilter narrows an expense listing. Zero fields match everything.
type ExpenseFilter struct {
	PaymentMethod PaymentMethod
	CardID        string
	Status        ExpenseStatus
}

// Match reports whether e passes the filter.
func (f ExpenseFilter) Match(e Expense) bool {
	if f.PaymentMethod != "" && e.PaymentMethod != f.PaymentMethod {
		return false
	}
	if f.CardID != "" && e.CardID != f.CardID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
