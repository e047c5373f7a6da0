package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	CardCredit CardType = "credit"
	CardDebit  CardType = "debit"

	PaymentCash       PaymentMethod = "cash"
	PaymentCreditCard PaymentMethod = "credit_card"

	ExpenseConfirmed ExpenseStatus = "confirmed"
	ExpensePending   ExpenseStatus = "pending"
	ExpenseIgnored   ExpenseStatus = "ignored"

	OwnedByOrganization OwnershipType = "organization"
	OwnedByMember       OwnershipType = "member"

	TargetIndividual AllocationTarget = "individual"
	TargetShared     AllocationTarget = "shared"

	InvoicePending     InvoiceStatus = "pending"
	InvoicePaidPartial InvoiceStatus = "paid_partial"
	InvoicePaid        InvoiceStatus = "paid"
)

type (
	CardType         string
	PaymentMethod    string
	ExpenseStatus    string
	OwnershipType    string
	AllocationTarget string
	InvoiceStatus    string

	// CostCenter is a household member or a shared bucket. Position is the
	// ordering every remainder rule follows.
	CostCenter struct {
		ID                     string
		OrgID                  string
		Name                   string
		IsShared               bool
		DefaultSplitPercentage decimal.Decimal
		Active                 bool
		Position               int
	}

	Card struct {
		ID             string
		OrgID          string
		Name           string
		Type           CardType
		ClosingDay     int
		BillingDay     int
		CreditLimit    decimal.Decimal
		AvailableLimit decimal.Decimal
		Active         bool
	}

	InstallmentInfo struct {
		CurrentInstallment int
		TotalInstallments  int
		InstallmentAmount  decimal.Decimal
	}

	// ExpenseSplit carries a percentage, an amount or both. Nil means absent.
	ExpenseSplit struct {
		CostCenterID string
		Percentage   *decimal.Decimal
		Amount       *decimal.Decimal
	}

	// Expense is a regular, user-confirmed expense. Carried-over invoice
	// balances are RolloverExpense values and never share this type.
	Expense struct {
		ID            string
		OrgID         string
		Description   string
		Amount        decimal.Decimal
		Date          Date
		PaymentMethod PaymentMethod
		CardID        string
		CostCenterID  string
		Installment   *InstallmentInfo
		Splits        []ExpenseSplit
		Status        ExpenseStatus
	}

	// RolloverExpense is the synthetic expense that moves an unpaid invoice
	// remainder into the first day of the next cycle.
	RolloverExpense struct {
		ID              string
		OrgID           string
		CardID          string
		Amount          decimal.Decimal
		Date            Date
		Label           string
		SourceInvoiceID string
	}

	AllocationSplit struct {
		CostCenterID string
		Percentage   *decimal.Decimal
		Amount       *decimal.Decimal
	}

	// Allocation is money contributed into the household.
	Allocation struct {
		ID               string
		OrgID            string
		Description      string
		Amount           decimal.Decimal
		Date             Date
		OwnershipType    OwnershipType
		AllocationTarget AllocationTarget
		CostCenterID     string
		Splits           []AllocationSplit
	}

	Invoice struct {
		ID             string
		CardID         string
		CycleStart     Date
		CycleEnd       Date
		TotalAmount    decimal.Decimal
		PaidAmount     decimal.Decimal
		CarriedForward decimal.Decimal
		Status         InvoiceStatus
		FirstPaymentAt *time.Time
		FullyPaidAt    *time.Time
	}

	InvoicePayment struct {
		ID          string
		InvoiceID   string
		Amount      decimal.Decimal
		PaymentDate Date
		SourceRef   string
	}

	// Snapshot is one upfront, immutable read of everything a closing needs.
	Snapshot struct {
		OrgID       string
		Range       DateRange
		CostCenters []CostCenter
		Cards       []Card
		Expenses    []Expense
		Rollovers   []RolloverExpense
		Allocations []Allocation
	}
)

var (
	ErrInvalidCycleConfig = errors.New("invalid cycle config")
	ErrInvalidTransition  = errors.New("invalid invoice transition")
	ErrUnresolvableSplit  = errors.New("unresolvable split")
	ErrRoundingInvariant  = errors.New("rounding invariant violation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNotFound           = errors.New("not found")
	ErrEmptyDescription   = errors.New("empty description")
	ErrInvalidInstallment = errors.New("invalid installment info")
)

// EffectiveAmount is what the expense contributes to a single cycle: the
// installment amount for multi-installment purchases, the amount otherwise.
func (e Expense) EffectiveAmount() decimal.Decimal {
	if e.IsMultiInstallment() {
		return e.Installment.InstallmentAmount
	}
	return e.Amount
}

func (e Expense) IsMultiInstallment() bool {
	return e.Installment != nil && e.Installment.TotalInstallments > 1
}

func (e Expense) IsCredit() bool {
	return e.PaymentMethod == PaymentCreditCard
}

func (e Expense) Validate() error {
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if e.Installment != nil {
		in := e.Installment
		if in.TotalInstallments < 1 || in.CurrentInstallment < 1 || in.CurrentInstallment > in.TotalInstallments {
			return ErrInvalidInstallment
		}
		if in.TotalInstallments > 1 && !in.InstallmentAmount.IsPositive() {
			return ErrInvalidInstallment
		}
	}
	if e.IsCredit() && e.CardID == "" {
		return errors.New("credit card expense without card")
	}
	return nil
}

func (r RolloverExpense) Validate() error {
	if err := r.Date.Validate(); err != nil {
		return err
	}
	if r.CardID == "" {
		return errors.New("rollover expense without card")
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func (a Allocation) Validate() error {
	if err := a.Date.Validate(); err != nil {
		return err
	}
	if !a.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch a.OwnershipType {
	case OwnedByOrganization:
	case OwnedByMember:
		if a.AllocationTarget != TargetIndividual && a.AllocationTarget != TargetShared {
			return errors.New("member allocation requires individual or shared target")
		}
	default:
		return errors.New("invalid ownership type")
	}
	return nil
}

// IsCredit reports whether the card produces invoices.
func (c Card) IsCredit() bool {
	return c.Type == CardCredit
}

// Remaining is the part of the invoice neither paid nor carried forward.
func (i Invoice) Remaining() decimal.Decimal {
	return i.TotalAmount.Sub(i.PaidAmount).Sub(i.CarriedForward)
}

// ClassifyStatus derives the status from the amounts alone.
func (i Invoice) ClassifyStatus() InvoiceStatus {
	settled := i.PaidAmount.Add(i.CarriedForward)
	switch {
	case settled.IsZero():
		return InvoicePending
	case settled.GreaterThanOrEqual(i.TotalAmount):
		return InvoicePaid
	default:
		return InvoicePaidPartial
	}
}

// UserMessage maps engine errors to the messages shown to end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCycleConfig):
		return "cannot compute cycle for this card - check billing configuration"
	case errors.Is(err, ErrInvalidTransition):
		return "payment rejected - invoice already fully settled"
	default:
		return "unexpected error"
	}
}
