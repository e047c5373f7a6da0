package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fechamento/internal/core"
	"fechamento/internal/ledger"
)

const org = "org-1"

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "data", "fechamento.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seed(t *testing.T, repo *SQLiteRepository) core.Card {
	t.Helper()
	ctx := context.Background()
	for _, cc := range []core.CostCenter{
		{ID: "ana", OrgID: org, Name: "Ana", DefaultSplitPercentage: core.MustAmount("60"), Active: true, Position: 1},
		{ID: "bia", OrgID: org, Name: "Bia", DefaultSplitPercentage: core.MustAmount("40"), Active: true, Position: 2},
		{ID: "casa", OrgID: org, Name: "Casa", IsShared: true, Active: true, Position: 3},
	} {
		if _, err := repo.CreateCostCenter(ctx, cc); err != nil {
			t.Fatalf("seed cost center: %v", err)
		}
	}
	card, err := repo.CreateCard(ctx, core.Card{
		ID: "visa", OrgID: org, Name: "Visa", Type: core.CardCredit,
		ClosingDay: 5, BillingDay: 15, CreditLimit: core.MustAmount("1000"), Active: true,
	})
	if err != nil {
		t.Fatalf("seed card: %v", err)
	}
	return card
}

func TestCostCentersKeepPosition(t *testing.T) {
	repo := newTestRepo(t)
	seed(t, repo)

	ccs, err := repo.ListCostCenters(context.Background(), org)
	if err != nil {
		t.Fatal(err)
	}
	if len(ccs) != 3 || ccs[0].ID != "ana" || ccs[2].ID != "casa" {
		t.Fatalf("cost centers = %+v", ccs)
	}
	if !ccs[0].DefaultSplitPercentage.Equal(core.MustAmount("60")) || !ccs[2].IsShared || !ccs[0].Active {
		t.Errorf("cost center fields lost: %+v", ccs[0])
	}
}

func TestExpenseRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	card := seed(t, repo)

	in := core.Expense{
		OrgID:         org,
		Description:   "sofa",
		Amount:        core.MustAmount("100"),
		Date:          core.NewDate(2025, 2, 20),
		PaymentMethod: core.PaymentCreditCard,
		CardID:        card.ID,
		Installment:   &core.InstallmentInfo{CurrentInstallment: 1, TotalInstallments: 5, InstallmentAmount: core.MustAmount("20")},
		Splits: []core.ExpenseSplit{
			{CostCenterID: "ana", Percentage: core.Ptr(core.MustAmount("33.33"))},
			{CostCenterID: "bia", Amount: core.Ptr(core.MustAmount("13.34"))},
		},
	}
	created, err := repo.CreateExpense(ctx, in)
	if err != nil {
		t.Fatalf("CreateExpense() error = %v", err)
	}
	if _, err := repo.CreateExpense(ctx, core.Expense{
		OrgID: org, Description: "bread", Amount: core.MustAmount("4.50"),
		Date: core.NewDate(2025, 2, 21), PaymentMethod: core.PaymentCash, CostCenterID: "casa",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ListExpenses(ctx, org, core.MonthRange(2025, 2), core.ExpenseFilter{PaymentMethod: core.PaymentCreditCard})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("filtered expenses = %d, want 1", len(got))
	}
	e := got[0]
	if e.ID != created.ID || e.Status != core.ExpenseConfirmed || !e.Date.Equal(in.Date) {
		t.Errorf("expense = %+v", e)
	}
	if e.Installment == nil || e.Installment.TotalInstallments != 5 || !e.EffectiveAmount().Equal(core.MustAmount("20")) {
		t.Errorf("installment = %+v", e.Installment)
	}
	if len(e.Splits) != 2 {
		t.Fatalf("splits = %+v", e.Splits)
	}
	if e.Splits[0].Amount != nil || !e.Splits[0].Percentage.Equal(core.MustAmount("33.33")) {
		t.Errorf("first split = %+v", e.Splits[0])
	}
	if e.Splits[1].Percentage != nil || !e.Splits[1].Amount.Equal(core.MustAmount("13.34")) {
		t.Errorf("second split = %+v", e.Splits[1])
	}

	all, err := repo.ListExpenses(ctx, org, core.MonthRange(2025, 2), core.ExpenseFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("all expenses = %d, %v", len(all), err)
	}
}

func TestCreateExpenseValidates(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateExpense(context.Background(), core.Expense{OrgID: org, Description: "x", Amount: core.MustAmount("0"), Date: core.NewDate(2025, 1, 1)})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("error = %v, want ErrInvalidAmount", err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo)

	if _, err := repo.CreateAllocation(ctx, core.Allocation{
		OrgID: org, Description: "salary", Amount: core.MustAmount("3000"), Date: core.NewDate(2025, 3, 1),
		OwnershipType: core.OwnedByOrganization,
		Splits: []core.AllocationSplit{
			{CostCenterID: "ana", Percentage: core.Ptr(core.MustAmount("50"))},
			{CostCenterID: "bia", Percentage: core.Ptr(core.MustAmount("50"))},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateAllocation(ctx, core.Allocation{
		OrgID: org, Amount: core.MustAmount("10"), Date: core.NewDate(2024, 12, 31), OwnershipType: core.OwnedByOrganization,
	}); err != nil {
		t.Fatal(err)
	}

	snap, err := repo.LoadSnapshot(ctx, org, core.MonthRange(2025, 3))
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(snap.CostCenters) != 3 || len(snap.Cards) != 1 {
		t.Errorf("snapshot has %d cost centers, %d cards", len(snap.CostCenters), len(snap.Cards))
	}
	if len(snap.Allocations) != 1 || len(snap.Allocations[0].Splits) != 2 {
		t.Fatalf("allocations = %+v", snap.Allocations)
	}
	if snap.OrgID != org || !snap.Range.From.Equal(core.NewDate(2025, 3, 1)) {
		t.Errorf("snapshot header = %s %v", snap.OrgID, snap.Range)
	}

	other, err := repo.LoadSnapshot(ctx, "org-2", core.MonthRange(2025, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(other.CostCenters) != 0 || len(other.Allocations) != 0 {
		t.Errorf("snapshot leaked across orgs: %+v", other)
	}
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	card := seed(t, repo)
	start, end := core.NewDate(2025, 2, 6), core.NewDate(2025, 3, 5)

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(tx ledger.Tx) error {
		inv, err := tx.GetOrCreateInvoice(ctx, card.ID, start, end, core.MustAmount("300"))
		if err != nil {
			return err
		}
		if _, err := tx.AppendInvoicePayment(ctx, inv.ID, core.MustAmount("10"), start, "x"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v, want boom", err)
	}
	inv, err := repo.FindInvoice(ctx, card.ID, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if inv != nil {
		t.Fatalf("invoice survived rollback: %+v", inv)
	}
}

func TestGetOrCreateInvoiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	card := seed(t, repo)
	start, end := core.NewDate(2025, 2, 6), core.NewDate(2025, 3, 5)

	var ids []string
	for _, total := range []string{"300", "999"} {
		err := repo.WithinTx(ctx, func(tx ledger.Tx) error {
			inv, err := tx.GetOrCreateInvoice(ctx, card.ID, start, end, core.MustAmount(total))
			ids = append(ids, inv.ID)
			if !inv.TotalAmount.Equal(core.MustAmount("300")) {
				t.Errorf("total = %s, want 300", inv.TotalAmount)
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if ids[0] != ids[1] {
		t.Fatalf("second call created a new invoice: %v", ids)
	}
}

func TestLedgerOverSQLite(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	card := seed(t, repo)
	if _, err := repo.CreateExpense(ctx, core.Expense{
		OrgID: org, Description: "groceries", Amount: core.MustAmount("300"), Date: core.NewDate(2025, 2, 20),
		PaymentMethod: core.PaymentCreditCard, CardID: card.ID,
	}); err != nil {
		t.Fatal(err)
	}

	l := ledger.New(repo, nil)
	ref := ledger.InvoiceRef{OrgID: org, CardID: card.ID, DueYear: 2025, DueMonth: 3}
	inv, _, err := l.RecordPayment(ctx, ref, core.MustAmount("150"), core.NewDate(2025, 3, 1), "bank:42")
	if err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if inv.Status != core.InvoicePaidPartial {
		t.Fatalf("status = %s", inv.Status)
	}

	got, err := repo.GetCard(ctx, org, card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AvailableLimit.Equal(core.MustAmount("850")) {
		t.Errorf("available limit = %s, want 850", got.AvailableLimit)
	}

	inv, ro, err := l.Rollover(ctx, ref, core.NewDate(2025, 3, 6))
	if err != nil {
		t.Fatalf("Rollover() error = %v", err)
	}
	if inv.Status != core.InvoicePaid || inv.FullyPaidAt == nil || inv.FirstPaymentAt == nil {
		t.Errorf("invoice after rollover = %+v", inv)
	}

	stored, err := repo.ListRolloverExpenses(ctx, org, core.MonthRange(2025, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != ro.ID || !stored[0].Amount.Equal(core.MustAmount("150")) {
		t.Fatalf("rollovers = %+v", stored)
	}

	paid, err := repo.ListInvoicesByStatus(ctx, org, core.InvoicePaid)
	if err != nil || len(paid) != 1 {
		t.Fatalf("paid invoices = %d, %v", len(paid), err)
	}
	if !paid[0].CarriedForward.Equal(core.MustAmount("150")) {
		t.Errorf("carried forward = %s", paid[0].CarriedForward)
	}

	if n, err := l.RepairAll(ctx, org, core.NewDate(2025, 3, 7)); err != nil || n != 0 {
		t.Errorf("RepairAll() = %d, %v; want 0 on consistent data", n, err)
	}
}

func TestRecalculateCardLimitUnknownCard(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	err := repo.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.RecalculateCardLimit(ctx, "nope")
		return err
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestListCardsActiveOnly(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo)
	if _, err := repo.CreateCard(ctx, core.Card{
		ID: "old", OrgID: org, Name: "Amex", Type: core.CardCredit, ClosingDay: 1, BillingDay: 10, Active: false,
	}); err != nil {
		t.Fatal(err)
	}

	all, err := repo.ListCards(ctx, org, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("all cards = %d, %v; want 2", len(all), err)
	}
	active, err := repo.ListCards(ctx, org, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "visa" {
		t.Fatalf("active cards = %+v, want only visa", active)
	}

	snap, err := repo.LoadSnapshot(ctx, org, core.MonthRange(2025, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Cards) != 1 {
		t.Errorf("snapshot cards = %d, want the active one", len(snap.Cards))
	}
}
