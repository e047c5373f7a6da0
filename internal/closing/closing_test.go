package closing

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"fechamento/internal/core"

	"github.com/shopspring/decimal"
)

const org = "org-1"

func amt(s string) decimal.Decimal { return core.MustAmount(s) }

func household() []core.CostCenter {
	return []core.CostCenter{
		{ID: "ana", OrgID: org, Name: "Ana", DefaultSplitPercentage: amt("60"), Active: true, Position: 1},
		{ID: "bia", OrgID: org, Name: "Bia", DefaultSplitPercentage: amt("40"), Active: true, Position: 2},
		{ID: "casa", OrgID: org, Name: "Casa", IsShared: true, Active: true, Position: 3},
	}
}

func visa() core.Card {
	return core.Card{ID: "visa", OrgID: org, Name: "Visa", Type: core.CardCredit, ClosingDay: 5, BillingDay: 15, Active: true}
}

func cash(id, amount string, d core.Date, costCenter string) core.Expense {
	return core.Expense{
		ID: id, OrgID: org, Description: id, Amount: amt(amount), Date: d,
		PaymentMethod: core.PaymentCash, CostCenterID: costCenter, Status: core.ExpenseConfirmed,
	}
}

func credit(id, amount string, d core.Date, costCenter string) core.Expense {
	e := cash(id, amount, d, costCenter)
	e.PaymentMethod = core.PaymentCreditCard
	e.CardID = "visa"
	return e
}

func member(t *testing.T, c MonthlyClosing, id string) Member {
	t.Helper()
	for _, m := range c.Members {
		if m.CostCenterID == id {
			return m
		}
	}
	t.Fatalf("member %s missing from closing", id)
	return Member{}
}

func assertSums(t *testing.T, c MonthlyClosing) {
	t.Helper()
	total := c.Family
	for _, m := range c.Members {
		total = total.Add(m.Total())
	}
	if !total.Allocations.Equal(c.Grand.Allocations) || !total.Cash.Equal(c.Grand.Cash) || !total.Credit.Equal(c.Grand.Credit) {
		t.Fatalf("members+family = %+v, grand = %+v", total, c.Grand)
	}
}

func TestComputeDefaultSplitReconciles(t *testing.T) {
	snap := core.Snapshot{
		OrgID:       org,
		CostCenters: household(),
		Expenses:    []core.Expense{cash("rent", "100.01", core.NewDate(2025, 3, 3), "casa")},
	}
	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if got := member(t, c, "ana").Shared.Cash; !got.Equal(amt("60.01")) {
		t.Errorf("ana = %s, want 60.01", got)
	}
	if got := member(t, c, "bia").Shared.Cash; !got.Equal(amt("40.00")) {
		t.Errorf("bia = %s, want 40.00", got)
	}
	if !c.Family.Cash.IsZero() {
		t.Errorf("family = %s, want 0", c.Family.Cash)
	}
	assertSums(t, c)
}

func TestComputeCreditCountsInDueMonth(t *testing.T) {
	snap := core.Snapshot{
		OrgID:       org,
		CostCenters: household(),
		Cards:       []core.Card{visa()},
		Expenses:    []core.Expense{credit("tv", "80", core.NewDate(2025, 2, 20), "ana")},
	}

	feb, err := Compute(snap, 2025, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !feb.Grand.Credit.IsZero() {
		t.Errorf("february credit = %s, want 0", feb.Grand.Credit)
	}

	mar, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := member(t, mar, "ana").Individual.Credit; !got.Equal(amt("80")) {
		t.Errorf("ana individual credit = %s, want 80", got)
	}
	if len(mar.Invoices) != 1 || !mar.Invoices[0].Total.Equal(amt("80")) {
		t.Fatalf("invoices = %+v", mar.Invoices)
	}
	if want := core.NewDate(2025, 3, 15); !mar.Invoices[0].Cycle.Due.Equal(want) {
		t.Errorf("due = %s, want %s", mar.Invoices[0].Cycle.Due, want)
	}
}

func TestComputeInstallmentSplit(t *testing.T) {
	e := credit("sofa", "100", core.NewDate(2025, 2, 10), "")
	e.Installment = &core.InstallmentInfo{CurrentInstallment: 1, TotalInstallments: 5, InstallmentAmount: amt("20")}
	e.Splits = []core.ExpenseSplit{{CostCenterID: "ana", Percentage: core.Ptr(amt("50"))}}

	snap := core.Snapshot{OrgID: org, CostCenters: household(), Cards: []core.Card{visa()}, Expenses: []core.Expense{e}}
	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := member(t, c, "ana").Shared.Credit; !got.Equal(amt("10")) {
		t.Errorf("ana shared credit = %s, want 10.00", got)
	}
	if !c.Family.Credit.Equal(amt("10")) {
		t.Errorf("family credit = %s, want 10.00", c.Family.Credit)
	}
	if !c.Grand.Credit.Equal(amt("20")) {
		t.Errorf("grand credit = %s, want 20.00", c.Grand.Credit)
	}
	assertSums(t, c)
}

func TestComputeAllocations(t *testing.T) {
	d := core.NewDate(2025, 3, 1)
	snap := core.Snapshot{
		OrgID:       org,
		CostCenters: household(),
		Allocations: []core.Allocation{
			{ID: "salary", Amount: amt("3000"), Date: d, OwnershipType: core.OwnedByMember, AllocationTarget: core.TargetIndividual, CostCenterID: "ana"},
			{ID: "pot", Amount: amt("500"), Date: d, OwnershipType: core.OwnedByMember, AllocationTarget: core.TargetShared, CostCenterID: "bia"},
			{ID: "bonus", Amount: amt("200"), Date: d, OwnershipType: core.OwnedByOrganization},
			{ID: "rent-in", Amount: amt("100"), Date: d, OwnershipType: core.OwnedByOrganization, Splits: []core.AllocationSplit{
				{CostCenterID: "ana", Percentage: core.Ptr(amt("50"))},
				{CostCenterID: "bia", Percentage: core.Ptr(amt("50"))},
			}},
			{ID: "old", Amount: amt("999"), Date: core.NewDate(2025, 2, 28), OwnershipType: core.OwnedByOrganization},
		},
		Expenses: []core.Expense{cash("lunch", "40", d, "ana")},
	}
	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatal(err)
	}
	ana := member(t, c, "ana")
	if !ana.Individual.Allocations.Equal(amt("3000")) || !ana.Shared.Allocations.Equal(amt("50")) {
		t.Errorf("ana allocations = %+v", ana)
	}
	if got := ana.Total().Balance(); !got.Equal(amt("3010")) {
		t.Errorf("ana balance = %s, want 3010", got)
	}
	bia := member(t, c, "bia")
	if !bia.Shared.Allocations.Equal(amt("550")) {
		t.Errorf("bia shared allocations = %s, want 550", bia.Shared.Allocations)
	}
	if !c.Family.Allocations.Equal(amt("200")) {
		t.Errorf("family allocations = %s, want 200", c.Family.Allocations)
	}
	if !c.Grand.Allocations.Equal(amt("3800")) {
		t.Errorf("grand allocations = %s, want 3800", c.Grand.Allocations)
	}
	if got := c.Grand.Balance(); !got.Equal(amt("3760")) {
		t.Errorf("grand balance = %s, want 3760", got)
	}
	assertSums(t, c)
}

func TestComputeUnresolvableSplitGoesToFamily(t *testing.T) {
	e := cash("gift", "30", core.NewDate(2025, 3, 9), "")
	e.Splits = []core.ExpenseSplit{{CostCenterID: "ghost", Percentage: core.Ptr(amt("100"))}}
	snap := core.Snapshot{OrgID: org, CostCenters: household(), Expenses: []core.Expense{e}}

	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if !c.Family.Cash.Equal(amt("30")) {
		t.Errorf("family cash = %s, want 30", c.Family.Cash)
	}
	if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0], "ghost") {
		t.Errorf("warnings = %v", c.Warnings)
	}
}

func TestComputeOverclaimedSplitsAreScaled(t *testing.T) {
	e := cash("dinner", "100", core.NewDate(2025, 3, 9), "")
	e.Splits = []core.ExpenseSplit{
		{CostCenterID: "ana", Amount: core.Ptr(amt("80"))},
		{CostCenterID: "bia", Amount: core.Ptr(amt("80"))},
	}
	snap := core.Snapshot{OrgID: org, CostCenters: household(), Expenses: []core.Expense{e}}

	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	for _, id := range []string{"ana", "bia"} {
		if got := member(t, c, id).Shared.Cash; !got.Equal(amt("50")) {
			t.Errorf("%s shared cash = %s, want 50", id, got)
		}
	}
	if !c.Family.Cash.IsZero() {
		t.Errorf("family cash = %s, want 0", c.Family.Cash)
	}
	if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0], "scaled down") {
		t.Errorf("warnings = %v", c.Warnings)
	}
	assertSums(t, c)
}

func TestComputeRolloverIsNotAttributed(t *testing.T) {
	snap := core.Snapshot{
		OrgID:       org,
		CostCenters: household(),
		Cards:       []core.Card{visa()},
		Expenses:    []core.Expense{credit("fuel", "50", core.NewDate(2025, 3, 10), "bia")},
		Rollovers: []core.RolloverExpense{
			{ID: "r1", OrgID: org, CardID: "visa", Amount: amt("150"), Date: core.NewDate(2025, 3, 6), SourceInvoiceID: "inv-mar"},
		},
	}
	c, err := Compute(snap, 2025, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Grand.Credit.Equal(amt("50")) {
		t.Errorf("grand credit = %s, want 50", c.Grand.Credit)
	}
	if !c.CarriedOver.Equal(amt("150")) {
		t.Errorf("carried over = %s, want 150", c.CarriedOver)
	}
	if inv := c.Invoices[0]; !inv.Total.Equal(amt("200")) || !inv.CarriedIn.Equal(amt("150")) {
		t.Errorf("invoice = %+v", inv)
	}
	assertSums(t, c)
}

func TestComputeSkipsUnconfirmedAndInactive(t *testing.T) {
	pending := cash("maybe", "10", core.NewDate(2025, 3, 2), "ana")
	pending.Status = core.ExpensePending
	old := visa()
	old.ID = "old"
	old.Active = false

	snap := core.Snapshot{
		OrgID:       org,
		CostCenters: household(),
		Cards:       []core.Card{old},
		Expenses:    []core.Expense{pending},
	}
	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Grand.Expenses().IsZero() || len(c.Invoices) != 0 {
		t.Errorf("closing = %+v, want empty", c)
	}
}

func TestComputeInvalidCardFails(t *testing.T) {
	bad := visa()
	bad.ClosingDay = 32
	snap := core.Snapshot{OrgID: org, CostCenters: household(), Cards: []core.Card{bad}}
	if _, err := Compute(snap, 2025, 3); !errors.Is(err, core.ErrInvalidCycleConfig) {
		t.Fatalf("error = %v, want ErrInvalidCycleConfig", err)
	}
}

func TestComputeNoMembers(t *testing.T) {
	snap := core.Snapshot{
		OrgID:       org,
		CostCenters: []core.CostCenter{{ID: "casa", IsShared: true, Active: true}},
		Expenses:    []core.Expense{cash("water", "12.34", core.NewDate(2025, 3, 2), "casa")},
	}
	c, err := Compute(snap, 2025, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Family.Cash.Equal(amt("12.34")) {
		t.Errorf("family cash = %s, want 12.34", c.Family.Cash)
	}
}

func TestComputeSumInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	centers := household()
	ids := []string{"ana", "bia", "casa", ""}
	var expenses []core.Expense
	for i := 0; i < 500; i++ {
		e := cash("e", core.FromCents(1+rng.Int63n(100000)).String(), core.NewDate(2025, 3, 1+rng.Intn(28)), ids[rng.Intn(len(ids))])
		e.ID = core.FromCents(int64(i)).String()
		if rng.Intn(3) == 0 {
			e.CostCenterID = ""
			e.Splits = []core.ExpenseSplit{
				{CostCenterID: "ana", Percentage: core.Ptr(core.FromBasisPoints(rng.Int63n(10001)))},
				{CostCenterID: "bia", Percentage: core.Ptr(core.FromBasisPoints(rng.Int63n(10001)))},
			}
		}
		expenses = append(expenses, e)
	}
	c, err := Compute(core.Snapshot{OrgID: org, CostCenters: centers, Expenses: expenses}, 2025, 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	assertSums(t, c)
}
