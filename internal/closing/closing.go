// Package closing builds the monthly household closing: allocations and
// expenses attributed to members, split into individual and shared
// subtotals, with a family bucket for whatever belongs to nobody in
// particular.
//
// Credit-card spending is attributed to the month its invoice is due, not
// the month of the purchase. Every computation works on a core.Snapshot read
// once up front and never touches storage.
package closing

import (
	"fmt"

	"fechamento/internal/billing"
	"fechamento/internal/core"
	"fechamento/internal/split"

	"github.com/shopspring/decimal"
)

// Totals are the flows of one bucket in a month.
type Totals struct {
	Allocations decimal.Decimal
	Cash        decimal.Decimal
	Credit      decimal.Decimal
}

func (t Totals) Expenses() decimal.Decimal {
	return t.Cash.Add(t.Credit)
}

// Balance is allocations minus cash and credit expenses.
func (t Totals) Balance() decimal.Decimal {
	return t.Allocations.Sub(t.Expenses())
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		Allocations: t.Allocations.Add(o.Allocations),
		Cash:        t.Cash.Add(o.Cash),
		Credit:      t.Credit.Add(o.Credit),
	}
}

// Member is the closing of one non-shared cost center.
type Member struct {
	CostCenterID string
	Name         string
	Individual   Totals
	Shared       Totals
}

func (m Member) Total() Totals {
	return m.Individual.Add(m.Shared)
}

// Invoice is a card invoice due in the closing month.
type Invoice struct {
	CardID    string
	CardName  string
	Cycle     billing.Cycle
	Purchases decimal.Decimal
	CarriedIn decimal.Decimal
	Total     decimal.Decimal
}

type MonthlyClosing struct {
	OrgID   string
	Year    int
	Month   int
	Members []Member
	Family  Totals
	Grand   Totals
	// Invoices lists every active credit card invoice due this month.
	Invoices []Invoice
	// CarriedOver is the unpaid balance rolled into this month's invoices.
	// It is owed but not attributed to anyone.
	CarriedOver decimal.Decimal
	Warnings    []string
}

// SnapshotRange is the date range a snapshot must cover to compute the
// closing of year-month: invoices due this month can start two months back.
func SnapshotRange(year, month int) core.DateRange {
	return core.DateRange{
		From: core.NewDate(year, month-2, 1),
		To:   core.MonthRange(year, month).To,
	}
}

type category int

const (
	catAllocation category = iota
	catCash
	catCredit
)

func (t *Totals) add(cat category, amount decimal.Decimal) {
	switch cat {
	case catAllocation:
		t.Allocations = t.Allocations.Add(amount)
	case catCash:
		t.Cash = t.Cash.Add(amount)
	case catCredit:
		t.Credit = t.Credit.Add(amount)
	}
}

func (t Totals) get(cat category) decimal.Decimal {
	switch cat {
	case catAllocation:
		return t.Allocations
	case catCash:
		return t.Cash
	default:
		return t.Credit
	}
}

// book accumulates attributions for one month.
type book struct {
	members  []Member
	index    map[string]int
	centers  map[string]core.CostCenter
	weights  []split.Weight
	family   Totals
	grand    Totals
	warnings []string
}

func newBook(centers []core.CostCenter) *book {
	b := &book{
		index:   make(map[string]int),
		centers: make(map[string]core.CostCenter, len(centers)),
		family:  zeroTotals(),
		grand:   zeroTotals(),
	}
	for _, cc := range centers {
		b.centers[cc.ID] = cc
		if !cc.Active || cc.IsShared {
			continue
		}
		b.index[cc.ID] = len(b.members)
		b.members = append(b.members, Member{
			CostCenterID: cc.ID,
			Name:         cc.Name,
			Individual:   zeroTotals(),
			Shared:       zeroTotals(),
		})
		b.weights = append(b.weights, split.Weight{CostCenterID: cc.ID, Percentage: cc.DefaultSplitPercentage})
	}
	return b
}

func zeroTotals() Totals {
	return Totals{Allocations: decimal.Zero, Cash: decimal.Zero, Credit: decimal.Zero}
}

func (b *book) isMember(id string) bool {
	_, ok := b.index[id]
	return ok
}

func (b *book) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *book) individual(id string, cat category, amount decimal.Decimal) {
	b.members[b.index[id]].Individual.add(cat, amount)
}

func (b *book) shared(d split.Distribution, cat category) {
	for _, s := range d.Shares {
		b.members[b.index[s.CostCenterID]].Shared.add(cat, s.Amount)
	}
	b.family.add(cat, d.Family)
}

// explicit books a record with explicit splits into the members' shared
// subtotals, or into individual ones when target says so. Unresolvable
// splits send the whole amount to the family bucket.
func (b *book) explicit(kind, id string, src split.Source, splits []split.Split, cat category, target core.AllocationTarget) {
	d, err := split.Derive(src, splits, b.isMember)
	if err != nil {
		b.warn("%s %s: %v, booked to family", kind, id, err)
		b.family.add(cat, src.Effective())
		return
	}
	if d.Scaled {
		b.warn("%s %s: splits exceed %s, scaled down", kind, id, d.Amount.StringFixed(2))
	}
	if target == core.TargetIndividual {
		for _, s := range d.Shares {
			b.individual(s.CostCenterID, cat, s.Amount)
		}
		b.family.add(cat, d.Family)
		return
	}
	b.shared(d, cat)
}

func (b *book) expense(e core.Expense, cat category) {
	amount := e.EffectiveAmount()
	b.grand.add(cat, amount)

	if len(e.Splits) > 0 {
		b.explicit("expense", e.ID, split.ExpenseSource(e), split.FromExpenseSplits(e.Splits), cat, core.TargetShared)
		return
	}
	if e.CostCenterID == "" {
		b.family.add(cat, amount)
		return
	}
	if b.isMember(e.CostCenterID) {
		b.individual(e.CostCenterID, cat, amount)
		return
	}
	cc, ok := b.centers[e.CostCenterID]
	if !ok || !cc.Active || !cc.IsShared {
		b.warn("expense %s: cost center %q is not active, booked to family", e.ID, e.CostCenterID)
		b.family.add(cat, amount)
		return
	}
	d, err := split.Distribute(amount, b.weights)
	if err != nil {
		b.warn("expense %s: %v, booked to family", e.ID, err)
		b.family.add(cat, amount)
		return
	}
	b.shared(d, cat)
}

func (b *book) allocation(a core.Allocation) {
	b.grand.add(catAllocation, a.Amount)

	target := core.TargetShared
	if a.OwnershipType == core.OwnedByMember {
		target = a.AllocationTarget
	}
	if len(a.Splits) > 0 {
		b.explicit("allocation", a.ID, split.AllocationSource(a), split.FromAllocationSplits(a.Splits), catAllocation, target)
		return
	}
	if a.OwnershipType != core.OwnedByMember {
		b.family.add(catAllocation, a.Amount)
		return
	}
	if !b.isMember(a.CostCenterID) {
		b.warn("allocation %s: member %q is not active, booked to family", a.ID, a.CostCenterID)
		b.family.add(catAllocation, a.Amount)
		return
	}
	if target == core.TargetIndividual {
		b.individual(a.CostCenterID, catAllocation, a.Amount)
		return
	}
	b.members[b.index[a.CostCenterID]].Shared.add(catAllocation, a.Amount)
}

// reconcile assigns any difference between the grand totals and the sum of
// members plus family to the first member, then verifies the sums match.
func (b *book) reconcile() error {
	for _, cat := range []category{catAllocation, catCash, catCredit} {
		attributed := b.family.get(cat)
		for _, m := range b.members {
			attributed = attributed.Add(m.Total().get(cat))
		}
		diff := b.grand.get(cat).Sub(attributed)
		if diff.IsZero() {
			continue
		}
		if len(b.members) > 0 {
			b.members[0].Shared.add(cat, diff)
		} else {
			b.family.add(cat, diff)
		}
	}

	for _, cat := range []category{catAllocation, catCash, catCredit} {
		sum := b.family.get(cat)
		for _, m := range b.members {
			sum = sum.Add(m.Total().get(cat))
		}
		if !sum.Equal(b.grand.get(cat)) {
			return fmt.Errorf("%w: attributed %s of %s", core.ErrRoundingInvariant, sum, b.grand.get(cat))
		}
	}
	return nil
}

// Compute builds the closing of year-month from snap.
//
// Cash expenses count in the month they were made. Each active credit card
// contributes the invoice due in the month. Invalid card billing days fail
// the whole computation.
func Compute(snap core.Snapshot, year, month int) (MonthlyClosing, error) {
	monthRange := core.MonthRange(year, month)
	out := MonthlyClosing{
		OrgID:       snap.OrgID,
		Year:        year,
		Month:       month,
		CarriedOver: decimal.Zero,
	}
	b := newBook(snap.CostCenters)

	for _, e := range snap.Expenses {
		if e.Status != core.ExpenseConfirmed || e.IsCredit() || !monthRange.Contains(e.Date) {
			continue
		}
		b.expense(e, catCash)
	}

	for _, card := range snap.Cards {
		if !card.Active || !card.IsCredit() {
			continue
		}
		st, err := billing.StatementDueIn(card, monthRange.From, snap.Expenses, snap.Rollovers)
		if err != nil {
			return MonthlyClosing{}, fmt.Errorf("card %s: %w", card.ID, err)
		}
		for _, e := range st.Expenses {
			b.expense(e, catCredit)
		}
		out.Invoices = append(out.Invoices, Invoice{
			CardID:    card.ID,
			CardName:  card.Name,
			Cycle:     st.Cycle,
			Purchases: st.Purchases,
			CarriedIn: st.CarriedIn,
			Total:     st.Total,
		})
		out.CarriedOver = out.CarriedOver.Add(st.CarriedIn)
	}

	for _, a := range snap.Allocations {
		if !monthRange.Contains(a.Date) {
			continue
		}
		b.allocation(a)
	}

	if err := b.reconcile(); err != nil {
		return MonthlyClosing{}, err
	}

	out.Members = b.members
	out.Family = b.family
	out.Grand = b.grand
	out.Warnings = b.warnings
	return out, nil
}
