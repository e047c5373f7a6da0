package split

import (
	"fmt"

	"fechamento/internal/core"

	"github.com/shopspring/decimal"
)

// Source is the record being split: its stored amount and, for purchases in
// installments, the installment details.
type Source struct {
	Amount      decimal.Decimal
	Installment *core.InstallmentInfo
}

// Split is an explicit split attached to a record. Nil fields are absent.
type Split struct {
	CostCenterID string
	Percentage   *decimal.Decimal
	Amount       *decimal.Decimal
}

// ExpenseSource returns the split source of an expense.
func ExpenseSource(e core.Expense) Source {
	return Source{Amount: e.Amount, Installment: e.Installment}
}

// AllocationSource returns the split source of an allocation.
func AllocationSource(a core.Allocation) Source {
	return Source{Amount: a.Amount}
}

func FromExpenseSplits(in []core.ExpenseSplit) []Split {
	out := make([]Split, len(in))
	for i, s := range in {
		out[i] = Split{CostCenterID: s.CostCenterID, Percentage: s.Percentage, Amount: s.Amount}
	}
	return out
}

func FromAllocationSplits(in []core.AllocationSplit) []Split {
	out := make([]Split, len(in))
	for i, s := range in {
		out[i] = Split{CostCenterID: s.CostCenterID, Percentage: s.Percentage, Amount: s.Amount}
	}
	return out
}

func (s Source) multiInstallment() bool {
	return s.Installment != nil && s.Installment.TotalInstallments > 1
}

// Effective is the per-cycle amount of the source.
func (s Source) Effective() decimal.Decimal {
	if s.multiInstallment() {
		return s.Installment.InstallmentAmount
	}
	return s.Amount
}

// Derive turns explicit splits into per-cost-center shares of the source's
// effective amount.
//
// A split amount recorded against the full price of a purchase in
// installments is divided by the installment count. Splits without an
// amount use their percentage of the effective amount. Shares are rounded
// once at the end. A residual of at most one cent per split is assigned to
// the first split. Splits claiming more than that are scaled down
// proportionally to the effective amount; a larger shortfall is left in
// Family.
//
// known reports whether a cost center exists; nil accepts every id.
func Derive(src Source, splits []Split, known func(id string) bool) (Distribution, error) {
	effective := src.Effective()
	dist := Distribution{Amount: effective, Family: decimal.Zero}

	for _, sp := range splits {
		if known != nil && !known(sp.CostCenterID) {
			return Distribution{}, fmt.Errorf("%w: cost center %q", core.ErrUnresolvableSplit, sp.CostCenterID)
		}
		share, ok := deriveShare(src, effective, sp)
		if !ok {
			continue
		}
		dist.Shares = append(dist.Shares, Share{CostCenterID: sp.CostCenterID, Amount: core.Round2(share)})
	}

	if len(dist.Shares) == 0 {
		dist.Family = effective
		return dist, dist.Check()
	}

	residual := effective.Sub(dist.Sum())
	tolerance := core.Cent.Mul(decimal.NewFromInt(int64(len(dist.Shares))))
	switch {
	case residual.Abs().LessThanOrEqual(tolerance):
		dist.Shares[0].Amount = dist.Shares[0].Amount.Add(residual)
	case residual.IsNegative():
		scaleDown(&dist, effective)
	default:
		dist.Family = residual
	}
	return dist, dist.Check()
}

// scaleDown resizes the shares of d so they sum to target, keeping their
// proportions. The rounding remainder goes to the first share.
func scaleDown(d *Distribution, target decimal.Decimal) {
	claimed := decimal.Zero
	for _, sh := range d.Shares {
		claimed = claimed.Add(sh.Amount)
	}
	distributed := decimal.Zero
	for i := range d.Shares {
		d.Shares[i].Amount = core.Round2(target.Mul(d.Shares[i].Amount).Div(claimed))
		distributed = distributed.Add(d.Shares[i].Amount)
	}
	d.Shares[0].Amount = d.Shares[0].Amount.Add(target.Sub(distributed))
	d.Scaled = true
}

func deriveShare(src Source, effective decimal.Decimal, sp Split) (decimal.Decimal, bool) {
	hasPct := sp.Percentage != nil && sp.Percentage.IsPositive()
	if sp.Amount != nil && sp.Amount.IsPositive() {
		amount := *sp.Amount
		plausible := amount.LessThanOrEqual(effective.Add(core.Cent))
		switch {
		case plausible:
			return amount, true
		case src.multiInstallment():
			// Recorded against the full purchase price.
			return amount.Div(decimal.NewFromInt(int64(src.Installment.TotalInstallments))), true
		case hasPct:
			return core.Percent(effective, *sp.Percentage), true
		default:
			return effective, true
		}
	}
	if hasPct {
		return core.Percent(effective, *sp.Percentage), true
	}
	return decimal.Zero, false
}
