// Package split divides an amount across cost centers.
//
// Shares are rounded to cents and the rounding remainder is always assigned
// to the first cost center in the order supplied by the caller, so the shares
// of a distribution sum exactly to the amount being divided.
package split

import (
	"fmt"

	"fechamento/internal/core"

	"github.com/shopspring/decimal"
)

// Weight is a cost center and its default percentage.
type Weight struct {
	CostCenterID string
	Percentage   decimal.Decimal
}

// Share is the part of an amount attributed to one cost center.
type Share struct {
	CostCenterID string
	Amount       decimal.Decimal
}

// Distribution is the result of dividing Amount. Family holds whatever could
// not be attributed to a specific cost center.
type Distribution struct {
	Amount decimal.Decimal
	Shares []Share
	Family decimal.Decimal
	// Scaled is set by Derive when explicit splits claimed more than Amount
	// and were scaled down to it.
	Scaled bool
}

// Sum returns the total of shares plus the family part.
func (d Distribution) Sum() decimal.Decimal {
	s := d.Family
	for _, sh := range d.Shares {
		s = s.Add(sh.Amount)
	}
	return s
}

// Check verifies the sum invariant.
func (d Distribution) Check() error {
	if sum := d.Sum(); !sum.Equal(d.Amount) {
		return fmt.Errorf("%w: distributed %s of %s", core.ErrRoundingInvariant, sum, d.Amount)
	}
	return nil
}

// Distribute divides amount across weights: share_i = round(amount*p_i/100).
// The rounding remainder is added to the first weight. Weights summing to
// less than 100 leave the unallocated part in Family; weights summing to
// more than 100 are scaled down proportionally. Non-positive weights are
// ignored.
func Distribute(amount decimal.Decimal, weights []Weight) (Distribution, error) {
	dist := Distribution{Amount: amount, Family: decimal.Zero}

	active := make([]Weight, 0, len(weights))
	totalPct := decimal.Zero
	for _, w := range weights {
		if !w.Percentage.IsPositive() {
			continue
		}
		active = append(active, w)
		totalPct = totalPct.Add(w.Percentage)
	}
	if len(active) == 0 {
		dist.Family = amount
		return dist, dist.Check()
	}

	// Part of the amount that belongs to members at all.
	target := amount
	if totalPct.LessThan(core.Hundred) {
		target = core.Round2(core.Percent(amount, totalPct))
		dist.Family = amount.Sub(target)
	}

	distributed := decimal.Zero
	dist.Shares = make([]Share, len(active))
	for i, w := range active {
		pct := w.Percentage
		if totalPct.GreaterThan(core.Hundred) {
			pct = pct.Mul(core.Hundred).Div(totalPct)
		}
		share := core.Round2(core.Percent(amount, pct))
		dist.Shares[i] = Share{CostCenterID: w.CostCenterID, Amount: share}
		distributed = distributed.Add(share)
	}
	if remainder := target.Sub(distributed); !remainder.IsZero() {
		dist.Shares[0].Amount = dist.Shares[0].Amount.Add(remainder)
	}
	return dist, dist.Check()
}

// ByCostCenter folds the shares into a map, for lookups only. Iteration
// order must come from Shares.
func (d Distribution) ByCostCenter() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(d.Shares))
	for _, s := range d.Shares {
		out[s.CostCenterID] = out[s.CostCenterID].Add(s.Amount)
	}
	return out
}
