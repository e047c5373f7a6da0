// Package billing resolves credit-card billing cycles and aggregates the
// expenses of a cycle into an invoice statement.
//
// Every function here is pure: the same rules and dates always give the same
// cycle. Callers pass the reference date explicitly; nothing reads the clock.
package billing

import (
	"fmt"

	"fechamento/internal/core"
)

// Rules are the billing days of a card.
type Rules struct {
	ClosingDay int
	BillingDay int
}

// Cycle is the inclusive purchase window [Start, End] of an invoice and the
// day the invoice is due.
type Cycle struct {
	Start core.Date
	End   core.Date
	Due   core.Date
}

// RulesOf extracts the billing rules of a card.
func RulesOf(c core.Card) Rules {
	return Rules{ClosingDay: c.ClosingDay, BillingDay: c.BillingDay}
}

func (r Rules) Validate() error {
	if r.ClosingDay < 1 || r.ClosingDay > 31 {
		return fmt.Errorf("%w: closing day %d outside 1..31", core.ErrInvalidCycleConfig, r.ClosingDay)
	}
	if r.BillingDay < 1 || r.BillingDay > 31 {
		return fmt.Errorf("%w: billing day %d outside 1..31", core.ErrInvalidCycleConfig, r.BillingDay)
	}
	return nil
}

// crossesMonth reports whether the closing date falls in the month before
// the due month.
func (r Rules) crossesMonth() bool {
	return r.ClosingDay > r.BillingDay
}

// closingFor returns the closing date of the invoice due in year-month.
// month may be outside 1..12.
func (r Rules) closingFor(year, month int) core.Date {
	if r.crossesMonth() {
		month--
	}
	return core.ClampedDate(year, month, r.ClosingDay)
}

func (r Rules) cycleDueIn(year, month int) Cycle {
	closing := r.closingFor(year, month)
	previous := r.closingFor(year, month-1)
	return Cycle{
		Start: previous.AddDays(1),
		End:   closing,
		Due:   core.ClampedDate(year, month, r.BillingDay),
	}
}

// Resolve returns the cycle whose invoice is due in the month of ref.
//
// The due date is BillingDay clamped into that month. The closing date is
// ClosingDay clamped into the previous month when ClosingDay > BillingDay,
// otherwise into the same month. Start is the day after the previous closing.
func Resolve(r Rules, ref core.Date) (Cycle, error) {
	if err := r.Validate(); err != nil {
		return Cycle{}, err
	}
	return r.cycleDueIn(ref.Year(), ref.Month()), nil
}

// Next returns the cycle immediately following c.
func Next(r Rules, c Cycle) (Cycle, error) {
	if err := r.Validate(); err != nil {
		return Cycle{}, err
	}
	return r.cycleDueIn(c.Due.Year(), c.Due.Month()+1), nil
}

// Previous returns the cycle immediately preceding c.
func Previous(r Rules, c Cycle) (Cycle, error) {
	if err := r.Validate(); err != nil {
		return Cycle{}, err
	}
	return r.cycleDueIn(c.Due.Year(), c.Due.Month()-1), nil
}

// CycleContaining returns the cycle a purchase made on d belongs to.
func CycleContaining(r Rules, d core.Date) (Cycle, error) {
	c, err := Resolve(r, d)
	if err != nil {
		return Cycle{}, err
	}
	// A day belongs to the cycle due this month, next month, or the one
	// after that when the closing day crosses the month boundary.
	for i := 0; i < 3 && d.After(c.End); i++ {
		c = r.cycleDueIn(c.Due.Year(), c.Due.Month()+1)
	}
	for i := 0; i < 3 && d.Before(c.Start); i++ {
		c = r.cycleDueIn(c.Due.Year(), c.Due.Month()-1)
	}
	return c, nil
}

// Contains reports whether d is inside the purchase window.
func (c Cycle) Contains(d core.Date) bool {
	return !d.Before(c.Start) && !d.After(c.End)
}

// ClosedAt reports whether the cycle has fully closed on the given day,
// that is today >= End + 1 day.
func (c Cycle) ClosedAt(today core.Date) bool {
	return !today.Before(c.End.AddDays(1))
}

// Range returns the purchase window as a date range.
func (c Cycle) Range() core.DateRange {
	return core.DateRange{From: c.Start, To: c.End}
}

func (c Cycle) String() string {
	return fmt.Sprintf("%s..%s (due %s)", c.Start, c.End, c.Due)
}
