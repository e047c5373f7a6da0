package sheets

import (
	"fmt"

	"fechamento/internal/closing"

	"github.com/shopspring/decimal"
)

var memberHeader = []any{
	"Member",
	"Individual allocations", "Individual cash", "Individual credit",
	"Shared allocations", "Shared cash", "Shared credit",
	"Total expense", "Balance",
}

var invoiceHeader = []any{"Card", "Cycle start", "Cycle end", "Due", "Purchases", "Carried in", "Total"}

// Rows renders c as a grid: a title row, one row per member followed by
// the family bucket and the grand total, then the card invoices due in the
// month and any warnings.
func Rows(c closing.MonthlyClosing) [][]any {
	rows := [][]any{
		{"Closing", fmt.Sprintf("%04d-%02d", c.Year, c.Month), c.OrgID},
		{},
		memberHeader,
	}
	for _, m := range c.Members {
		rows = append(rows, memberRow(m.Name, m.Individual, m.Shared))
	}
	rows = append(rows,
		totalsRow("Family", c.Family),
		totalsRow("Total", c.Grand),
		[]any{},
		invoiceHeader,
	)
	for _, inv := range c.Invoices {
		rows = append(rows, []any{
			inv.CardName,
			inv.Cycle.Start.String(),
			inv.Cycle.End.String(),
			inv.Cycle.Due.String(),
			money(inv.Purchases),
			money(inv.CarriedIn),
			money(inv.Total),
		})
	}
	if !c.CarriedOver.IsZero() {
		rows = append(rows, []any{"Carried over", "", "", "", "", money(c.CarriedOver), ""})
	}
	for _, w := range c.Warnings {
		rows = append(rows, []any{"Warning", w})
	}
	return rows
}

func memberRow(name string, individual, shared closing.Totals) []any {
	total := individual.Add(shared)
	return []any{
		name,
		money(individual.Allocations), money(individual.Cash), money(individual.Credit),
		money(shared.Allocations), money(shared.Cash), money(shared.Credit),
		money(total.Expenses()), money(total.Balance()),
	}
}

// totalsRow leaves the individual/shared columns empty for buckets that
// have no such distinction.
func totalsRow(label string, t closing.Totals) []any {
	return []any{
		label,
		money(t.Allocations), money(t.Cash), money(t.Credit),
		"", "", "",
		money(t.Expenses()), money(t.Balance()),
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// SheetTitle is the tab a closing is exported to, e.g. "2025-03 Closing".
func SheetTitle(base string, year, month int) string {
	if base == "" {
		base = "Closing"
	}
	return fmt.Sprintf("%04d-%02d %s", year, month, base)
}
