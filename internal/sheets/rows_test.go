package sheets

import (
	"testing"

	"fechamento/internal/billing"
	"fechamento/internal/closing"
	"fechamento/internal/core"
)

func TestRows(t *testing.T) {
	c := closing.MonthlyClosing{
		OrgID: "org-1",
		Year:  2025,
		Month: 3,
		Members: []closing.Member{{
			Name:       "Ana",
			Individual: closing.Totals{Allocations: core.MustAmount("1000"), Cash: core.MustAmount("12.5")},
			Shared:     closing.Totals{Credit: core.MustAmount("60.01")},
		}},
		Family: closing.Totals{Cash: core.MustAmount("3")},
		Grand:  closing.Totals{Allocations: core.MustAmount("1000"), Cash: core.MustAmount("15.5"), Credit: core.MustAmount("60.01")},
		Invoices: []closing.Invoice{{
			CardName:  "Visa",
			Cycle:     billing.Cycle{Start: core.NewDate(2025, 2, 6), End: core.NewDate(2025, 3, 5), Due: core.NewDate(2025, 3, 15)},
			Purchases: core.MustAmount("60.01"),
			CarriedIn: core.MustAmount("150"),
			Total:     core.MustAmount("210.01"),
		}},
		CarriedOver: core.MustAmount("150"),
		Warnings:    []string{"expense e1: unknown cost center"},
	}

	rows := Rows(c)
	find := func(label string) []any {
		t.Helper()
		for _, r := range rows {
			if len(r) > 0 && r[0] == label {
				return r
			}
		}
		t.Fatalf("no %q row in %v", label, rows)
		return nil
	}

	if title := rows[0]; title[1] != "2025-03" || title[2] != "org-1" {
		t.Errorf("title row = %v", title)
	}
	ana := find("Ana")
	if ana[1] != "1000.00" || ana[2] != "12.50" || ana[6] != "60.01" {
		t.Errorf("member row = %v", ana)
	}
	if ana[7] != "72.51" || ana[8] != "927.49" {
		t.Errorf("member totals = %v / %v, want 72.51 / 927.49", ana[7], ana[8])
	}
	if fam := find("Family"); fam[2] != "3.00" || fam[4] != "" {
		t.Errorf("family row = %v", fam)
	}
	if visa := find("Visa"); visa[1] != "2025-02-06" || visa[3] != "2025-03-15" || visa[6] != "210.01" {
		t.Errorf("invoice row = %v", visa)
	}
	if carried := find("Carried over"); carried[5] != "150.00" {
		t.Errorf("carried row = %v", carried)
	}
	if w := find("Warning"); w[1] != c.Warnings[0] {
		t.Errorf("warning row = %v", w)
	}
}

func TestSheetTitle(t *testing.T) {
	if got := SheetTitle("", 2025, 3); got != "2025-03 Closing" {
		t.Errorf("SheetTitle() = %q", got)
	}
	if got := SheetTitle("Fechamento", 2024, 12); got != "2024-12 Fechamento" {
		t.Errorf("SheetTitle() = %q", got)
	}
}
