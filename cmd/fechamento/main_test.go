package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fechamento/internal/closing"
	"fechamento/internal/core"
	"fechamento/internal/ledger"
	sheetsmem "fechamento/internal/sheets/memory"
	"fechamento/internal/storage/memory"
)

func newTestApp(t *testing.T, today core.Date) (*app, *bytes.Buffer, *sheetsmem.Store) {
	t.Helper()
	store := memory.New()
	if err := seedDemo(context.Background(), store, today); err != nil {
		t.Fatalf("seedDemo() error = %v", err)
	}
	svc, _ := closing.NewCachedService(store, 16, time.Minute)
	reports := sheetsmem.New("")
	out := &bytes.Buffer{}
	return &app{
		store:    store,
		ledger:   ledger.New(store, nil),
		closings: svc,
		reports:  reports,
		today:    func() core.Date { return today },
		out:      out,
	}, out, reports
}

func TestRunRequiresCommand(t *testing.T) {
	a, _, _ := newTestApp(t, core.NewDate(2025, 4, 10))
	if err := a.run(context.Background(), nil); !errors.Is(err, errUsage) {
		t.Fatalf("run(nil) error = %v, want errUsage", err)
	}
	if err := a.run(context.Background(), []string{"bogus"}); !errors.Is(err, errUsage) {
		t.Fatalf("run(bogus) error = %v, want errUsage", err)
	}
}

func TestMonthlyPrintsAndExports(t *testing.T) {
	ctx := context.Background()
	a, out, reports := newTestApp(t, core.NewDate(2025, 4, 10))

	if err := a.run(ctx, []string{"monthly", "-org", demoOrg, "-month", "2025-04", "-export"}); err != nil {
		t.Fatalf("monthly error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"2025-04", "Ana", "Bia", "Family", "Visa", "exported to mem:"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if reports.Writes() != 1 {
		t.Errorf("writes = %d, want 1", reports.Writes())
	}
}

func TestMonthlyRequiresOrg(t *testing.T) {
	a, _, _ := newTestApp(t, core.NewDate(2025, 4, 10))
	if err := a.run(context.Background(), []string{"monthly"}); err == nil {
		t.Fatal("monthly without -org succeeded")
	}
}

func TestYearlyListsElapsedMonths(t *testing.T) {
	a, out, _ := newTestApp(t, core.NewDate(2025, 4, 10))
	if err := a.run(context.Background(), []string{"yearly", "-org", demoOrg, "-year", "2025"}); err != nil {
		t.Fatalf("yearly error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"2025-01", "2025-04"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "2025-05") {
		t.Errorf("yearly printed a future month:\n%s", got)
	}
}

func TestPayThenRejectSettledInvoice(t *testing.T) {
	ctx := context.Background()
	a, out, _ := newTestApp(t, core.NewDate(2025, 4, 10))

	args := []string{"pay", "-org", demoOrg, "-card", "visa", "-due", "2025-04", "-amount", "100", "-date", "2025-04-10"}
	if err := a.run(ctx, args); err != nil {
		t.Fatalf("pay error = %v", err)
	}
	if !strings.Contains(out.String(), "paid 100.00") || !strings.Contains(out.String(), string(core.InvoicePaidPartial)) {
		t.Fatalf("pay output = %q", out.String())
	}

	args[8] = "100000"
	if err := a.run(ctx, args); err != nil {
		t.Fatalf("second pay error = %v", err)
	}
	err := a.run(ctx, args)
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("pay on settled invoice error = %v, want ErrInvalidTransition", err)
	}
	if got := message(err); got != "payment rejected - invoice already fully settled" {
		t.Errorf("message = %q", got)
	}
}

func TestPayRejectsBadAmount(t *testing.T) {
	a, _, _ := newTestApp(t, core.NewDate(2025, 4, 10))
	err := a.run(context.Background(), []string{"pay", "-org", demoOrg, "-card", "visa", "-amount", "-5"})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("error = %v, want ErrInvalidAmount", err)
	}
}

func TestRolloverCarriesRemainder(t *testing.T) {
	ctx := context.Background()
	a, out, _ := newTestApp(t, core.NewDate(2025, 4, 10))

	if err := a.run(ctx, []string{"pay", "-org", demoOrg, "-card", "visa", "-due", "2025-04", "-amount", "50"}); err != nil {
		t.Fatalf("pay error = %v", err)
	}
	if err := a.run(ctx, []string{"statement", "-org", demoOrg, "-card", "visa", "-due", "2025-04"}); err != nil {
		t.Fatalf("statement error = %v", err)
	}
	if err := a.run(ctx, []string{"rollover", "-org", demoOrg, "-card", "visa", "-due", "2025-04"}); err != nil {
		t.Fatalf("rollover error = %v", err)
	}
	if !strings.Contains(out.String(), "carried ") || !strings.Contains(out.String(), "Carried balance - Visa") {
		t.Fatalf("output = %q", out.String())
	}
	if err := a.run(ctx, []string{"repair", "-org", demoOrg}); err != nil {
		t.Fatalf("repair error = %v", err)
	}
	if !strings.Contains(out.String(), "repaired 0 invoices") {
		t.Errorf("repair output = %q", out.String())
	}
}

func TestParseMonth(t *testing.T) {
	tests := []struct {
		in      string
		year    int
		month   int
		wantErr bool
	}{
		{in: "2025-04", year: 2025, month: 4},
		{in: "2024-12", year: 2024, month: 12},
		{in: "2025-13", wantErr: true},
		{in: "2025", wantErr: true},
		{in: "abcd-01", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			y, m, err := parseMonth(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMonth(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && (y != tt.year || m != tt.month) {
				t.Errorf("parseMonth(%q) = %d-%d", tt.in, y, m)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	if got := message(core.ErrInvalidCycleConfig); got != "cannot compute cycle for this card - check billing configuration" {
		t.Errorf("message(cycle) = %q", got)
	}
	if got := message(errors.New("-org is required")); got != "-org is required" {
		t.Errorf("message(plain) = %q", got)
	}
}
