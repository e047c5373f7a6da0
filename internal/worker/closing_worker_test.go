package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fechamento/internal/closing"
	"fechamento/internal/core"
	"fechamento/internal/ledger"
	sheetsmem "fechamento/internal/sheets/memory"
	"fechamento/internal/storage/memory"
)

const org = "org-1"

type invalidation struct {
	org         string
	year, month int
}

type fakeClosings struct {
	mu          sync.Mutex
	invalidated []invalidation
	err         error
}

func (f *fakeClosings) Monthly(_ context.Context, orgID string, year, month int) (closing.MonthlyClosing, error) {
	if f.err != nil {
		return closing.MonthlyClosing{}, f.err
	}
	return closing.MonthlyClosing{OrgID: orgID, Year: year, Month: month}, nil
}

func (f *fakeClosings) Invalidate(orgID string, year, month int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, invalidation{orgID, year, month})
	return 1
}

type fakeMaintainer struct {
	repaired, rolled int
	failOrg          string
	rolloverCalls    int
}

func (f *fakeMaintainer) RepairAll(_ context.Context, orgID string, _ core.Date) (int, error) {
	if orgID == f.failOrg {
		return 0, errors.New("db locked")
	}
	return f.repaired, nil
}

func (f *fakeMaintainer) RolloverClosed(_ context.Context, _ string, _ core.Date) (int, error) {
	f.rolloverCalls++
	return f.rolled, nil
}

func fixedToday() core.Date { return core.NewDate(2025, 3, 10) }

func TestHandleLedgerEvent(t *testing.T) {
	tests := []struct {
		name      string
		ev        core.LedgerEvent
		wantInv   invalidation
		wantSheet string
	}{
		{
			name:      "payment re-exports due month",
			ev:        core.LedgerEvent{Type: core.EventPaymentRecorded, OrgID: org, DueYear: 2025, DueMonth: 3},
			wantInv:   invalidation{org, 2025, 3},
			wantSheet: "2025-03 Closing",
		},
		{
			name:    "repair forgets the organization",
			ev:      core.LedgerEvent{Type: core.EventInvoiceRepaired, OrgID: org},
			wantInv: invalidation{org, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closings := &fakeClosings{}
			writer := sheetsmem.New("Closing")
			w := NewClosingWorker(closings, &fakeMaintainer{}, writer, Options{Today: fixedToday})

			if err := w.HandleLedgerEvent(context.Background(), tt.ev); err != nil {
				t.Fatalf("HandleLedgerEvent() error = %v", err)
			}
			if len(closings.invalidated) != 1 || closings.invalidated[0] != tt.wantInv {
				t.Errorf("invalidated = %+v, want %+v", closings.invalidated, tt.wantInv)
			}
			if tt.wantSheet == "" {
				if writer.Writes() != 0 {
					t.Errorf("exported %d closings, want none", writer.Writes())
				}
				return
			}
			if _, ok := writer.Sheet(tt.wantSheet); !ok {
				t.Errorf("sheet %q not exported", tt.wantSheet)
			}
		})
	}
}

func TestHandleLedgerEventErrors(t *testing.T) {
	w := NewClosingWorker(&fakeClosings{}, &fakeMaintainer{}, nil, Options{})
	if err := w.HandleLedgerEvent(context.Background(), core.LedgerEvent{Type: core.EventPaymentRecorded}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("event without org: error = %v", err)
	}

	boom := errors.New("snapshot failed")
	w = NewClosingWorker(&fakeClosings{err: boom}, &fakeMaintainer{}, sheetsmem.New(""), Options{})
	ev := core.LedgerEvent{Type: core.EventPaymentRecorded, OrgID: org, DueYear: 2025, DueMonth: 3}
	if err := w.HandleLedgerEvent(context.Background(), ev); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestMaintain(t *testing.T) {
	closings := &fakeClosings{}
	m := &fakeMaintainer{repaired: 1, rolled: 2, failOrg: "broken"}
	w := NewClosingWorker(closings, m, nil, Options{
		OrgIDs:       []string{org, "broken", "org-2"},
		AutoRollover: true,
		Today:        fixedToday,
	})

	err := w.Maintain(context.Background())
	if err == nil {
		t.Fatal("Maintain() should report the failing organization")
	}
	if m.rolloverCalls != 2 {
		t.Errorf("rollover ran for %d orgs, want 2", m.rolloverCalls)
	}
	if len(closings.invalidated) != 2 {
		t.Errorf("invalidated %+v, want both healthy orgs", closings.invalidated)
	}
}

func TestMaintainWithoutAutoRollover(t *testing.T) {
	closings := &fakeClosings{}
	m := &fakeMaintainer{}
	w := NewClosingWorker(closings, m, nil, Options{OrgIDs: []string{org}, Today: fixedToday})

	if err := w.Maintain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.rolloverCalls != 0 {
		t.Error("rollover ran with auto rollover disabled")
	}
	if len(closings.invalidated) != 0 {
		t.Error("nothing changed but caches were invalidated")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w := NewClosingWorker(&fakeClosings{}, &fakeMaintainer{}, nil, Options{OrgIDs: []string{org}, Today: fixedToday})
	ctx, cancel := context.WithCancel(context.Background())

	delivered := make(chan struct{})
	consume := func(ctx context.Context, handler func(context.Context, core.LedgerEvent) error) error {
		if err := handler(ctx, core.LedgerEvent{Type: core.EventInvoiceRepaired, OrgID: org}); err != nil {
			return err
		}
		close(delivered)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, consume, nil, time.Hour) }()

	<-delivered
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestRunReturnsConsumerFailure(t *testing.T) {
	w := NewClosingWorker(&fakeClosings{}, &fakeMaintainer{}, nil, Options{Today: fixedToday})
	boom := errors.New("broker gone")
	consume := func(context.Context, func(context.Context, core.LedgerEvent) error) error { return boom }

	if err := w.Run(context.Background(), consume, nil, time.Hour); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
}

// inProcess delivers ledger events straight to the worker.
type inProcess struct{ w *ClosingWorker }

func (p inProcess) PublishLedgerEvent(ctx context.Context, ev core.LedgerEvent) error {
	return p.w.HandleLedgerEvent(ctx, ev)
}

func TestLedgerEventsReachExport(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, cc := range []core.CostCenter{
		{ID: "ana", OrgID: org, Name: "Ana", DefaultSplitPercentage: core.MustAmount("60"), Active: true},
		{ID: "bia", OrgID: org, Name: "Bia", DefaultSplitPercentage: core.MustAmount("40"), Active: true},
	} {
		if _, err := store.CreateCostCenter(ctx, cc); err != nil {
			t.Fatal(err)
		}
	}
	card, err := store.CreateCard(ctx, core.Card{
		ID: "visa", OrgID: org, Name: "Visa", Type: core.CardCredit,
		ClosingDay: 5, BillingDay: 15, CreditLimit: core.MustAmount("1000"), Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateExpense(ctx, core.Expense{
		OrgID: org, Description: "groceries", Amount: core.MustAmount("300"), Date: core.NewDate(2025, 2, 20),
		PaymentMethod: core.PaymentCreditCard, CardID: card.ID,
	}); err != nil {
		t.Fatal(err)
	}

	svc, _ := closing.NewCachedService(store, 16, time.Hour)
	writer := sheetsmem.New("Closing")
	w := NewClosingWorker(svc, nil, writer, Options{OrgIDs: []string{org}, Today: fixedToday})
	l := ledger.New(store, inProcess{w})

	ref := ledger.InvoiceRef{OrgID: org, CardID: card.ID, DueYear: 2025, DueMonth: 3}
	if _, _, err := l.RecordPayment(ctx, ref, core.MustAmount("150"), core.NewDate(2025, 3, 1), "bank:1"); err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if _, ok := writer.Sheet("2025-03 Closing"); !ok {
		t.Fatal("payment did not export the due month")
	}

	if _, _, err := l.Rollover(ctx, ref, core.NewDate(2025, 3, 6)); err != nil {
		t.Fatalf("Rollover() error = %v", err)
	}
	rows, ok := writer.Sheet("2025-04 Closing")
	if !ok {
		t.Fatal("rollover did not export the next due month")
	}
	var carried []any
	for _, r := range rows {
		if len(r) > 0 && r[0] == "Carried over" {
			carried = r
		}
	}
	if carried == nil || carried[5] != "150.00" {
		t.Errorf("carried over row = %v, want 150.00", carried)
	}
}
