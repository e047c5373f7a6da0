// Package worker keeps exported closings in step with the ledger: it
// reacts to ledger events and periodically repairs drifted invoices and
// rolls over closed, partially paid ones.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fechamento/internal/cache"
	"fechamento/internal/closing"
	"fechamento/internal/core"
	"fechamento/internal/sheets"

	"golang.org/x/sync/errgroup"
)

// Closings is the part of closing.Service the worker drives.
type Closings interface {
	Monthly(ctx context.Context, orgID string, year, month int) (closing.MonthlyClosing, error)
	Invalidate(orgID string, year, month int) int
}

// Maintainer is the part of ledger.Ledger the maintenance loop drives.
type Maintainer interface {
	RepairAll(ctx context.Context, orgID string, today core.Date) (int, error)
	RolloverClosed(ctx context.Context, orgID string, today core.Date) (int, error)
}

// ConsumeFunc delivers ledger events to a handler until ctx is done.
type ConsumeFunc func(ctx context.Context, handler func(context.Context, core.LedgerEvent) error) error

type Options struct {
	OrgIDs       []string
	AutoRollover bool
	// Today returns the current date in the household's time zone.
	Today func() core.Date
}

type ClosingWorker struct {
	closings Closings
	ledger   Maintainer
	// Optional; nil disables exports.
	writer sheets.ReportWriter
	opts   Options
}

func NewClosingWorker(closings Closings, ledger Maintainer, writer sheets.ReportWriter, opts Options) *ClosingWorker {
	if opts.Today == nil {
		opts.Today = func() core.Date { return core.DateOf(time.Now(), time.Local) }
	}
	return &ClosingWorker{
		closings: closings,
		ledger:   ledger,
		writer:   writer,
		opts:     opts,
	}
}

// HandleLedgerEvent drops the cached closings the event touches and
// re-exports the affected month.
func (w *ClosingWorker) HandleLedgerEvent(ctx context.Context, ev core.LedgerEvent) error {
	slog.InfoContext(ctx, "Processing ledger event",
		"type", ev.Type,
		"org_id", ev.OrgID,
		"invoice_id", ev.InvoiceID,
		"due_year", ev.DueYear,
		"due_month", ev.DueMonth)

	if ev.OrgID == "" {
		return fmt.Errorf("ledger event %s without org: %w", ev.Type, core.ErrNotFound)
	}

	// Repairs do not carry a month; forget the whole organization.
	if ev.DueYear == 0 || ev.DueMonth == 0 {
		n := w.closings.Invalidate(ev.OrgID, 0, 0)
		slog.DebugContext(ctx, "Invalidated organization closings", "org_id", ev.OrgID, "entries", n)
		return nil
	}

	w.closings.Invalidate(ev.OrgID, ev.DueYear, ev.DueMonth)
	return w.ExportMonth(ctx, ev.OrgID, ev.DueYear, ev.DueMonth)
}

// ExportMonth computes the closing of year-month and hands it to the
// report writer, if any.
func (w *ClosingWorker) ExportMonth(ctx context.Context, orgID string, year, month int) error {
	if w.writer == nil {
		return nil
	}
	c, err := w.closings.Monthly(ctx, orgID, year, month)
	if err != nil {
		return fmt.Errorf("compute closing %04d-%02d: %w", year, month, err)
	}
	ref, err := w.writer.WriteClosing(ctx, c)
	if err != nil {
		return fmt.Errorf("export closing %04d-%02d: %w", year, month, err)
	}

	slog.InfoContext(ctx, "Closing exported",
		"org_id", orgID,
		"year", year,
		"month", month,
		"ref", ref,
		"warnings", len(c.Warnings))
	return nil
}

// Maintain repairs drifted invoices and, when enabled, rolls over every
// closed partially paid invoice of each configured organization. It keeps
// going past a failing organization and reports all failures together.
func (w *ClosingWorker) Maintain(ctx context.Context) error {
	today := w.opts.Today()
	var errs []error
	for _, org := range w.opts.OrgIDs {
		repaired, err := w.ledger.RepairAll(ctx, org, today)
		if err != nil {
			errs = append(errs, fmt.Errorf("repair %s: %w", org, err))
			continue
		}
		rolled := 0
		if w.opts.AutoRollover {
			if rolled, err = w.ledger.RolloverClosed(ctx, org, today); err != nil {
				errs = append(errs, fmt.Errorf("rollover %s: %w", org, err))
			}
		}
		if repaired > 0 || rolled > 0 {
			w.closings.Invalidate(org, 0, 0)
		}
		slog.InfoContext(ctx, "Ledger maintenance completed",
			"org_id", org,
			"today", today.String(),
			"repaired", repaired,
			"rolled_over", rolled)
	}
	return errors.Join(errs...)
}

// StartupExport exports the current month of every organization so a
// freshly started worker catches up on events it missed while down.
func (w *ClosingWorker) StartupExport(ctx context.Context) error {
	today := w.opts.Today()
	var errs []error
	for _, org := range w.opts.OrgIDs {
		if err := w.ExportMonth(ctx, org, today.Year(), today.Month()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *ClosingWorker) maintenanceLoop(ctx context.Context, interval time.Duration) error {
	if err := w.Maintain(ctx); err != nil {
		slog.ErrorContext(ctx, "Startup maintenance failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Maintain(ctx); err != nil {
				slog.ErrorContext(ctx, "Periodic maintenance failed", "error", err)
			}
		}
	}
}

// Run consumes ledger events, runs the maintenance loop and sweeps expired
// cache entries until ctx is cancelled or the consumer fails. consume may
// be nil when no broker is configured.
func (w *ClosingWorker) Run(ctx context.Context, consume ConsumeFunc, caches *cache.Manager, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if consume != nil {
		g.Go(func() error {
			err := consume(gctx, w.HandleLedgerEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		slog.InfoContext(ctx, "No event consumer configured, relying on periodic maintenance")
	}

	g.Go(func() error {
		return w.maintenanceLoop(gctx, interval)
	})

	if caches != nil {
		g.Go(func() error {
			if err := caches.Run(gctx, interval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
