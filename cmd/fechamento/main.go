// Command fechamento prints household closings and drives the invoice
// ledger from the command line.
//
//	fechamento [-demo] <command> [flags]
//
// Commands: monthly, yearly, statement, pay, rollover, repair.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"fechamento/internal/backend"
	"fechamento/internal/cli"
	"fechamento/internal/closing"
	"fechamento/internal/core"
	"fechamento/internal/ledger"
	"fechamento/internal/log"
	"fechamento/internal/sheets"
)

type app struct {
	store    backend.Store
	ledger   *ledger.Ledger
	closings *closing.Service
	reports  sheets.ReportWriter
	today    func() core.Date
	out      io.Writer
}

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentCLI)

	global := flag.NewFlagSet("fechamento", flag.ExitOnError)
	demo := global.Bool("demo", false, "seed the memory backend with a sample household")
	global.Parse(os.Args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res := cli.OpenBackend(ctx, logger, cfg)
	defer res.Cleanup()

	if *demo {
		if cfg.DataBackend != string(backend.MemoryBackend) {
			logger.Error("-demo requires DATA_BACKEND=memory")
			os.Exit(2)
		}
		if err := seedDemo(ctx, res.Store, cli.Today(cfg)()); err != nil {
			logger.Error("Failed to seed demo data", log.FieldError, err)
			os.Exit(1)
		}
	}

	svc, _ := cli.NewClosingService(res.Store, cfg)
	a := &app{
		store:    res.Store,
		ledger:   ledger.New(res.Store, res.Publisher),
		closings: svc,
		reports:  res.Reports,
		today:    cli.Today(cfg),
		out:      os.Stdout,
	}
	if err := a.run(ctx, global.Args()); err != nil {
		logger.Error("Command failed", log.FieldError, err)
		fmt.Fprintln(os.Stderr, message(err))
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: fechamento [-demo] monthly|yearly|statement|pay|rollover|repair [flags]")

// message prefers the user-facing wording for engine errors.
func message(err error) string {
	if errors.Is(err, core.ErrInvalidCycleConfig) || errors.Is(err, core.ErrInvalidTransition) {
		return core.UserMessage(err)
	}
	return err.Error()
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "monthly":
		return a.monthly(ctx, args)
	case "yearly":
		return a.yearly(ctx, args)
	case "statement":
		return a.statement(ctx, args)
	case "pay":
		return a.pay(ctx, args)
	case "rollover":
		return a.rollover(ctx, args)
	case "repair":
		return a.repair(ctx, args)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	org := fs.String("org", "", "organization id")
	return fs, org
}

func requireOrg(org string) error {
	if org == "" {
		return errors.New("-org is required")
	}
	return nil
}

func (a *app) monthly(ctx context.Context, args []string) error {
	fs, org := newFlags("monthly")
	period := fs.String("month", a.today().String()[:7], "closing month as YYYY-MM")
	export := fs.Bool("export", false, "also write the closing to the report sheet")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireOrg(*org); err != nil {
		return err
	}
	year, month, err := parseMonth(*period)
	if err != nil {
		return err
	}

	c, err := a.closings.Monthly(ctx, *org, year, month)
	if err != nil {
		return err
	}
	if err := printRows(a.out, sheets.Rows(c)); err != nil {
		return err
	}
	if *export {
		return a.export(ctx, c)
	}
	return nil
}

func (a *app) yearly(ctx context.Context, args []string) error {
	fs, org := newFlags("yearly")
	year := fs.Int("year", a.today().Year(), "calendar year")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireOrg(*org); err != nil {
		return err
	}

	closings, err := a.closings.Yearly(ctx, *org, *year, a.today())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Month\tAllocations\tCash\tCredit\tCarried over\tBalance\t")
	for _, c := range closings {
		fmt.Fprintf(tw, "%04d-%02d\t%s\t%s\t%s\t%s\t%s\t\n",
			c.Year, c.Month,
			c.Grand.Allocations.StringFixed(2),
			c.Grand.Cash.StringFixed(2),
			c.Grand.Credit.StringFixed(2),
			c.CarriedOver.StringFixed(2),
			c.Grand.Balance().StringFixed(2))
	}
	return tw.Flush()
}

func invoiceFlags(name string, today core.Date) (*flag.FlagSet, *string, *string, *string) {
	fs, org := newFlags(name)
	card := fs.String("card", "", "card id")
	due := fs.String("due", today.String()[:7], "invoice due month as YYYY-MM")
	return fs, org, card, due
}

func invoiceRef(org, card, due string) (ledger.InvoiceRef, error) {
	if err := requireOrg(org); err != nil {
		return ledger.InvoiceRef{}, err
	}
	if card == "" {
		return ledger.InvoiceRef{}, errors.New("-card is required")
	}
	year, month, err := parseMonth(due)
	if err != nil {
		return ledger.InvoiceRef{}, err
	}
	return ledger.InvoiceRef{OrgID: org, CardID: card, DueYear: year, DueMonth: month}, nil
}

func (a *app) statement(ctx context.Context, args []string) error {
	fs, org, card, due := invoiceFlags("statement", a.today())
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := invoiceRef(*org, *card, *due)
	if err != nil {
		return err
	}
	v, err := a.ledger.Statement(ctx, ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s\n", v.Card.Name, v.Statement.Cycle)
	fmt.Fprintf(a.out, "purchases %s  carried in %s  total %s  status %s\n",
		v.Statement.Purchases.StringFixed(2),
		v.Statement.CarriedIn.StringFixed(2),
		v.Statement.Total.StringFixed(2),
		v.Status())
	if v.Invoice != nil {
		fmt.Fprintf(a.out, "paid %s  remaining %s\n", v.Invoice.PaidAmount.StringFixed(2), v.Invoice.Remaining().StringFixed(2))
	}
	return nil
}

func (a *app) pay(ctx context.Context, args []string) error {
	fs, org, card, due := invoiceFlags("pay", a.today())
	amount := fs.String("amount", "", "payment amount")
	date := fs.String("date", a.today().String(), "payment date as YYYY-MM-DD")
	source := fs.String("ref", "", "bank or statement reference")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := invoiceRef(*org, *card, *due)
	if err != nil {
		return err
	}
	amt, err := core.ParseAmount(*amount)
	if err != nil {
		return err
	}
	paidOn, err := core.ParseDate(*date)
	if err != nil {
		return err
	}

	inv, _, err := a.ledger.RecordPayment(ctx, ref, amt, paidOn, *source)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "invoice %s: paid %s of %s (%s)\n",
		inv.ID, inv.PaidAmount.StringFixed(2), inv.TotalAmount.StringFixed(2), inv.Status)
	return nil
}

func (a *app) rollover(ctx context.Context, args []string) error {
	fs, org, card, due := invoiceFlags("rollover", a.today())
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := invoiceRef(*org, *card, *due)
	if err != nil {
		return err
	}
	_, ro, err := a.ledger.Rollover(ctx, ref, a.today())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "carried %s into %s: %s\n", ro.Amount.StringFixed(2), ro.Date, ro.Label)
	return nil
}

func (a *app) repair(ctx context.Context, args []string) error {
	fs, org := newFlags("repair")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireOrg(*org); err != nil {
		return err
	}
	n, err := a.ledger.RepairAll(ctx, *org, a.today())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "repaired %d invoices\n", n)
	return nil
}

func (a *app) export(ctx context.Context, c closing.MonthlyClosing) error {
	if a.reports == nil {
		return errors.New("no report sheet configured (set GOOGLE_SPREADSHEET_ID)")
	}
	ref, err := a.reports.WriteClosing(ctx, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "exported to %s\n", ref)
	return nil
}

func parseMonth(s string) (int, int, error) {
	y, m, ok := strings.Cut(s, "-")
	if ok {
		year, yerr := strconv.Atoi(y)
		month, merr := strconv.Atoi(m)
		if yerr == nil && merr == nil && month >= 1 && month <= 12 {
			return year, month, nil
		}
	}
	return 0, 0, fmt.Errorf("invalid month %q: want YYYY-MM", s)
}

func printRows(w io.Writer, rows [][]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		cells := make([]string, len(r))
		for i, c := range r {
			cells[i] = fmt.Sprint(c)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}
