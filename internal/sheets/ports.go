package sheets

import (
	"context"

	"fechamento/internal/closing"
)

// Ports for outbound adapters.
type (
	// ReportWriter publishes a computed monthly closing somewhere people
	// read it. Writing the same month twice replaces the earlier export.
	ReportWriter interface {
		WriteClosing(ctx context.Context, c closing.MonthlyClosing) (ref string, err error)
	}
)
