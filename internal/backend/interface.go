package backend

import (
	"context"

	"fechamento/internal/amqp"
	"fechamento/internal/closing"
	"fechamento/internal/core"
	"fechamento/internal/ledger"
	"fechamento/internal/sheets"
)

// Writer creates the reference data and records the closing reads.
type Writer interface {
	CreateCostCenter(ctx context.Context, cc core.CostCenter) (core.CostCenter, error)
	CreateCard(ctx context.Context, c core.Card) (core.Card, error)
	CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error)
	CreateAllocation(ctx context.Context, a core.Allocation) (core.Allocation, error)
}

// Store is the persistence surface shared by the CLI and the worker.
type Store interface {
	ledger.Store
	closing.SnapshotLoader
	Writer
	Close() error
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the wired backend. Publisher, Events and Reports
// are nil when the matching integration is not configured.
type BackendResult struct {
	Store     Store
	Publisher ledger.Publisher
	Events    *amqp.Client
	Reports   sheets.ReportWriter
	Cleanup   CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Ledger events
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Closing export
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
