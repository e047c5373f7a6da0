package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fechamento/internal/amqp"
	"fechamento/internal/sheets"
	gsheet "fechamento/internal/sheets/google"
	sheetsmem "fechamento/internal/sheets/memory"
	"fechamento/internal/storage"
	"fechamento/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend opens the store and, when configured, the AMQP client and
// the Google Sheets exporter. A broker that cannot be reached is logged
// and skipped; ledger mutations never depend on it.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.createStore(config)
	if err != nil {
		return nil, err
	}
	res := &BackendResult{Store: store}

	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without ledger events", "error", err)
		} else {
			res.Events = client
			res.Publisher = client
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	res.Reports, err = f.createReports(ctx, config)
	if err != nil {
		res.close()
		return nil, err
	}

	res.Cleanup = res.close
	return res, nil
}

func (f *DefaultFactory) createStore(config Config) (Store, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		f.logger.Info("Initialized memory backend")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// createReports picks Google Sheets when a spreadsheet is configured. The
// memory backend falls back to an in-process sheet so exports still run.
func (f *DefaultFactory) createReports(ctx context.Context, config Config) (sheets.ReportWriter, error) {
	if config.GoogleSpreadsheetID != "" {
		cli, err := gsheet.New(ctx, gsheet.Options{
			SpreadsheetID:   config.GoogleSpreadsheetID,
			SheetName:       config.GoogleSheetName,
			CredentialsJSON: config.GoogleServiceAccountJSON,
			CredentialsFile: config.GoogleServiceAccountFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
		}
		f.logger.Info("Initialized Google Sheets export", "spreadsheet_id", config.GoogleSpreadsheetID)
		return cli, nil
	}
	if config.Type == MemoryBackend {
		return sheetsmem.New(config.GoogleSheetName), nil
	}
	f.logger.Info("Closing export disabled - no GOOGLE_SPREADSHEET_ID provided")
	return nil, nil
}

func (r *BackendResult) close() error {
	var errs []error
	if r.Events != nil {
		errs = append(errs, r.Events.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}
