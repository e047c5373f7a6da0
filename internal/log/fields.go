package log

// Common field names for structured logging
const (
	FieldComponent = "component"
	FieldError     = "error"
	FieldOperation = "operation"
	FieldOrgID     = "org_id"
	FieldCardID    = "card_id"
	FieldInvoiceID = "invoice_id"
	FieldAmount    = "amount"
	FieldYear      = "year"
	FieldMonth     = "month"
	FieldEventType = "event_type"
	FieldBackend   = "backend"
)

// Components
const (
	ComponentApp     = "app"
	ComponentCLI     = "cli"
	ComponentLedger  = "ledger"
	ComponentClosing = "closing"
	ComponentStorage = "storage"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentSheets  = "sheets"
	ComponentCache   = "cache"
	ComponentBackend = "backend"
)

// Operations
const (
	OpStartup     = "startup"
	OpShutdown    = "shutdown"
	OpMaintenance = "maintenance"
	OpExport      = "export"
	OpMigrate     = "migrate"
)

// LogFields collects key/value pairs for a log call.
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithPeriod adds the organization and closing month.
func (f LogFields) WithPeriod(orgID string, year, month int) LogFields {
	f[FieldOrgID] = orgID
	f[FieldYear] = year
	f[FieldMonth] = month
	return f
}

func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
