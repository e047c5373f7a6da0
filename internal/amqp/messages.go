package amqp

import (
	"encoding/json"
	"time"

	"fechamento/internal/core"
)

// LedgerEventMessage wraps a ledger event on the wire. The worker only
// needs the invoice coordinates; it reloads everything else from storage.
type LedgerEventMessage struct {
	Event     core.LedgerEvent `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
}

func NewLedgerEventMessage(ev core.LedgerEvent) *LedgerEventMessage {
	return &LedgerEventMessage{
		Event:     ev,
		Timestamp: time.Now(),
	}
}

func (m *LedgerEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func LedgerEventMessageFromJSON(data []byte) (*LedgerEventMessage, error) {
	var msg LedgerEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
