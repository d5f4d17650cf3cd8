package client

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TransactionEventsTopic is the topic Vault publishes transaction events to.
const TransactionEventsTopic = "vault.xpl_api.v1.transactions.transaction.events"

// TransactionEventType is the kind of change an event describes.
type TransactionEventType string

const (
	TransactionEventUnknown TransactionEventType = "TRANSACTION_EVENT_UNKNOWN"
	TransactionEventCreated TransactionEventType = "TRANSACTION_EVENT_CREATED"
	TransactionEventUpdated TransactionEventType = "TRANSACTION_EVENT_UPDATED"
)

// TransactionEvent is a transaction created or updated event. Transaction is
// the full resulting transaction, not a diff.
type TransactionEvent struct {
	EventID   string
	Timestamp *time.Time

	// ChangeID increases with every update of a transaction; 0 on creation.
	ChangeID int64
	Type     TransactionEventType

	// UpdateMask lists the changed field paths; empty on creation.
	UpdateMask  []string
	Transaction *Transaction
}

type transactionEventWire struct {
	EventID            string          `json:"event_id"`
	Timestamp          string          `json:"timestamp"`
	ChangeID           json.RawMessage `json:"change_id"`
	TransactionCreated *struct {
		Transaction *Transaction `json:"transaction"`
	} `json:"transaction_created"`
	TransactionUpdated *struct {
		UpdateMask *struct {
			Paths []string `json:"paths"`
		} `json:"update_mask"`
		Transaction *Transaction `json:"transaction"`
	} `json:"transaction_updated"`
}

// DecodeTransactionEvent decodes a stream message. It never fails: a payload
// that is not a created or updated envelope decodes to an event of type
// TransactionEventUnknown with an empty mask and no transaction, so one bad
// message cannot stop a consumer.
func DecodeTransactionEvent(data []byte) *TransactionEvent {
	event := &TransactionEvent{
		Type:       TransactionEventUnknown,
		UpdateMask: []string{},
	}

	var w transactionEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		// Keep whatever envelope metadata is still readable.
		var meta struct {
			EventID   string `json:"event_id"`
			Timestamp string `json:"timestamp"`
		}
		if json.Unmarshal(data, &meta) == nil {
			event.EventID = meta.EventID
			event.Timestamp, _ = parseTimestamp(meta.Timestamp)
		}
		return event
	}

	event.EventID = w.EventID
	event.Timestamp, _ = parseTimestamp(w.Timestamp)

	switch {
	case w.TransactionCreated != nil && w.TransactionCreated.Transaction != nil:
		event.Type = TransactionEventCreated
		event.Transaction = w.TransactionCreated.Transaction
	case w.TransactionUpdated != nil && w.TransactionUpdated.Transaction != nil:
		event.Type = TransactionEventUpdated
		event.ChangeID = parseChangeID(w.ChangeID)
		event.Transaction = w.TransactionUpdated.Transaction
		if mask := w.TransactionUpdated.UpdateMask; mask != nil && mask.Paths != nil {
			event.UpdateMask = mask.Paths
		}
	}

	return event
}

// parseChangeID accepts a JSON number or, as protobuf JSON renders int64, a
// quoted number. Anything else is 0.
func parseChangeID(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// EncodeTransactionEvent renders an event in the envelope format that
// DecodeTransactionEvent reads. Unknown events encode without an envelope.
func EncodeTransactionEvent(e *TransactionEvent) ([]byte, error) {
	msg := map[string]any{
		"event_id":  e.EventID,
		"change_id": strconv.FormatInt(e.ChangeID, 10),
	}
	if e.Timestamp != nil {
		msg["timestamp"] = FormatTimestamp(*e.Timestamp)
	}

	switch e.Type {
	case TransactionEventCreated:
		msg["transaction_created"] = map[string]any{"transaction": e.Transaction}
	case TransactionEventUpdated:
		msg["transaction_updated"] = map[string]any{
			"update_mask": map[string]any{"paths": e.UpdateMask},
			"transaction": e.Transaction,
		}
	}
	return json.Marshal(msg)
}
