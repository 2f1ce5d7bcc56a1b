package events

import (
	"time"
)

// SaleEvent is the wire payload a shelf sensor publishes on the sales topic.
// It only lives in flight: it either becomes a stock mutation plus a sale log
// entry, or is discarded with a reported reason.
type SaleEvent struct {
	RFIDID   string `json:"rfid_id"`
	Quantity int    `json:"quantity"`
}

// StockDeductedEvent is the audit record published downstream after a sale
// has been applied.
type StockDeductedEvent struct {
	EventID   string    `json:"event_id"`
	ProductID string    `json:"product_id"`
	Name      string    `json:"name"`
	RFIDID    string    `json:"rfid_id"`
	Quantity  int       `json:"quantity"`
	NewStock  int       `json:"new_stock"`
	Timestamp time.Time `json:"timestamp"`
}

// Reason classifies why a sale event was rejected.
type Reason string

const (
	ReasonInvalidPayload    Reason = "invalid_payload"
	ReasonProductNotFound   Reason = "product_not_found"
	ReasonLookupError       Reason = "lookup_error"
	ReasonInsufficientStock Reason = "insufficient_stock"
	ReasonUpdateFailed      Reason = "update_failed"
	ReasonConflict          Reason = "conflict"
)

// Outcome is the terminal state of one processed sale event.
type Outcome struct {
	Applied        bool
	Reason         Reason
	LogWriteFailed bool

	ProductID   string
	ProductName string
	RFIDID      string
	Quantity    int
	NewStock    int
}

func rejected(reason Reason) Outcome {
	return Outcome{Reason: reason}
}
