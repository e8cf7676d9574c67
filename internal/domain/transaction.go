package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is one unvalidated input row, as read from CSV or JSON.
type RawRecord struct {
	Row           int    `json:"row"`
	TransactionID string `json:"transaction_id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Amount        string `json:"amount"`
	Timestamp     string `json:"timestamp"`
}

// Transaction is a validated transfer and becomes one directed edge in the graph.
type Transaction struct {
	ID         string          `json:"transaction_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsSelfLoop reports whether the transfer moves funds back into the sending account.
func (t *Transaction) IsSelfLoop() bool {
	return t.SenderID == t.ReceiverID
}

// DropReason explains why a row was excluded from the graph.
type DropReason string

// Row validation outcomes.
const (
	DropMissingField     DropReason = "missing_field"
	DropInvalidAmount    DropReason = "invalid_amount"
	DropNegativeAmount   DropReason = "negative_amount"
	DropInvalidTimestamp DropReason = "invalid_timestamp"
	DropDuplicateID      DropReason = "duplicate_id"
	DropMalformedRow     DropReason = "malformed_row"
)

// Rejection records a dropped row.
type Rejection struct {
	Row    int        `json:"row"`
	Reason DropReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// Batch is a validated set of transactions ready for graph construction.
type Batch struct {
	Transactions []*Transaction
	Rejected     []Rejection

	// SyntheticTime is set when timestamps were derived from row order or step
	// numbers instead of real datetimes; temporal detectors are skipped.
	SyntheticTime bool
}

// DroppedRows returns the number of rows excluded from the graph.
func (b *Batch) DroppedRows() int {
	return len(b.Rejected)
}
