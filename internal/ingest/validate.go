package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/shopspring/decimal"
)

// SyntheticEpoch anchors timestamps derived from row order or step numbers.
var SyntheticEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type TimeMode int

const (
	TimeDatetime TimeMode = iota
	TimeEpochSeconds
	TimeEpochMillis
	TimeSteps
	TimeRowOrder
	TimeCompactDate
)

// compactDateLayout reads 8-digit integer dates such as 20260101.
const compactDateLayout = "20060102"

// maxStepHours bounds step timestamps so the offset fits in a time.Duration.
const maxStepHours = 1e6

// maxEpochSeconds is 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

func (m TimeMode) synthetic() bool {
	return m == TimeSteps || m == TimeRowOrder
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// Outcome is the tagged result of validating one record: either a transaction or a rejection.
type Outcome struct {
	Tx        *domain.Transaction
	Rejection *domain.Rejection
}

// Valid reports whether the record produced a transaction.
func (o Outcome) Valid() bool {
	return o.Tx != nil
}

// Validate validates records supplied as structured data (JSON). Timestamps must be
// present on every row; all-numeric timestamp columns are read as epoch values or steps.
func Validate(records []domain.RawRecord) *domain.Batch {
	return validate(records, detectTimeMode(records))
}

func validate(records []domain.RawRecord, mode TimeMode) *domain.Batch {
	batch := &domain.Batch{
		Transactions:  make([]*domain.Transaction, 0, len(records)),
		SyntheticTime: mode.synthetic(),
	}
	seen := make(map[string]struct{}, len(records))

	for i, rec := range records {
		if rec.Row == 0 {
			rec.Row = i + 1
		}

		out := ValidateRecord(rec, mode)
		if !out.Valid() {
			batch.Rejected = append(batch.Rejected, *out.Rejection)
			continue
		}

		if _, dup := seen[out.Tx.ID]; dup {
			batch.Rejected = append(batch.Rejected, domain.Rejection{
				Row:    rec.Row,
				Reason: domain.DropDuplicateID,
				Detail: out.Tx.ID,
			})
			continue
		}
		seen[out.Tx.ID] = struct{}{}
		batch.Transactions = append(batch.Transactions, out.Tx)
	}

	return batch
}

// ValidateRecord checks one record. It never panics and never returns both fields set.
func ValidateRecord(rec domain.RawRecord, mode TimeMode) Outcome {
	reject := func(reason domain.DropReason, detail string) Outcome {
		return Outcome{Rejection: &domain.Rejection{Row: rec.Row, Reason: reason, Detail: detail}}
	}

	id := strings.TrimSpace(rec.TransactionID)
	sender := strings.TrimSpace(rec.SenderID)
	receiver := strings.TrimSpace(rec.ReceiverID)
	rawAmount := strings.TrimSpace(rec.Amount)

	switch {
	case id == "":
		return reject(domain.DropMissingField, ColTransactionID)
	case sender == "":
		return reject(domain.DropMissingField, ColSender)
	case receiver == "":
		return reject(domain.DropMissingField, ColReceiver)
	case rawAmount == "":
		return reject(domain.DropMissingField, ColAmount)
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return reject(domain.DropInvalidAmount, rawAmount)
	}
	if amount.IsNegative() {
		return reject(domain.DropNegativeAmount, rawAmount)
	}

	var ts time.Time
	if mode == TimeRowOrder {
		ts = SyntheticEpoch.Add(time.Duration(rec.Row) * time.Hour)
	} else {
		raw := strings.TrimSpace(rec.Timestamp)
		if raw == "" {
			return reject(domain.DropMissingField, ColTimestamp)
		}
		ts, err = parseTimestamp(raw, mode)
		if err != nil {
			return reject(domain.DropInvalidTimestamp, raw)
		}
	}

	return Outcome{Tx: &domain.Transaction{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Timestamp:  ts,
	}}
}

// detectTimeMode inspects the timestamp column as a whole. When most non-empty
// values are finite numbers the column is read as compact dates, epoch
// milliseconds, epoch seconds or step numbers depending on its shape; rows that
// do not fit the chosen mode are dropped individually.
func detectTimeMode(records []domain.RawRecord) TimeMode {
	var (
		maxVal  = math.Inf(-1)
		numeric int
		other   int
		compact = true
	)
	for _, rec := range records {
		raw := strings.TrimSpace(rec.Timestamp)
		if raw == "" {
			continue
		}
		v, ok := parseFinite(raw)
		if !ok {
			other++
			continue
		}
		numeric++
		maxVal = math.Max(maxVal, v)
		if compact && !isCompactDate(raw) {
			compact = false
		}
	}

	switch {
	case numeric == 0 || numeric <= other:
		return TimeDatetime
	case compact:
		return TimeCompactDate
	case maxVal >= 1e12:
		return TimeEpochMillis
	case maxVal >= 1e9:
		return TimeEpochSeconds
	default:
		return TimeSteps
	}
}

func parseFinite(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func isCompactDate(raw string) bool {
	if len(raw) != len(compactDateLayout) {
		return false
	}
	_, err := time.Parse(compactDateLayout, raw)
	return err == nil
}

func parseTimestamp(raw string, mode TimeMode) (time.Time, error) {
	switch mode {
	case TimeCompactDate:
		ts, err := time.Parse(compactDateLayout, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid compact date %q", raw)
		}
		return ts, nil

	case TimeEpochSeconds, TimeEpochMillis, TimeSteps:
		v, ok := parseFinite(raw)
		if !ok {
			return time.Time{}, fmt.Errorf("invalid numeric timestamp %q", raw)
		}
		switch mode {
		case TimeEpochMillis:
			if math.Abs(v) > maxEpochSeconds*1e3 {
				return time.Time{}, fmt.Errorf("epoch milliseconds out of range %q", raw)
			}
			return time.UnixMilli(int64(v)).UTC(), nil
		case TimeEpochSeconds:
			if math.Abs(v) > maxEpochSeconds {
				return time.Time{}, fmt.Errorf("epoch seconds out of range %q", raw)
			}
			sec, frac := math.Modf(v)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
		default:
			if v < 0 || v > maxStepHours {
				return time.Time{}, fmt.Errorf("step out of range %q", raw)
			}
			return SyntheticEpoch.Add(time.Duration(v * float64(time.Hour))), nil
		}
	}

	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
