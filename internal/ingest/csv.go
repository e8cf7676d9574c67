// Package ingest turns raw CSV or JSON rows into a validated transaction batch.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/opensource-finance/muleguard/internal/domain"
)

var (
	ErrMissingColumns = errors.New("missing required columns")
	ErrMalformedCSV   = errors.New("malformed csv")
)

// Canonical column names.
const (
	ColTransactionID = "transaction_id"
	ColSender        = "sender_id"
	ColReceiver      = "receiver_id"
	ColAmount        = "amount"
	ColTimestamp     = "timestamp"
)

// columnAliases lists accepted header spellings per canonical column, in priority order.
var columnAliases = map[string][]string{
	ColTransactionID: {
		"transaction_id", "tx_id", "txn_id", "trans_id", "id",
		"transaction_no", "txn_no", "trans_no",
	},
	ColSender: {
		"sender_id", "sender_account_id", "from_account", "from_id",
		"source_id", "source_account", "sender", "payer_id",
		"from_account_id", "orig_id", "originator_id", "debit_account",
	},
	ColReceiver: {
		"receiver_id", "receiver_account_id", "to_account", "to_id",
		"target_id", "target_account", "receiver", "payee_id",
		"to_account_id", "dest_id", "beneficiary_id", "credit_account",
	},
	ColAmount: {
		"amount", "tx_amount", "txn_amount", "transaction_amount",
		"value", "transfer_amount", "amt",
	},
	ColTimestamp: {
		"timestamp", "date", "datetime", "time", "tx_date", "txn_date",
		"transaction_date", "created_at", "tx_time",
	},
}

var requiredColumns = []string{ColSender, ColReceiver, ColAmount}

// MapColumns resolves a header row to canonical column indexes.
// Matching ignores case and surrounding whitespace.
func MapColumns(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	cols := make(map[string]int, len(columnAliases))
	for canonical, aliases := range columnAliases {
		for _, alias := range aliases {
			if i, ok := index[alias]; ok {
				cols[canonical] = i
				break
			}
		}
	}

	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s (found: %s)", ErrMissingColumns,
			strings.Join(missing, ", "), strings.Join(header, ", "))
	}

	return cols, nil
}

// ReadCSV reads a transaction CSV and validates every row.
// Row-level problems drop the row; only an unusable header or an I/O failure is an error.
func ReadCSV(r io.Reader) (*domain.Batch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &domain.Batch{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrMalformedCSV, err)
	}

	cols, err := MapColumns(header)
	if err != nil {
		return nil, err
	}

	_, hasID := cols[ColTransactionID]
	_, hasTimestamp := cols[ColTimestamp]

	var records []domain.RawRecord
	var rejected []domain.Rejection
	row := 0

	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			rejected = append(rejected, domain.Rejection{
				Row:    row,
				Reason: domain.DropMalformedRow,
				Detail: parseErr.Err.Error(),
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrMalformedCSV, row, err)
		}

		if isBlank(fields) {
			row--
			continue
		}

		rec := domain.RawRecord{
			Row:        row,
			SenderID:   field(fields, cols[ColSender]),
			ReceiverID: field(fields, cols[ColReceiver]),
			Amount:     field(fields, cols[ColAmount]),
		}
		if hasID {
			rec.TransactionID = field(fields, cols[ColTransactionID])
		} else {
			rec.TransactionID = strconv.Itoa(row)
		}
		if hasTimestamp {
			rec.Timestamp = field(fields, cols[ColTimestamp])
		}

		records = append(records, rec)
	}

	mode := TimeRowOrder
	if hasTimestamp {
		mode = detectTimeMode(records)
	}

	batch := validate(records, mode)
	batch.Rejected = append(rejected, batch.Rejected...)
	slices.SortStableFunc(batch.Rejected, func(a, b domain.Rejection) int {
		return a.Row - b.Row
	})
	return batch, nil
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
