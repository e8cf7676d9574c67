package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/ingest"
)

var errNoLabelColumn = errors.New("no fraud label column")

var labelColumns = []string{"is_fraud", "isfraud", "is_laundering", "fraud", "label"}

// ReadLabels returns every account that sent or received a transaction
// labeled as fraud.
func ReadLabels(r io.Reader) (map[string]bool, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols, err := ingest.MapColumns(header)
	if err != nil {
		return nil, err
	}
	label := labelIndex(header)
	if label < 0 {
		return nil, errNoLabelColumn
	}

	fraud := make(map[string]bool)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if label >= len(row) || !isPositive(row[label]) {
			continue
		}
		for _, c := range []string{ingest.ColSender, ingest.ColReceiver} {
			if i := cols[c]; i < len(row) {
				if id := strings.TrimSpace(row[i]); id != "" {
					fraud[id] = true
				}
			}
		}
	}
	return fraud, nil
}

func labelIndex(header []string) int {
	for _, want := range labelColumns {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				return i
			}
		}
	}
	return -1
}

func isPositive(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "fraud":
		return true
	}
	return false
}

// Confusion counts account-level outcomes of flagging against labels.
type Confusion struct {
	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
	TrueNegatives  int `json:"trueNegatives"`
}

// Evaluate compares predicted mules with labeled accounts. An account is
// predicted when its score reaches threshold or it belongs to a ring.
// Accounts neither predicted nor labeled count as true negatives.
func Evaluate(res *domain.AnalysisResult, fraud map[string]bool, threshold int) Confusion {
	var c Confusion
	flagged := make(map[string]bool, len(res.SuspiciousAccounts))
	for _, a := range res.SuspiciousAccounts {
		if a.SuspicionScore < threshold && a.RingID == nil {
			continue
		}
		flagged[a.AccountID] = true
		if fraud[a.AccountID] {
			c.TruePositives++
		} else {
			c.FalsePositives++
		}
	}
	for id := range fraud {
		if !flagged[id] {
			c.FalseNegatives++
		}
	}
	c.TrueNegatives = max(0, res.Summary.TotalAccountsAnalyzed-c.TruePositives-c.FalsePositives-c.FalseNegatives)
	return c
}

func (c Confusion) Precision() float64 {
	if c.TruePositives+c.FalsePositives == 0 {
		return 0
	}
	return float64(c.TruePositives) / float64(c.TruePositives+c.FalsePositives)
}

func (c Confusion) Recall() float64 {
	if c.TruePositives+c.FalseNegatives == 0 {
		return 0
	}
	return float64(c.TruePositives) / float64(c.TruePositives+c.FalseNegatives)
}

func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}
