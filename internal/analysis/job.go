package analysis

import (
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// job is the payload of a batch.submitted event.
type job struct {
	AnalysisID    string                `json:"analysisId"`
	Source        string                `json:"source,omitempty"`
	InputHash     string                `json:"inputHash"`
	CreatedAt     time.Time             `json:"createdAt"`
	Transactions  []*domain.Transaction `json:"transactions"`
	Rejected      []domain.Rejection    `json:"rejected,omitempty"`
	SyntheticTime bool                  `json:"syntheticTime,omitempty"`
}

func newJob(a *domain.Analysis, b *domain.Batch) job {
	if b == nil {
		b = &domain.Batch{}
	}
	return job{
		AnalysisID:    a.ID,
		Source:        a.Source,
		InputHash:     a.InputHash,
		CreatedAt:     a.CreatedAt,
		Transactions:  b.Transactions,
		Rejected:      b.Rejected,
		SyntheticTime: b.SyntheticTime,
	}
}

func (j job) batch() *domain.Batch {
	return &domain.Batch{
		Transactions:  j.Transactions,
		Rejected:      j.Rejected,
		SyntheticTime: j.SyntheticTime,
	}
}
