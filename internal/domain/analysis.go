package domain

import (
	"strconv"
	"time"
)

// Pattern tags surfaced in detected_patterns.
const (
	PatternFanIn              = "fan_in"
	PatternFanOut             = "fan_out"
	PatternPassThrough        = "passthrough_shell"
	PatternTemporalBurst      = "temporal_clustering"
	PatternAmountAnomaly      = "amount_anomaly"
	PatternRoundAmount        = "round_amount_structuring"
	PatternRapidDormancy      = "rapid_dormancy"
	PatternLayeredChain       = "layered_chain"
	PatternSmurfHub           = "smurfing_hub"
	PatternSmurfSource        = "smurfing_source"
	PatternLegitimateMerchant = "legitimate_merchant"

	// RingPatternCycle is the pattern_type of rings that contain a cycle.
	RingPatternCycle = "cycle"
)

// CycleTag returns the pattern tag for membership in a cycle of the given length.
func CycleTag(length int) string {
	return "cycle_length_" + strconv.Itoa(length)
}

// Signals are the raw per-account booleans that feed the score formula.
type Signals struct {
	Cycle  bool `json:"cycle"`
	Shell  bool `json:"shell"`
	Burst  bool `json:"burst"`
	FanIn  bool `json:"fanIn"`
	FanOut bool `json:"fanOut"`
}

// Or merges another signal set into s.
func (s Signals) Or(o Signals) Signals {
	return Signals{
		Cycle:  s.Cycle || o.Cycle,
		Shell:  s.Shell || o.Shell,
		Burst:  s.Burst || o.Burst,
		FanIn:  s.FanIn || o.FanIn,
		FanOut: s.FanOut || o.FanOut,
	}
}

// DetectionResult is the merged, scored view of one account.
type DetectionResult struct {
	AccountID string
	Patterns  []string
	Signals   Signals
	RawScore  int
	Score     int
	Merchant  bool
	RingID    string
}

// AnalysisResult is the output contract of one analysis.
type AnalysisResult struct {
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	Summary            Summary             `json:"summary"`
	GraphData          GraphData           `json:"graph_data"`
}

// SuspiciousAccount is one scored account in the output.
type SuspiciousAccount struct {
	AccountID        string   `json:"account_id"`
	SuspicionScore   int      `json:"suspicion_score"`
	DetectedPatterns []string `json:"detected_patterns"`
	RingID           *string  `json:"ring_id"`
}

// FraudRing is a connected group of flagged accounts.
type FraudRing struct {
	RingID         string   `json:"ring_id"`
	MemberAccounts []string `json:"member_accounts"`
	PatternType    string   `json:"pattern_type"`
	RiskScore      int      `json:"risk_score"`
}

// Summary carries batch-level counters.
type Summary struct {
	TotalAccountsAnalyzed     int     `json:"total_accounts_analyzed"`
	SuspiciousAccountsFlagged int     `json:"suspicious_accounts_flagged"`
	FraudRingsDetected        int     `json:"fraud_rings_detected"`
	ProcessingTimeSeconds     float64 `json:"processing_time_seconds"`
	TransactionsProcessed     int     `json:"transactions_processed"`
	DroppedRows               int     `json:"dropped_rows"`
	Partial                   bool    `json:"partial"`
	PartialReason             string  `json:"partial_reason,omitempty"`
}

// GraphData is a renderable projection of the transaction graph.
type GraphData struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphNode is one account in the visualization projection.
type GraphNode struct {
	ID                string   `json:"id"`
	IsSuspicious      bool     `json:"is_suspicious"`
	IsFraudRingMember bool     `json:"is_fraud_ring_member"`
	SuspicionScore    int      `json:"suspicion_score"`
	RingIDs           []string `json:"ring_ids"`
}

// GraphEdge is one transaction in the visualization projection.
type GraphEdge struct {
	Source        string  `json:"source"`
	Target        string  `json:"target"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transaction_id"`
	Timestamp     string  `json:"timestamp"`
}

// Analysis status values.
const (
	AnalysisPending   = "pending"
	AnalysisCompleted = "completed"
	AnalysisFailed    = "failed"
)

// Analysis is the persisted record of one analysis request.
type Analysis struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Status      string          `json:"status"`
	Source      string          `json:"source,omitempty"`
	InputHash   string          `json:"inputHash"`
	Summary     *Summary        `json:"summary,omitempty"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// RingAlert is published for every ring found by an analysis.
type RingAlert struct {
	AnalysisID string    `json:"analysisId"`
	TenantID   string    `json:"tenantId"`
	Ring       FraudRing `json:"ring"`
	DetectedAt time.Time `json:"detectedAt"`
}
