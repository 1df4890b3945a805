package model

import "time"

// RunStatus represents the current state of an extraction run.
type RunStatus string

const (
	RunStatusQueued       RunStatus = "queued"
	RunStatusIntake       RunStatus = "intake"
	RunStatusDiscovering  RunStatus = "discovering"
	RunStatusReconciling  RunStatus = "reconciling"
	RunStatusClassifying  RunStatus = "classifying"
	RunStatusEnriching    RunStatus = "enriching"
	RunStatusRefining     RunStatus = "refining"
	RunStatusComplete     RunStatus = "complete"
	RunStatusFailed       RunStatus = "failed"
)

// ExtractionRun represents a single extraction run over one document corpus.
type ExtractionRun struct {
	ID        string     `json:"id"`
	Entity    string     `json:"entity"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RefinementOutcome summarizes the critic loop for persistence.
type RefinementOutcome struct {
	State      string  `json:"state"`
	Iterations int     `json:"iterations"`
	FinalScore float64 `json:"final_score"`
	Warning    string  `json:"warning,omitempty"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	RunID         string            `json:"run_id,omitempty"`
	Records       []ExtractedRecord `json:"records"`
	MergeStats    MergeStats        `json:"merge_stats"`
	Refinement    RefinementOutcome `json:"refinement"`
	Phases        []PhaseResult     `json:"phases"`
	ReviewFlagged int               `json:"review_flagged"`
	TotalTokens   int               `json:"total_tokens"`
	TotalCost     float64           `json:"total_cost"`
	Error         string            `json:"error,omitempty"`
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name       string         `json:"name"`
	Status     PhaseStatus    `json:"status"`
	Duration   int64          `json:"duration_ms"`
	TokenUsage TokenUsage     `json:"token_usage"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunPhase is a phase row as persisted by the store.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
