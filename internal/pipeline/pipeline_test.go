package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/csm-cli/internal/config"
	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
	"github.com/sells-group/csm-cli/internal/resilience"
	"github.com/sells-group/csm-cli/internal/store"
	"github.com/sells-group/csm-cli/pkg/anthropic"
)

// recordingStore captures run lifecycle calls for assertions.
type recordingStore struct {
	mu       sync.Mutex
	statuses []model.RunStatus
	phases   []string
	result   *model.RunResult
	dlq      []resilience.DLQEntry
}

func (s *recordingStore) CreateRun(_ context.Context, entity string) (*model.ExtractionRun, error) {
	return &model.ExtractionRun{ID: "run-test", Entity: entity, Status: model.RunStatusQueued, CreatedAt: time.Now()}, nil
}

func (s *recordingStore) UpdateRunStatus(_ context.Context, _ string, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *recordingStore) UpdateRunResult(_ context.Context, _ string, result *model.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	return nil
}

func (s *recordingStore) CreatePhase(_ context.Context, _, name string) (*model.RunPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, name)
	return &model.RunPhase{ID: name, Name: name}, nil
}

func (s *recordingStore) CompletePhase(context.Context, string, *model.PhaseResult) error { return nil }

func (s *recordingStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, entry)
	return nil
}

func (s *recordingStore) GetRun(context.Context, string) (*model.ExtractionRun, error) {
	return nil, nil
}
func (s *recordingStore) ListRuns(context.Context, store.RunFilter) ([]model.ExtractionRun, error) {
	return nil, nil
}
func (s *recordingStore) SaveDocumentSet(context.Context, *model.DocumentSet) error { return nil }
func (s *recordingStore) GetDocumentSet(context.Context, string) (*model.DocumentSet, error) {
	return nil, nil
}
func (s *recordingStore) ListDocumentSets(context.Context) ([]string, error) { return nil, nil }
func (s *recordingStore) DequeueDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (s *recordingStore) IncrementDLQRetry(context.Context, string, time.Time, string) error {
	return nil
}
func (s *recordingStore) RemoveDLQ(context.Context, string) error { return nil }
func (s *recordingStore) CountDLQ(context.Context) (int, error)   { return 0, nil }
func (s *recordingStore) Migrate(context.Context) error           { return nil }
func (s *recordingStore) Close() error                            { return nil }

const testCandidates = `{"candidates": [
	{"first_name": "Max", "last_name": "Mueller", "job_title": "Geschäftsführer", "document_id": "Registry", "page": 1, "temporal_status": "current", "signatory_type": "sole"},
	{"first_name": "Anna", "last_name": "Schmidt", "job_title": "Prokurist", "document_id": "Registry", "page": 2, "temporal_status": "former", "signatory_type": "joint"}
]}`

const testVerdicts = `{"verdicts": [
	{"id": 1, "is_csm": true, "governance_basis": "managing director per registry extract", "signals": ["managing_director", "sole_signatory"]},
	{"id": 2, "is_csm": false, "governance_basis": "former authorized officer only", "signals": ["former_role"]}
]}`

// scriptedClient answers each reading stage by the distinctive phrasing of
// its prompt.
type scriptedClient struct {
	candidates string
	failOn     string
}

func (c *scriptedClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	prompt := req.Messages[0].Content

	respond := func(stage, text string) (*anthropic.MessageResponse, error) {
		if c.failOn == stage {
			return nil, eris.Errorf("api: %s unavailable", stage)
		}
		return textResponse(text), nil
	}

	switch {
	case strings.Contains(prompt, "Confirm the corpus is loaded"):
		return respond("primer", `{"ok": true}`)
	case strings.Contains(prompt, "List every person mentioned in a governance context"):
		return respond(stageDiscovery, c.candidates)
	case strings.Contains(prompt, "Normalize each mention"):
		return respond(stageNormalization, c.candidates)
	case strings.Contains(prompt, "Decide for each candidate"):
		return respond(stageClassification, testVerdicts)
	case strings.Contains(prompt, "jurisdiction-specific governance rules"):
		return respond(stageCountryOverride, `{"overrides": []}`)
	case strings.Contains(prompt, "extract the strongest governance title"):
		return respond(stageTitleExtraction, `{"titles": [{"id": 1, "job_title": "Geschäftsführer"}]}`)
	case strings.Contains(prompt, "Review the output against the corpus"):
		return respond("critic", `{"score": 0.95, "issues": [], "summary": "clean extraction"}`)
	default:
		return nil, eris.New("scripted client: unrecognized prompt")
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Anthropic.Model = "claude-sonnet-4-5-20250929"
	cfg.Anthropic.MaxTokens = 2048
	cfg.Resilience = testResilienceConfig()
	cfg.Pipeline.AcceptanceThreshold = 0.85
	cfg.Pipeline.MaxRefinementIterations = 2
	cfg.Pipeline.LowConfidenceThreshold = 0.45
	cfg.Pipeline.ModeStamp = "csm-v2"
	cfg.Pipeline.ScoringEnabled = true
	cfg.Pipeline.StageTimeoutSecs = 30
	return cfg
}

func testDocumentSet() *model.DocumentSet {
	date := time.Now().AddDate(0, -1, 0)
	return &model.DocumentSet{
		Entity: "Acme Holding GmbH",
		Documents: []model.Document{
			{
				ID:           "Registry",
				Type:         "registry_extract",
				Date:         &date,
				Jurisdiction: "DE",
				Pages: []string{
					"Geschäftsführer: Max Mueller",
					"Prokurist a.D.: Anna Schmidt",
				},
			},
		},
	}
}

func TestRun_FullExtraction(t *testing.T) {
	st := &recordingStore{}
	p := New(testConfig(), st, &scriptedClient{candidates: testCandidates}, registry.DefaultRules())

	result, err := p.Run(context.Background(), testDocumentSet())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "run-test", result.RunID)

	require.Len(t, result.Records, 2)
	first := result.Records[0]
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, "Max", first.FirstName)
	assert.Equal(t, "Mueller", first.LastName)
	assert.True(t, first.IsCSM)
	require.NotNil(t, first.JobTitle)
	assert.Equal(t, "Geschäftsführer", *first.JobTitle)
	assert.Equal(t, "Registry", first.DocumentName)
	assert.Equal(t, 1, first.PageNumber)
	assert.NotEmpty(t, first.Reason)

	second := result.Records[1]
	assert.Equal(t, 2, second.ID)
	assert.Equal(t, "Schmidt", second.LastName)
	assert.False(t, second.IsCSM)

	assert.Equal(t, 2, result.MergeStats.Before)
	assert.Equal(t, 2, result.MergeStats.After)
	assert.Equal(t, 0, result.ReviewFlagged)
	assert.Greater(t, result.TotalTokens, 0)
	assert.Greater(t, result.TotalCost, 0.0)

	assert.Equal(t, "accepted", result.Refinement.State)
	assert.InDelta(t, 0.95, result.Refinement.FinalScore, 0.001)
	assert.Equal(t, 0, result.Refinement.Iterations)

	require.NotEmpty(t, st.statuses)
	assert.Equal(t, model.RunStatusComplete, st.statuses[len(st.statuses)-1])
	assert.Contains(t, st.statuses, model.RunStatusRefining)

	assert.Equal(t, []string{
		"1_intake", "2_discover", "3_normalize", "4_reconcile",
		"5_classify", "6_enrich", "7_assemble", "8_refine",
	}, st.phases)

	require.NotNil(t, st.result)
	assert.Empty(t, st.dlq)
}

func TestRun_NoCandidates(t *testing.T) {
	st := &recordingStore{}
	p := New(testConfig(), st, &scriptedClient{candidates: `{"candidates": []}`}, registry.DefaultRules())

	result, err := p.Run(context.Background(), testDocumentSet())
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Equal(t, 0, result.MergeStats.After)

	assert.Equal(t, model.RunStatusComplete, st.statuses[len(st.statuses)-1])

	// Classification and enrichment are skipped rather than invoked on an
	// empty roster.
	skipped := 0
	for _, ph := range result.Phases {
		if ph.Status == model.PhaseStatusSkipped {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
}

func TestRun_StageFailureParksOnDLQ(t *testing.T) {
	st := &recordingStore{}
	p := New(testConfig(), st, &scriptedClient{candidates: testCandidates, failOn: stageClassification}, registry.DefaultRules())

	result, err := p.Run(context.Background(), testDocumentSet())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Error)

	assert.Equal(t, model.RunStatusFailed, st.statuses[len(st.statuses)-1])

	require.Len(t, st.dlq, 1)
	entry := st.dlq[0]
	assert.Equal(t, "run-test", entry.RunID)
	assert.Equal(t, "Acme Holding GmbH", entry.Entity)
	assert.Equal(t, stageClassification, entry.FailedStage)
	assert.Equal(t, []string{"Registry"}, entry.DocumentSet)
	assert.Equal(t, 3, entry.MaxRetries)
}

func TestRun_EmptyDocumentSetFailsIntake(t *testing.T) {
	st := &recordingStore{}
	p := New(testConfig(), st, &scriptedClient{candidates: testCandidates}, registry.DefaultRules())

	_, err := p.Run(context.Background(), &model.DocumentSet{Entity: "Acme Holding GmbH"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty document set")

	assert.Equal(t, model.RunStatusFailed, st.statuses[len(st.statuses)-1])
	require.Len(t, st.dlq, 1)
	assert.Empty(t, st.dlq[0].FailedStage)
}

func TestRun_PrimerFailureDegrades(t *testing.T) {
	st := &recordingStore{}
	p := New(testConfig(), st, &scriptedClient{candidates: testCandidates, failOn: "primer"}, registry.DefaultRules())

	result, err := p.Run(context.Background(), testDocumentSet())
	require.NoError(t, err, "a cold cache never fails the run")
	assert.Len(t, result.Records, 2)
}
