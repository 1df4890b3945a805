package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/csm-cli/internal/authority"
	"github.com/sells-group/csm-cli/internal/config"
	"github.com/sells-group/csm-cli/internal/dedupe"
	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/refine"
	"github.com/sells-group/csm-cli/internal/registry"
	"github.com/sells-group/csm-cli/internal/resilience"
	"github.com/sells-group/csm-cli/internal/scoring"
	"github.com/sells-group/csm-cli/internal/wave"
	"github.com/sells-group/csm-cli/pkg/anthropic"
)

// Stage names. Reading stages dispatch to Claude, the rest run in-process.
const (
	stageDiscovery       = "discovery"
	stageSourceRanking   = "source_ranking"
	stageNormalization   = "normalization"
	stageDedupe          = "dedupe"
	stageClassification  = "classification"
	stageCountryOverride = "country_override"
	stageTitleExtraction = "title_extraction"
	stageScoring         = "scoring"

	mergeClassification = "classification_merge"
	mergeEnrichment     = "enrichment_merge"
)

// Scope keys. Seeds first, then one key per stage output.
const (
	keyEntity               = "entity"
	keySourceManifest       = "source_manifest"
	keyCandidatesRaw        = "candidates_raw"
	keySourcesRanked        = "sources_ranked"
	keyCandidatesNormalized = "candidates_normalized"
	keyCandidatesMerged     = "candidates_merged"
	keyVerdicts             = "verdicts_classification"
	keyCandidatesClassified = "candidates_classified"
	keyOverrides            = "overrides_jurisdiction"
	keyTitles               = "titles_extracted"
	keyScores               = "scores_explanatory"
	keyCandidatesEnriched   = "candidates_enriched"
)

// buildPlan lays out the extraction plan. Wave order encodes the data
// dependencies; the two merges fan enrichment back onto the candidate
// roster so every downstream consumer sees one array.
func buildPlan(stageTimeout time.Duration) wave.Plan {
	return wave.Plan{
		Waves: []wave.Wave{
			{
				Stages: []wave.Stage{
					{Name: stageDiscovery, InputKeys: []string{keyEntity, keySourceManifest}, OutputKey: keyCandidatesRaw, Timeout: stageTimeout},
					{Name: stageSourceRanking, InputKeys: []string{keySourceManifest}, OutputKey: keySourcesRanked},
				},
			},
			{
				Stages: []wave.Stage{
					{Name: stageNormalization, InputKeys: []string{keyCandidatesRaw}, OutputKey: keyCandidatesNormalized, Timeout: stageTimeout},
				},
			},
			{
				Stages: []wave.Stage{
					{Name: stageDedupe, InputKeys: []string{keyCandidatesNormalized, keySourcesRanked}, OutputKey: keyCandidatesMerged},
				},
			},
			{
				Stages: []wave.Stage{
					{Name: stageClassification, InputKeys: []string{keyEntity, keySourcesRanked, keyCandidatesMerged}, OutputKey: keyVerdicts, Timeout: stageTimeout},
				},
				Merge: &wave.MergeSpec{
					Name:         mergeClassification,
					BaseKey:      keyCandidatesMerged,
					OverlayKeys:  []string{keyVerdicts},
					FallbackKeys: []string{keyCandidatesNormalized},
					OutputKey:    keyCandidatesClassified,
				},
			},
			{
				Stages: []wave.Stage{
					{Name: stageCountryOverride, InputKeys: []string{keySourcesRanked, keyCandidatesClassified}, OutputKey: keyOverrides, Optional: true, Timeout: stageTimeout},
					{Name: stageTitleExtraction, InputKeys: []string{keyCandidatesClassified}, OutputKey: keyTitles, Optional: true, Timeout: stageTimeout},
					{Name: stageScoring, InputKeys: []string{keyCandidatesClassified}, OutputKey: keyScores},
				},
				// Override last: a flipped verdict must beat the scorer's view
				// of the pre-override record.
				Merge: &wave.MergeSpec{
					Name:         mergeEnrichment,
					BaseKey:      keyCandidatesClassified,
					OverlayKeys:  []string{keyTitles, keyScores, keyOverrides},
					FallbackKeys: []string{keyCandidatesMerged, keyCandidatesNormalized},
					OutputKey:    keyCandidatesEnriched,
				},
			},
		},
	}
}

// claudeStages invokes the Claude-backed reading stages. Every call shares
// the cached corpus system blocks and flows through retry and a circuit
// breaker; usage and cost accumulate across the run.
type claudeStages struct {
	client  anthropic.Client
	cfg     config.AnthropicConfig
	system  []anthropic.SystemBlock
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker

	mu    sync.Mutex
	usage anthropic.TokenUsage
	cost  float64
}

func newClaudeStages(client anthropic.Client, aiCfg config.AnthropicConfig, resil config.ResilienceConfig, corpusText string) *claudeStages {
	retry := resilience.FromRetryConfig(
		resil.Retry.MaxAttempts,
		resil.Retry.InitialBackoffMs,
		resil.Retry.MaxBackoffMs,
		resil.Retry.Multiplier,
		resil.Retry.JitterFraction,
	)
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")

	return &claudeStages{
		client:  client,
		cfg:     aiCfg,
		system:  append([]anthropic.SystemBlock{{Text: corpusSystemPrompt}}, anthropic.BuildCachedSystemBlocks(corpusText)...),
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(resilience.FromCircuitConfig(resil.Circuit.FailureThreshold, resil.Circuit.ResetTimeoutSecs)),
	}
}

// Invoke implements wave.Capability for the reading stages.
func (c *claudeStages) Invoke(ctx context.Context, name string, inputs map[string]string, _ string) (string, error) {
	var prompt string
	switch name {
	case stageDiscovery:
		prompt = fmt.Sprintf(discoveryPrompt, inputs[keyEntity], inputs[keySourceManifest])
	case stageNormalization:
		prompt = fmt.Sprintf(normalizationPrompt, inputs[keyCandidatesRaw])
	case stageClassification:
		prompt = fmt.Sprintf(classificationPrompt, inputs[keyEntity], inputs[keySourcesRanked], inputs[keyCandidatesMerged])
	case stageCountryOverride:
		prompt = fmt.Sprintf(countryOverridePrompt, inputs[keySourcesRanked], inputs[keyCandidatesClassified])
	case stageTitleExtraction:
		prompt = fmt.Sprintf(titleExtractionPrompt, inputs[keyCandidatesClassified])
	default:
		return "", eris.Errorf("pipeline: no prompt for stage %q", name)
	}
	return c.complete(ctx, c.cfg.Model, name, prompt)
}

func (c *claudeStages) complete(ctx context.Context, modelID, stage, prompt string) (string, error) {
	req := anthropic.MessageRequest{
		Model:     modelID,
		MaxTokens: int64(c.cfg.MaxTokens),
		System:    c.system,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}

	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return c.client.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: stage %s", stage)
	}

	c.record(resp.Usage, modelID)
	resp.Usage.LogCost(modelID, stage)
	return cleanStageJSON(resp.Text()), nil
}

// prime warms the corpus cache with one cheap sequential request so the
// concurrent wave stages hit a warm cache.
func (c *claudeStages) prime(ctx context.Context) error {
	resp, err := anthropic.PrimerRequest(ctx, c.client, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: 8,
		System:    c.system,
		Messages:  []anthropic.Message{{Role: "user", Content: primerPrompt}},
	})
	if err != nil {
		return err
	}
	c.record(resp.Usage, c.cfg.Model)
	return nil
}

func (c *claudeStages) record(u anthropic.TokenUsage, modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Add(u)
	c.cost += u.EstimateCost(modelID)
}

func (c *claudeStages) totals() (anthropic.TokenUsage, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage, c.cost
}

// critic reviews assembled output against the corpus on the critic model.
func (c *claudeStages) critic() refine.Critic {
	modelID := c.cfg.CriticModel
	if modelID == "" {
		modelID = c.cfg.Model
	}
	return func(ctx context.Context, output string) (string, error) {
		return c.complete(ctx, modelID, "critic", fmt.Sprintf(criticPrompt, output))
	}
}

// refiner rewrites output against the critic's findings. The review
// travels as JSON so the rewrite sees the verdict verbatim.
func (c *claudeStages) refiner() refine.Refiner {
	return func(ctx context.Context, output string, review refine.Review, enriched string) (string, error) {
		reviewJSON, err := json.Marshal(review)
		if err != nil {
			return "", eris.Wrap(err, "pipeline: marshal review")
		}
		return c.complete(ctx, c.cfg.Model, "refiner", fmt.Sprintf(refinerPrompt, output, string(reviewJSON), enriched))
	}
}

// stageSet wires the deterministic and reading stages into one capability
// mux for the executor.
type stageSet struct {
	rules    *registry.Rules
	resolver *authority.Resolver
	deduper  *dedupe.Engine
	scorer   *scoring.Engine
	claude   *claudeStages

	stats *model.MergeStats // captured by the dedupe stage
}

func (s *stageSet) mux() *wave.Mux {
	m := wave.NewMux(s.claude)
	m.HandleFunc(stageSourceRanking, s.rankSources)
	m.HandleFunc(stageDedupe, s.dedupeCandidates)
	m.HandleFunc(stageScoring, s.scoreCandidates)
	m.HandleFunc(stageClassification, s.classify)
	m.HandleFunc(stageCountryOverride, s.override)
	m.HandleFunc(stageTitleExtraction, s.titles)
	return m
}

// rankSources annotates the admitted sources with admission ranks and
// currency tags.
func (s *stageSet) rankSources(_ context.Context, _ string, inputs map[string]string, _ string) (string, error) {
	entries, err := parseSourceEntries(inputs[keySourceManifest])
	if err != nil {
		return "", err
	}
	idx := s.resolver.Rank(entries)
	out, err := json.Marshal(idx.Entries)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal ranked sources")
	}
	return string(out), nil
}

// dedupeCandidates assigns discovery identifiers and collapses duplicate
// mentions into merged identities.
func (s *stageSet) dedupeCandidates(_ context.Context, _ string, inputs map[string]string, _ string) (string, error) {
	cands, err := parseRawCandidates(inputs[keyCandidatesNormalized])
	if err != nil {
		return "", err
	}
	entries, err := parseSourceEntries(inputs[keySourcesRanked])
	if err != nil {
		return "", err
	}

	idx := s.resolver.Rank(entries)
	assignIdentifiers(cands, documentOrder(entries))
	res := s.deduper.Dedupe(cands, idx)
	s.stats = &res.Stats

	out, err := json.Marshal(res.Candidates)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal merged candidates")
	}
	return string(out), nil
}

// scoreCandidates computes explanatory scores for the classified roster.
// The overlay carries quality notes only for flagged records so unflagged
// records keep their classification-time notes at the merge.
func (s *stageSet) scoreCandidates(_ context.Context, _ string, inputs map[string]string, _ string) (string, error) {
	var cands []model.ClassifiedCandidate
	if err := decodeArray(inputs[keyCandidatesClassified], &cands); err != nil {
		return "", err
	}

	out := make([]map[string]any, 0, len(cands))
	for _, c := range cands {
		scored := s.scorer.Score(c)
		rec := map[string]any{
			"id":           scored.ID,
			"score":        scored.Score,
			"breakdown":    scored.Breakdown,
			"needs_review": scored.NeedsReview,
		}
		if scored.NeedsReview {
			rec["quality_notes"] = scored.QualityNotes
		}
		out = append(out, rec)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal scores")
	}
	return string(data), nil
}

func (s *stageSet) classify(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error) {
	raw, err := s.claude.Invoke(ctx, name, inputs, outputKey)
	if err != nil {
		return "", err
	}
	return decorateVerdicts(raw, inputs[keyCandidatesMerged], s.rules)
}

func (s *stageSet) override(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error) {
	raw, err := s.claude.Invoke(ctx, name, inputs, outputKey)
	if err != nil {
		return "", err
	}
	return decorateOverrides(raw, s.rules)
}

func (s *stageSet) titles(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error) {
	raw, err := s.claude.Invoke(ctx, name, inputs, outputKey)
	if err != nil {
		return "", err
	}
	return decorateTitles(raw)
}
