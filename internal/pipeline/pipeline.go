// Package pipeline orchestrates extraction runs: corpus intake, the
// wave-structured reading plan, deterministic reconciliation, output
// assembly, and the critic/refiner loop.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/authority"
	"github.com/sells-group/csm-cli/internal/config"
	"github.com/sells-group/csm-cli/internal/corpus"
	"github.com/sells-group/csm-cli/internal/dedupe"
	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/reason"
	"github.com/sells-group/csm-cli/internal/refine"
	"github.com/sells-group/csm-cli/internal/registry"
	"github.com/sells-group/csm-cli/internal/resilience"
	"github.com/sells-group/csm-cli/internal/scoring"
	"github.com/sells-group/csm-cli/internal/store"
	"github.com/sells-group/csm-cli/internal/wave"
	"github.com/sells-group/csm-cli/pkg/anthropic"
)

// Pipeline runs the extraction phases for one document set.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	anthropic anthropic.Client
	rules     *registry.Rules
	resolver  *authority.Resolver
	deduper   *dedupe.Engine
	scorer    *scoring.Engine
	assembler *reason.Assembler
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, st store.Store, aiClient anthropic.Client, rules *registry.Rules) *Pipeline {
	var opts []reason.Option
	if cfg.Pipeline.MaxReasonLength > 0 {
		opts = append(opts, reason.WithMaxLength(cfg.Pipeline.MaxReasonLength))
	}
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		anthropic: aiClient,
		rules:     rules,
		resolver:  authority.NewResolver(rules),
		deduper:   dedupe.NewEngine(rules),
		scorer:    scoring.NewEngine(rules, cfg.Pipeline.LowConfidenceThreshold),
		assembler: reason.NewAssembler(opts...),
	}
}

// wavePhases names the persisted phase per plan wave, with the run status
// each one advances to.
var wavePhases = []struct {
	name   string
	status model.RunStatus
}{
	{"2_discover", model.RunStatusDiscovering},
	{"3_normalize", model.RunStatusDiscovering},
	{"4_reconcile", model.RunStatusReconciling},
	{"5_classify", model.RunStatusClassifying},
	{"6_enrich", model.RunStatusEnriching},
}

// Run executes the full extraction for a single document set.
func (p *Pipeline) Run(ctx context.Context, set *model.DocumentSet) (*model.RunResult, error) {
	log := zap.L().With(zap.String("entity", set.Entity))
	log.Info("pipeline: starting extraction", zap.Int("documents", len(set.Documents)))

	// Create run record.
	run, err := p.store.CreateRun(ctx, set.Entity)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	result := &model.RunResult{RunID: run.ID}

	// Update status helper.
	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	// Phase tracking helper with mutex for concurrent access.
	var phasesMu sync.Mutex
	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) *model.PhaseResult {
		phase, phaseErr := p.store.CreatePhase(ctx, run.ID, name)
		if phaseErr != nil {
			log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{Name: name}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		if fnErr != nil {
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			if phaseResult.Status == "" {
				phaseResult.Status = model.PhaseStatusComplete
			}
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.String("status", string(phaseResult.Status)),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			_ = p.store.CompletePhase(ctx, phase.ID, phaseResult)
		}
		phasesMu.Lock()
		result.Phases = append(result.Phases, *phaseResult)
		phasesMu.Unlock()
		return phaseResult
	}

	var runErr error
	var cps *corpus.Corpus
	var stages *stageSet

	failRun := func(runErr error) (*model.RunResult, error) {
		setStatus(model.RunStatusFailed)
		result.Error = runErr.Error()
		if stages != nil {
			u, cost := stages.claude.totals()
			result.TotalTokens = int(u.InputTokens + u.OutputTokens)
			result.TotalCost = cost
		}
		if saveErr := p.store.UpdateRunResult(ctx, run.ID, result); saveErr != nil {
			log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
		}
		p.enqueueFailure(ctx, run.ID, set, runErr)
		return result, runErr
	}

	// Per-phase usage attribution: deltas against the accumulated totals.
	var prevUsage anthropic.TokenUsage
	var prevCost float64
	takeUsage := func() model.TokenUsage {
		u, cost := stages.claude.totals()
		delta := model.TokenUsage{
			InputTokens:         int(u.InputTokens - prevUsage.InputTokens),
			OutputTokens:        int(u.OutputTokens - prevUsage.OutputTokens),
			CacheCreationTokens: int(u.CacheCreationInputTokens - prevUsage.CacheCreationInputTokens),
			CacheReadTokens:     int(u.CacheReadInputTokens - prevUsage.CacheReadInputTokens),
			Cost:                cost - prevCost,
		}
		prevUsage = u
		prevCost = cost
		return delta
	}

	// ===== Phase 1: Intake =====
	setStatus(model.RunStatusIntake)

	trackPhase("1_intake", func() (*model.PhaseResult, error) {
		built, buildErr := corpus.Build(set, p.rules)
		if buildErr != nil {
			runErr = buildErr
			return nil, buildErr
		}
		cps = built
		stages = &stageSet{
			rules:    p.rules,
			resolver: p.resolver,
			deduper:  p.deduper,
			scorer:   p.scorer,
			claude:   newClaudeStages(p.anthropic, p.cfg.Anthropic, p.cfg.Resilience, built.Text),
		}

		primed := true
		if primeErr := stages.claude.prime(ctx); primeErr != nil {
			primed = false
			log.Warn("pipeline: cache primer failed, stages will warm the cache themselves", zap.Error(primeErr))
		}

		return &model.PhaseResult{
			TokenUsage: takeUsage(),
			Metadata: map[string]any{
				"documents": len(built.Documents),
				"pages":     built.PageCount(),
				"primed":    primed,
			},
		}, nil
	})
	if runErr != nil {
		return failRun(runErr)
	}

	// ===== Phases 2-6: the stage plan, one wave per phase =====
	plan := buildPlan(time.Duration(p.cfg.Pipeline.StageTimeoutSecs) * time.Second)
	if err := plan.Validate(keyEntity, keySourceManifest); err != nil {
		return failRun(eris.Wrap(err, "pipeline: invalid plan"))
	}

	scope := wave.NewScope(map[string]string{
		keyEntity:         cps.Entity,
		keySourceManifest: cps.Manifest,
	})
	executor := wave.NewExecutor(stages.mux())

	skipRemaining := false
	for i, wp := range wavePhases {
		if skipRemaining {
			trackPhase(wp.name, func() (*model.PhaseResult, error) {
				return &model.PhaseResult{
					Status:   model.PhaseStatusSkipped,
					Metadata: map[string]any{"reason": "no candidates"},
				}, nil
			})
			continue
		}

		setStatus(wp.status)
		trackPhase(wp.name, func() (*model.PhaseResult, error) {
			if waveErr := executor.Run(ctx, wave.Plan{Waves: []wave.Wave{plan.Waves[i]}}, scope); waveErr != nil {
				var se *wave.StageError
				if errors.As(waveErr, &se) {
					se.Wave = i
				}
				runErr = waveErr
				return nil, waveErr
			}
			return &model.PhaseResult{
				TokenUsage: takeUsage(),
				Metadata:   waveMetadata(scope, i, stages.stats),
			}, nil
		})
		if runErr != nil {
			return failRun(runErr)
		}

		if stages.stats != nil && stages.stats.After == 0 {
			skipRemaining = true
			log.Info("pipeline: no candidates discovered, emitting empty output")
		}
	}

	// ===== Phase 7: Assemble =====
	enrichedRaw, _ := scope.Get(keyCandidatesEnriched)
	mergedRaw, _ := scope.Get(keyCandidatesMerged)

	var asm *assembled
	trackPhase("7_assemble", func() (*model.PhaseResult, error) {
		built, asmErr := p.assembleRecords(enrichedRaw, mergedRaw)
		if asmErr != nil {
			runErr = asmErr
			return nil, asmErr
		}
		asm = built
		return &model.PhaseResult{
			Metadata: map[string]any{
				"records":  len(built.Records),
				"eligible": built.Eligible,
				"flagged":  built.Flagged,
			},
		}, nil
	})
	if runErr != nil {
		return failRun(runErr)
	}
	result.Records = asm.Records

	// ===== Phase 8: Refine =====
	if len(asm.Records) == 0 {
		trackPhase("8_refine", func() (*model.PhaseResult, error) {
			return &model.PhaseResult{
				Status:   model.PhaseStatusSkipped,
				Metadata: map[string]any{"reason": "nothing to refine"},
			}, nil
		})
	} else {
		setStatus(model.RunStatusRefining)
		trackPhase("8_refine", func() (*model.PhaseResult, error) {
			ctrl := refine.NewController(
				stages.claude.critic(),
				stages.claude.refiner(),
				refine.WithThreshold(p.cfg.Pipeline.AcceptanceThreshold),
				refine.WithMaxIterations(p.cfg.Pipeline.MaxRefinementIterations),
			)
			outcome, refineErr := ctrl.Run(ctx, asm.Output, enrichedRaw)
			if refineErr != nil {
				runErr = refineErr
				return nil, refineErr
			}

			warning := outcome.Warning
			if outcome.Output != asm.Output {
				refined, parseErr := parseRefined(outcome.Output, len(asm.Records))
				if parseErr != nil {
					log.Warn("pipeline: refined output rejected, keeping assembled records", zap.Error(parseErr))
					if warning != "" {
						warning += "; "
					}
					warning += "refined output rejected: " + eris.Cause(parseErr).Error()
				} else {
					result.Records = refined
				}
			}

			result.Refinement = model.RefinementOutcome{
				State:      string(outcome.State),
				Iterations: outcome.Iterations,
				FinalScore: outcome.Score,
				Warning:    warning,
			}
			return &model.PhaseResult{
				TokenUsage: takeUsage(),
				Metadata: map[string]any{
					"state":      string(outcome.State),
					"iterations": outcome.Iterations,
					"score":      outcome.Score,
				},
			}, nil
		})
		if runErr != nil {
			return failRun(runErr)
		}
	}

	// Finalize.
	if stages.stats != nil {
		result.MergeStats = *stages.stats
	}
	result.ReviewFlagged = asm.Flagged
	u, cost := stages.claude.totals()
	result.TotalTokens = int(u.InputTokens + u.OutputTokens)
	result.TotalCost = cost

	setStatus(model.RunStatusComplete)

	if saveErr := p.store.UpdateRunResult(ctx, run.ID, result); saveErr != nil {
		log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
	}

	log.Info("pipeline: extraction complete",
		zap.String("run_id", run.ID),
		zap.Int("records", len(result.Records)),
		zap.Int("review_flagged", result.ReviewFlagged),
		zap.Int("tokens", result.TotalTokens),
	)

	return result, nil
}

// enqueueFailure parks a failed run on the dead letter queue for the retry
// worker. Stage failures carry their plan position for targeted replay.
func (p *Pipeline) enqueueFailure(ctx context.Context, runID string, set *model.DocumentSet, runErr error) {
	now := time.Now()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		RunID:        runID,
		Entity:       set.Entity,
		Error:        runErr.Error(),
		ErrorType:    resilience.ClassifyError(runErr),
		MaxRetries:   3,
		NextRetryAt:  now.Add(5 * time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	for _, doc := range set.Documents {
		entry.DocumentSet = append(entry.DocumentSet, doc.ID)
	}
	var se *wave.StageError
	if errors.As(runErr, &se) {
		entry.FailedStage = se.Stage
		entry.FailedWave = se.Wave
	}

	if dlqErr := p.store.EnqueueDLQ(ctx, entry); dlqErr != nil {
		zap.L().Warn("pipeline: failed to enqueue dead letter entry",
			zap.String("run_id", runID),
			zap.Error(dlqErr),
		)
	}
}

// waveMetadata summarizes a finished wave for its phase record.
func waveMetadata(scope *wave.Scope, idx int, stats *model.MergeStats) map[string]any {
	switch idx {
	case 0:
		raw, _ := scope.Get(keyCandidatesRaw)
		return map[string]any{"candidates": countRecords(raw)}
	case 1:
		raw, _ := scope.Get(keyCandidatesNormalized)
		return map[string]any{"candidates": countRecords(raw)}
	case 2:
		if stats == nil {
			return nil
		}
		return map[string]any{
			"before":             stats.Before,
			"after":              stats.After,
			"duplicates_removed": stats.DuplicatesRemoved,
		}
	case 3:
		raw, _ := scope.Get(keyVerdicts)
		return map[string]any{"verdicts": countRecords(raw)}
	case 4:
		titles, _ := scope.Get(keyTitles)
		overrides, _ := scope.Get(keyOverrides)
		return map[string]any{
			"titles":    countRecords(titles),
			"overrides": countRecords(overrides),
		}
	default:
		return nil
	}
}
