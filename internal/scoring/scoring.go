// Package scoring computes the explanatory confidence score for classified
// candidates. The score explains a verdict; it never changes one.
package scoring

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
)

// OverrideSignal names the additive jurisdiction-override contribution in
// score breakdowns.
const OverrideSignal = "jurisdiction_override"

// ReviewNote is appended to a candidate's quality notes when an eligible
// record scores below the review threshold.
const ReviewNote = "low confidence score, flagged for review"

// Engine scores classified candidates against the signal tables.
type Engine struct {
	rules         *registry.Rules
	lowConfidence float64
}

// NewEngine creates a scoring engine. Candidates that remain eligible but
// score below lowConfidence are flagged for review.
func NewEngine(rules *registry.Rules, lowConfidence float64) *Engine {
	return &Engine{rules: rules, lowConfidence: lowConfidence}
}

// Score computes the explanatory score for one candidate:
//
//	base  = clamp(Σ signal weights, 0, 1)
//	final = clamp(round(base × multiplier, 2), 0, 1)
//
// At most one negative signal per category applies; when a category carries
// several, the harshest wins.
func (e *Engine) Score(c model.ClassifiedCandidate) model.ScoredCandidate {
	contributions := e.contributions(c)

	base := 0.0
	for _, sc := range contributions {
		base += sc.Weight
	}
	base = clamp01(base)

	multiplier := e.multiplier(c)
	final := clamp01(round2(base * multiplier))

	scored := model.ScoredCandidate{
		ClassifiedCandidate: c,
		Score:               final,
		Breakdown: model.ScoreBreakdown{
			Signals:    contributions,
			Base:       base,
			Multiplier: multiplier,
			Final:      final,
		},
	}

	if c.IsCSM && final < e.lowConfidence {
		scored.NeedsReview = true
		notes := make([]string, 0, len(c.QualityNotes)+1)
		notes = append(notes, c.QualityNotes...)
		scored.QualityNotes = append(notes, ReviewNote)
		zap.L().Info("scoring: flagging record for review",
			zap.String("last_name", c.LastName),
			zap.Float64("score", final),
			zap.Float64("threshold", e.lowConfidence),
		)
	}

	return scored
}

// contributions resolves signal names to signed weights, deduplicates
// repeats, caps negatives at one per category, and appends the
// jurisdiction-override delta. Output order is deterministic: positives by
// name, negatives by name, override last.
func (e *Engine) contributions(c model.ClassifiedCandidate) []model.SignalContribution {
	var positives []model.SignalContribution
	negByCategory := make(map[string]model.SignalContribution)

	seen := make(map[string]bool, len(c.Signals))
	for _, name := range c.Signals {
		if seen[name] {
			continue
		}
		seen[name] = true

		sig, ok := e.rules.Signals[name]
		if !ok {
			zap.L().Debug("scoring: unknown signal", zap.String("signal", name))
			continue
		}
		weight := e.signalWeight(name, sig, c)
		if weight >= 0 {
			positives = append(positives, model.SignalContribution{Name: name, Weight: weight})
			continue
		}
		cur, exists := negByCategory[sig.Category]
		if !exists || weight < cur.Weight || (weight == cur.Weight && name < cur.Name) {
			negByCategory[sig.Category] = model.SignalContribution{Name: name, Weight: weight}
		}
	}

	negatives := make([]model.SignalContribution, 0, len(negByCategory))
	for _, sc := range negByCategory {
		negatives = append(negatives, sc)
	}
	sort.Slice(positives, func(i, j int) bool { return positives[i].Name < positives[j].Name })
	sort.Slice(negatives, func(i, j int) bool { return negatives[i].Name < negatives[j].Name })

	out := append(positives, negatives...)
	if c.OverrideDelta != 0 {
		out = append(out, model.SignalContribution{Name: OverrideSignal, Weight: c.OverrideDelta})
	}
	return out
}

// signalWeight resolves one signal to its signed weight. The former-role
// penalty is profile-dependent: the prevailing jurisdiction's table entry
// replaces the flat signal weight when it defines one.
func (e *Engine) signalWeight(name string, sig registry.SignalWeight, c model.ClassifiedCandidate) float64 {
	if name == "former_role" {
		if profile, ok := e.rules.Country(c.Prevailing.Jurisdiction); ok && profile.FormerRolePenalty != 0 {
			return profile.FormerRolePenalty
		}
	}
	return sig.Weight
}

// multiplier grades evidentiary strength: resolved conflicts damp the
// score, unresolved conflicts and lone weak sources damp it harder.
func (e *Engine) multiplier(c model.ClassifiedCandidate) float64 {
	switch c.Conflict {
	case model.ConflictResolved:
		return e.rules.Multiplier(registry.MultiplierResolved)
	case model.ConflictUnresolved:
		return e.rules.Multiplier(registry.MultiplierWeak)
	}

	singleSource := len(c.StaleSources) == 0
	lowAuthority := c.Prevailing.Tier == model.TierH3 || c.Prevailing.Tier == model.TierH4
	if singleSource && (lowAuthority || c.Prevailing.Currency == model.CurrencyUndated) {
		return e.rules.Multiplier(registry.MultiplierWeak)
	}

	return e.rules.Multiplier(registry.MultiplierConfirmed)
}

func clamp01(v float64) float64 {
	return math.Min(1.0, math.Max(0.0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
