// Package refine runs the critic/refiner loop over assembled output. The
// loop accepts output once a critic score clears the acceptance threshold,
// refines up to a configured iteration budget otherwise, and always returns
// the best-effort output rather than failing the run.
package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State names a position in the refinement loop.
type State string

const (
	StateInitial   State = "initial"
	StateCritiqued State = "critiqued"
	StateRefining  State = "refining"
	StateAccepted  State = "accepted"
	StateExhausted State = "exhausted"
)

const (
	// DefaultThreshold is the acceptance threshold on critic scores.
	DefaultThreshold = 0.85
	// DefaultMaxIterations bounds refiner invocations per run.
	DefaultMaxIterations = 3
)

// ErrScoreParse reports a critic verdict whose score could not be read.
// Non-fatal: the loop scores it 0.0 and keeps refining instead of silently
// accepting.
var ErrScoreParse = eris.New("refine: unparseable critic score")

// Review is the critic's structured verdict over one output.
type Review struct {
	Score   float64 `json:"score"`
	Issues  []Issue `json:"issues,omitempty"`
	Summary string  `json:"summary,omitempty"`
}

// Issue is one problem the critic found.
type Issue struct {
	RecordID int    `json:"recordId,omitempty"`
	Field    string `json:"field,omitempty"`
	Problem  string `json:"problem"`
}

// Critic reviews the current output and returns its raw verdict text.
type Critic func(ctx context.Context, output string) (string, error)

// Refiner produces a corrected output from the prior output, the critic's
// verdict, and the enriched records the output was assembled from.
type Refiner func(ctx context.Context, output string, review Review, enriched string) (string, error)

// Controller drives the loop.
type Controller struct {
	critic    Critic
	refiner   Refiner
	threshold float64
	maxIters  int
}

// Option configures a Controller.
type Option func(*Controller)

// WithThreshold overrides the acceptance threshold.
func WithThreshold(v float64) Option {
	return func(c *Controller) { c.threshold = v }
}

// WithMaxIterations overrides the refinement iteration budget.
func WithMaxIterations(n int) Option {
	return func(c *Controller) { c.maxIters = n }
}

// NewController builds a Controller with the default threshold and budget.
func NewController(critic Critic, refiner Refiner, opts ...Option) *Controller {
	c := &Controller{
		critic:    critic,
		refiner:   refiner,
		threshold: DefaultThreshold,
		maxIters:  DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Outcome describes a finished loop.
type Outcome struct {
	State      State    `json:"state"`
	Output     string   `json:"output"`
	Score      float64  `json:"score"`
	Iterations int      `json:"iterations"`
	Reviews    []Review `json:"reviews,omitempty"`
	Warning    string   `json:"warning,omitempty"`
}

// Run loops critique and refinement over output until the threshold is met
// or the budget runs out. Exhaustion is not an error: the last produced
// output comes back with a warning. Only context cancellation fails a run.
func (c *Controller) Run(ctx context.Context, output, enriched string) (*Outcome, error) {
	current := output
	var reviews []Review

	review := c.critique(ctx, current)
	reviews = append(reviews, review)
	if review.Score >= c.threshold {
		zap.L().Info("refine: accepted without refinement", zap.Float64("score", review.Score))
		return &Outcome{State: StateAccepted, Output: current, Score: review.Score, Reviews: reviews}, nil
	}

	for i := 1; i <= c.maxIters; i++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "refine: canceled")
		}
		zap.L().Debug("refine: refining",
			zap.Int("iteration", i),
			zap.Float64("score", review.Score),
			zap.Int("issues", len(review.Issues)),
		)

		refined, err := c.refiner(ctx, current, review, enriched)
		if err != nil {
			warning := fmt.Sprintf("refiner failed on iteration %d: %v", i, err)
			zap.L().Warn("refine: refiner failed, keeping prior output",
				zap.Int("iteration", i),
				zap.Error(err),
			)
			return &Outcome{
				State:      StateExhausted,
				Output:     current,
				Score:      review.Score,
				Iterations: i - 1,
				Reviews:    reviews,
				Warning:    warning,
			}, nil
		}
		current = refined

		review = c.critique(ctx, current)
		reviews = append(reviews, review)
		if review.Score >= c.threshold {
			zap.L().Info("refine: accepted",
				zap.Int("iterations", i),
				zap.Float64("score", review.Score),
			)
			return &Outcome{State: StateAccepted, Output: current, Score: review.Score, Iterations: i, Reviews: reviews}, nil
		}
	}

	warning := fmt.Sprintf("quality %.2f below threshold %.2f after %d refinement iterations",
		review.Score, c.threshold, c.maxIters)
	zap.L().Warn("refine: iteration budget exhausted, returning best effort",
		zap.Float64("score", review.Score),
		zap.Float64("threshold", c.threshold),
		zap.Int("iterations", c.maxIters),
	)
	return &Outcome{
		State:      StateExhausted,
		Output:     current,
		Score:      review.Score,
		Iterations: c.maxIters,
		Reviews:    reviews,
		Warning:    warning,
	}, nil
}

func (c *Controller) critique(ctx context.Context, output string) Review {
	raw, err := c.critic(ctx, output)
	if err != nil {
		zap.L().Warn("refine: critic failed, scoring 0.0 to force refinement", zap.Error(err))
		return Review{}
	}
	review, err := ParseReview(raw)
	if err != nil {
		zap.L().Warn("refine: critic verdict unparseable, scoring 0.0", zap.Error(err))
	}
	return review
}

var scorePattern = regexp.MustCompile(`(?i)\bscore\b[^0-9]*?(-?[0-9]+(?:\.[0-9]+)?)`)

// ParseReview extracts the critic's verdict. The primary path deserializes
// the structured review object; the fallback scans the raw text for a score
// field. If both fail, or the score falls outside [0, 1], the review comes
// back zero-scored with ErrScoreParse.
func ParseReview(raw string) (Review, error) {
	cleaned := stripFences(raw)

	var review Review
	if err := json.Unmarshal([]byte(cleaned), &review); err == nil {
		if review.Score >= 0 && review.Score <= 1 {
			return review, nil
		}
	}

	if m := scorePattern.FindStringSubmatch(cleaned); m != nil {
		score, err := strconv.ParseFloat(m[1], 64)
		if err == nil && score >= 0 && score <= 1 {
			return Review{Score: score}, nil
		}
	}

	return Review{}, eris.Wrapf(ErrScoreParse, "verdict %q", truncate(cleaned, 120))
}

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.LastIndex(trimmed, "```"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
