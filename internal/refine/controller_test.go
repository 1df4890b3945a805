package refine

import (
	"context"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedCritic(score float64, calls *int) Critic {
	return func(_ context.Context, _ string) (string, error) {
		*calls++
		return fmt.Sprintf(`{"score": %.2f}`, score), nil
	}
}

func countingRefiner(calls *int) Refiner {
	return func(_ context.Context, output string, _ Review, _ string) (string, error) {
		*calls++
		return output + "+", nil
	}
}

func TestRun_ExhaustsAfterConfiguredIterations(t *testing.T) {
	var criticCalls, refinerCalls int
	ctrl := NewController(fixedCritic(0.50, &criticCalls), countingRefiner(&refinerCalls))

	outcome, err := ctrl.Run(context.Background(), "v0", "[]")

	require.NoError(t, err, "exhaustion is a terminal state, not an error")
	assert.Equal(t, StateExhausted, outcome.State)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, 3, refinerCalls)
	assert.Equal(t, 4, criticCalls, "initial critique plus one per refinement")
	assert.Equal(t, "v0+++", outcome.Output)
	assert.InDelta(t, 0.50, outcome.Score, 1e-9)
	assert.NotEmpty(t, outcome.Warning)
}

func TestRun_AcceptsWithoutRefinement(t *testing.T) {
	var criticCalls, refinerCalls int
	ctrl := NewController(fixedCritic(0.92, &criticCalls), countingRefiner(&refinerCalls))

	outcome, err := ctrl.Run(context.Background(), "v0", "[]")

	require.NoError(t, err)
	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 0, outcome.Iterations)
	assert.Equal(t, 0, refinerCalls)
	assert.Equal(t, "v0", outcome.Output)
}

func TestRun_AcceptsAfterImprovement(t *testing.T) {
	scores := []float64{0.40, 0.90}
	var criticCalls int
	critic := func(_ context.Context, _ string) (string, error) {
		score := scores[criticCalls]
		criticCalls++
		return fmt.Sprintf(`{"score": %.2f, "issues": [{"recordId": 2, "problem": "missing jobTitle"}]}`, score), nil
	}

	var seen Review
	refiner := func(_ context.Context, _ string, review Review, _ string) (string, error) {
		seen = review
		return "v1", nil
	}

	outcome, err := NewController(critic, refiner).Run(context.Background(), "v0", "[]")

	require.NoError(t, err)
	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, "v1", outcome.Output)
	assert.InDelta(t, 0.90, outcome.Score, 1e-9)

	require.Len(t, seen.Issues, 1)
	assert.Equal(t, 2, seen.Issues[0].RecordID)
	assert.Equal(t, "missing jobTitle", seen.Issues[0].Problem)
}

func TestRun_UnparseableVerdictForcesRefinement(t *testing.T) {
	var refinerCalls int
	critic := func(_ context.Context, _ string) (string, error) {
		return "the output seems broadly reasonable", nil
	}

	outcome, err := NewController(critic, countingRefiner(&refinerCalls), WithMaxIterations(2)).
		Run(context.Background(), "v0", "[]")

	require.NoError(t, err)
	assert.Equal(t, StateExhausted, outcome.State)
	assert.Equal(t, 2, refinerCalls)
	assert.InDelta(t, 0.0, outcome.Score, 1e-9)
}

func TestRun_RefinerFailureKeepsPriorOutput(t *testing.T) {
	var criticCalls int
	refiner := func(_ context.Context, _ string, _ Review, _ string) (string, error) {
		return "", eris.New("model unavailable")
	}

	outcome, err := NewController(fixedCritic(0.30, &criticCalls), refiner).Run(context.Background(), "v0", "[]")

	require.NoError(t, err)
	assert.Equal(t, StateExhausted, outcome.State)
	assert.Equal(t, "v0", outcome.Output)
	assert.Equal(t, 0, outcome.Iterations)
	assert.Contains(t, outcome.Warning, "refiner failed")
}

func TestRun_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var criticCalls, refinerCalls int
	_, err := NewController(fixedCritic(0.10, &criticCalls), countingRefiner(&refinerCalls)).Run(ctx, "v0", "[]")

	assert.Error(t, err)
	assert.Equal(t, 0, refinerCalls)
}

func TestRun_ThresholdOverride(t *testing.T) {
	var criticCalls, refinerCalls int
	ctrl := NewController(fixedCritic(0.50, &criticCalls), countingRefiner(&refinerCalls), WithThreshold(0.50))

	outcome, err := ctrl.Run(context.Background(), "v0", "[]")

	require.NoError(t, err)
	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 0, refinerCalls)
}

func TestParseReview(t *testing.T) {
	t.Run("structured object", func(t *testing.T) {
		review, err := ParseReview(`{"score": 0.85, "issues": [{"problem": "duplicate id"}], "summary": "ok"}`)
		require.NoError(t, err)
		assert.InDelta(t, 0.85, review.Score, 1e-9)
		require.Len(t, review.Issues, 1)
		assert.Equal(t, "ok", review.Summary)
	})

	t.Run("fenced object", func(t *testing.T) {
		review, err := ParseReview("```json\n{\"score\": 0.70}\n```")
		require.NoError(t, err)
		assert.InDelta(t, 0.70, review.Score, 1e-9)
	})

	t.Run("raw text fallback", func(t *testing.T) {
		review, err := ParseReview("Overall the extraction looks solid. Score: 0.72 with minor issues.")
		require.NoError(t, err)
		assert.InDelta(t, 0.72, review.Score, 1e-9)
	})

	t.Run("garbage scores zero with error", func(t *testing.T) {
		review, err := ParseReview("no verdict here")
		assert.ErrorIs(t, err, ErrScoreParse)
		assert.InDelta(t, 0.0, review.Score, 1e-9)
	})

	t.Run("out of range score is rejected", func(t *testing.T) {
		_, err := ParseReview(`{"score": 85}`)
		assert.ErrorIs(t, err, ErrScoreParse)
	})

	t.Run("negative score is rejected on both paths", func(t *testing.T) {
		review, err := ParseReview(`{"score": -0.5}`)
		assert.ErrorIs(t, err, ErrScoreParse)
		assert.InDelta(t, 0.0, review.Score, 1e-9)

		_, err = ParseReview("Score: -1, the output contradicts the corpus throughout.")
		assert.ErrorIs(t, err, ErrScoreParse)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := ParseReview("")
		assert.ErrorIs(t, err, ErrScoreParse)
	})
}
