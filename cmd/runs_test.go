package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/resilience"
)

func TestComputeRunStats(t *testing.T) {
	now := time.Now()
	runs := []model.ExtractionRun{
		{
			Status:    model.RunStatusComplete,
			CreatedAt: now.Add(-90 * time.Second),
			UpdatedAt: now,
			Result: &model.RunResult{
				Records:       make([]model.ExtractedRecord, 5),
				ReviewFlagged: 1,
				TotalTokens:   12000,
				TotalCost:     0.75,
			},
		},
		{Status: model.RunStatusFailed, CreatedAt: now, UpdatedAt: now},
		{Status: model.RunStatusRefining, CreatedAt: now, UpdatedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Complete)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, 5, s.Records)
	assert.Equal(t, 1, s.Flagged)
	assert.Equal(t, 12000, s.Tokens)
	assert.InDelta(t, 0.75, s.CostUSD, 0.001)
	assert.InDelta(t, 90.0, s.AvgDurSecs, 0.1)
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 0.0, s.AvgDurSecs)
}

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	runs := []model.ExtractionRun{
		{
			ID:        "abcdef12-3456-7890-abcd-ef1234567890",
			Entity:    "Acme Holding GmbH",
			Status:    model.RunStatusComplete,
			CreatedAt: now,
			UpdatedAt: now.Add(45 * time.Second),
			Result:    &model.RunResult{Records: make([]model.ExtractedRecord, 3)},
		},
		{
			ID:        "11111111-2222-3333-4444-555555555555",
			Entity:    "An Entity Name That Is Far Too Long To Display",
			Status:    model.RunStatusFailed,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "abcdef12")
	assert.NotContains(t, out, "abcdef12-3456")
	assert.Contains(t, out, "Acme Holding GmbH")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "45s")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{
		Total:      10,
		Complete:   7,
		Failed:     2,
		InFlight:   1,
		Records:    42,
		Flagged:    3,
		Tokens:     90000,
		CostUSD:    1.25,
		AvgDurSecs: 62.5,
	})
	out := buf.String()

	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "10")
	assert.Contains(t, out, "$1.25")
	assert.Contains(t, out, "62.5s")
}

func TestFormatDLQ(t *testing.T) {
	next := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	entries := []resilience.DLQEntry{
		{
			ID:          "deadbeef-0000-1111-2222-333333333333",
			Entity:      "Acme Holding GmbH",
			ErrorType:   "transient",
			FailedStage: "classification",
			RetryCount:  1,
			MaxRetries:  3,
			NextRetryAt: next,
		},
		{
			ID:          "cafebabe-0000-1111-2222-333333333333",
			Entity:      "Other GmbH",
			ErrorType:   "permanent",
			NextRetryAt: next,
		},
	}

	var buf bytes.Buffer
	formatDLQ(&buf, entries)
	out := buf.String()

	assert.Contains(t, out, "deadbeef")
	assert.Contains(t, out, "transient")
	assert.Contains(t, out, "classification")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "2026-08-25 12:30")
	// Entries without a failed stage render a dash.
	assert.Contains(t, out, "-")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdef12", truncateID("abcdef12-3456-7890"))
	assert.Equal(t, "short", truncateID("short"))
}
