package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/corpus"
	"github.com/sells-group/csm-cli/internal/fetcher"
	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/scoring"
	"github.com/sells-group/csm-cli/pkg/notion"
)

var (
	runDir         string
	runPacket      string
	runOut         string
	runPushReviews bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run extraction for one document corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if runDir == "" && runPacket == "" {
			return eris.New("either --dir or --packet is required")
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		dir := runDir
		if runPacket != "" {
			tmp, err := os.MkdirTemp("", "csm-packet-*")
			if err != nil {
				return eris.Wrap(err, "create packet dir")
			}
			defer os.RemoveAll(tmp) //nolint:errcheck
			files, err := fetcher.UnpackPacket(runPacket, tmp)
			if err != nil {
				return eris.Wrap(err, "extract packet")
			}
			zap.L().Info("packet extracted",
				zap.String("packet", runPacket),
				zap.Int("files", len(files)),
			)
			dir = tmp
		}

		set, err := corpus.LoadDir(dir)
		if err != nil {
			return err
		}

		if err := env.Store.SaveDocumentSet(ctx, set); err != nil {
			zap.L().Warn("document set not persisted", zap.Error(err))
		}

		result, err := env.Pipeline.Run(ctx, set)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("extraction complete",
			zap.String("entity", set.Entity),
			zap.Int("records", len(result.Records)),
			zap.Int("review_flagged", result.ReviewFlagged),
			zap.Int("total_tokens", result.TotalTokens),
		)

		if runPushReviews && result.ReviewFlagged > 0 {
			pushReviewQueue(cmd, set.Entity, result)
		}

		out := os.Stdout
		if runOut != "" {
			f, err := os.Create(runOut)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(model.ExtractionOutput{Records: result.Records})
	},
}

// pushReviewQueue sends review-flagged records to the configured Notion
// database. Failures are logged, never fatal to the run.
func pushReviewQueue(cmd *cobra.Command, entity string, result *model.RunResult) {
	if cfg.Notion.Token == "" || cfg.Notion.ReviewDBID == "" {
		zap.L().Warn("notion not configured, skipping review push")
		return
	}

	entries := reviewEntries(entity, result)
	if len(entries) == 0 {
		return
	}

	nc := notion.NewClient(cfg.Notion.Token)
	created, err := notion.PushReviews(cmd.Context(), nc, cfg.Notion.ReviewDBID, entries)
	if err != nil {
		zap.L().Error("review push incomplete",
			zap.Int("created", created),
			zap.Int("total", len(entries)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("review queue updated", zap.Int("created", created))
}

// reviewEntries builds Notion review entries from the records whose reason
// carries the low-confidence note.
func reviewEntries(entity string, result *model.RunResult) []notion.ReviewEntry {
	var entries []notion.ReviewEntry
	for _, rec := range result.Records {
		if !strings.Contains(rec.Reason, scoring.ReviewNote) {
			continue
		}
		entries = append(entries, notion.ReviewEntry{
			Name:     strings.TrimSpace(fmt.Sprintf("%s %s", rec.FirstName, rec.LastName)),
			Entity:   entity,
			RunID:    result.RunID,
			Document: rec.DocumentName,
			Page:     rec.PageNumber,
			Score:    scoreFromReason(rec.Reason),
			Reason:   rec.Reason,
		})
	}
	return entries
}

// scoreFromReason recovers the 2-decimal score from the reason's
// "[score N.NN]" suffix. Returns 0 when the suffix is absent.
func scoreFromReason(reason string) float64 {
	const marker = "[score "
	idx := strings.LastIndex(reason, marker)
	if idx < 0 {
		return 0
	}
	rest := reason[idx+len(marker):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0
	}
	score, err := strconv.ParseFloat(rest[:end], 64)
	if err != nil {
		return 0
	}
	return score
}

func init() {
	runCmd.Flags().StringVar(&runDir, "dir", "", "directory of document text files")
	runCmd.Flags().StringVar(&runPacket, "packet", "", "zip packet of document text files")
	runCmd.Flags().StringVar(&runOut, "out", "", "write output JSON to file instead of stdout")
	runCmd.Flags().BoolVar(&runPushReviews, "push-reviews", false, "push review-flagged records to Notion")
	rootCmd.AddCommand(runCmd)
}
