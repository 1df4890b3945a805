package main

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/corpus"
	"github.com/sells-group/csm-cli/internal/fetcher"
	"github.com/sells-group/csm-cli/internal/model"
)

var (
	importXLSX string
	importDir  string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a document set from an analyst workbook",
	Long:  "Reads an XLSX manifest (columns: entity, file, type, date, jurisdiction), loads the listed document text files, and stores the document set for later extraction.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		rows, err := fetcher.ReadWorkbook(importXLSX, fetcher.WorkbookOptions{SkipRows: 1})
		if err != nil {
			return eris.Wrap(err, "read manifest workbook")
		}

		set, err := corpus.LoadDir(importDir)
		if err != nil {
			return err
		}

		applied := applyManifestRows(set, rows)

		if err := st.SaveDocumentSet(ctx, set); err != nil {
			return eris.Wrap(err, "save document set")
		}

		zap.L().Info("import complete",
			zap.String("entity", set.Entity),
			zap.Int("documents", len(set.Documents)),
			zap.Int("manifest_rows_applied", applied),
		)
		return nil
	},
}

// applyManifestRows overlays workbook metadata onto a loaded document set.
// Columns: entity, file, type, date (2006-01-02), jurisdiction. Rows naming
// files absent from the set are skipped. Returns the number of rows applied.
func applyManifestRows(set *model.DocumentSet, rows [][]string) int {
	byID := make(map[string]*model.Document, len(set.Documents))
	for i := range set.Documents {
		byID[set.Documents[i].ID] = &set.Documents[i]
	}

	applied := 0
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		if e := strings.TrimSpace(row[0]); e != "" {
			set.Entity = e
		}
		id := strings.TrimSuffix(strings.TrimSpace(row[1]), ".txt")
		doc, ok := byID[id]
		if !ok {
			zap.L().Warn("manifest row names unknown document", zap.String("file", row[1]))
			continue
		}
		if len(row) > 2 && strings.TrimSpace(row[2]) != "" {
			doc.Type = strings.TrimSpace(row[2])
		}
		if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
			parsed, err := time.Parse("2006-01-02", strings.TrimSpace(row[3]))
			if err != nil {
				zap.L().Warn("unparseable manifest date",
					zap.String("file", row[1]),
					zap.String("date", row[3]))
			} else {
				doc.Date = &parsed
			}
		}
		if len(row) > 4 && strings.TrimSpace(row[4]) != "" {
			doc.Jurisdiction = strings.TrimSpace(row[4])
		}
		applied++
	}
	return applied
}

func init() {
	importCmd.Flags().StringVar(&importXLSX, "xlsx", "", "path to XLSX manifest (required)")
	importCmd.Flags().StringVar(&importDir, "dir", "", "directory of document text files (required)")
	_ = importCmd.MarkFlagRequired("xlsx")
	_ = importCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(importCmd)
}
