package pipeline

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/reason"
	"github.com/sells-group/csm-cli/internal/scoring"
)

// unenrichedNote marks records that surface with roster attributes only
// because enrichment never reached them.
const unenrichedNote = "record not enriched downstream, emitted as discovered"

// assembled is the schema-exact output plus its bookkeeping.
type assembled struct {
	Records  []model.ExtractedRecord
	Output   string
	Eligible int
	Flagged  int
}

// assembleRecords builds the final output from the enriched array, walking
// the merged roster so every discovered identity surfaces even when
// enrichment dropped it. Eligible records come first, then documents in
// input order, pages ascending; ids are renumbered densely from 1.
func (p *Pipeline) assembleRecords(enrichedRaw, mergedRaw string) (*assembled, error) {
	var enriched []model.ScoredCandidate
	enrichedErr := decodeArray(enrichedRaw, &enriched)

	var roster []model.MergedCandidate
	rosterErr := decodeArray(mergedRaw, &roster)

	if enrichedErr != nil && rosterErr != nil {
		return nil, eris.Wrap(enrichedErr, "pipeline: no usable candidate array")
	}

	var candidates []model.ScoredCandidate
	if rosterErr == nil {
		byID := make(map[int]model.ScoredCandidate, len(enriched))
		for _, c := range enriched {
			byID[c.ID] = c
		}
		candidates = make([]model.ScoredCandidate, 0, len(roster))
		for _, mc := range roster {
			c, ok := byID[mc.ID]
			if !ok {
				zap.L().Warn("pipeline: identity missing from enrichment, emitting from roster",
					zap.Int("id", mc.ID),
					zap.String("last_name", mc.LastName),
				)
				c = model.ScoredCandidate{ClassifiedCandidate: model.ClassifiedCandidate{MergedCandidate: mc}}
			}
			candidates = append(candidates, c)
		}
	} else {
		candidates = enriched
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	}

	for i := range candidates {
		p.finalizeCandidate(&candidates[i])
	}

	// Eligible first; roster ids already encode document, page, reading
	// order, so the id tie-break keeps it.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].IsCSM != candidates[j].IsCSM {
			return candidates[i].IsCSM
		}
		return candidates[i].ID < candidates[j].ID
	})

	asm := &assembled{Records: make([]model.ExtractedRecord, 0, len(candidates))}
	for i, c := range candidates {
		if c.IsCSM {
			asm.Eligible++
		}
		if c.NeedsReview {
			asm.Flagged++
		}
		asm.Records = append(asm.Records, model.ExtractedRecord{
			ID:            i + 1,
			FirstName:     c.FirstName,
			MiddleName:    model.OptionalString(c.MiddleName),
			LastName:      c.LastName,
			PersonalTitle: model.OptionalString(c.PersonalTitle),
			JobTitle:      model.OptionalString(c.JobTitle),
			DocumentName:  c.DocumentID,
			PageNumber:    c.Page,
			Reason:        p.assembler.Render(reason.FromScored(c, p.cfg.Pipeline.ModeStamp, p.cfg.Pipeline.ScoringEnabled)),
			IsCSM:         c.IsCSM,
		})
	}

	data, err := json.Marshal(model.ExtractionOutput{Records: asm.Records})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal output")
	}
	asm.Output = string(data)
	return asm, nil
}

// finalizeCandidate enforces the verdict invariants before rendering: no
// governance basis means no eligibility, a diagnostic demotes, and the
// review flag is recomputed against the final eligibility and score.
func (p *Pipeline) finalizeCandidate(c *model.ScoredCandidate) {
	if c.GovernanceBasis == "" {
		c.IsCSM = false
		if !containsNote(c.QualityNotes, unenrichedNote) {
			c.QualityNotes = append(c.QualityNotes, unenrichedNote)
		}
	}
	if c.Diagnostic != "" {
		c.IsCSM = false
	}

	c.NeedsReview = c.IsCSM && c.Score < p.cfg.Pipeline.LowConfidenceThreshold
	if c.NeedsReview && !containsNote(c.QualityNotes, scoring.ReviewNote) {
		c.QualityNotes = append(c.QualityNotes, scoring.ReviewNote)
	}
}

func containsNote(notes []string, note string) bool {
	for _, n := range notes {
		if n == note {
			return true
		}
	}
	return false
}

// parseRefined validates a refiner rewrite before it replaces the
// assembled output. The rewrite must carry exactly the same number of
// records, each with a usable name; ordering and numbering are repaired
// rather than rejected.
func parseRefined(output string, want int) ([]model.ExtractedRecord, error) {
	cleaned := cleanStageJSON(output)

	var envelope model.ExtractionOutput
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil || envelope.Records == nil {
		if err := decodeArray(cleaned, &envelope.Records); err != nil {
			return nil, eris.New("pipeline: refined output not a record set")
		}
	}

	records := envelope.Records
	if len(records) != want {
		return nil, eris.Errorf("pipeline: refined output has %d records, want %d", len(records), want)
	}
	for _, r := range records {
		if strings.TrimSpace(r.LastName) == "" {
			return nil, eris.Errorf("pipeline: refined record %d has no last name", r.ID)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].IsCSM != records[j].IsCSM {
			return records[i].IsCSM
		}
		return records[i].ID < records[j].ID
	})
	for i := range records {
		records[i].ID = i + 1
	}
	return records, nil
}
