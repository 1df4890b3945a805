package pipeline

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
)

// cleanStageJSON strips markdown fences and surrounding prose from a stage
// response, slicing to the outermost JSON object or array.
func cleanStageJSON(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	closer := "}"
	if arr := strings.Index(cleaned, "["); arr != -1 && (start == -1 || arr < start) {
		start = arr
		closer = "]"
	}
	if start == -1 {
		return cleaned
	}
	if end := strings.LastIndex(cleaned, closer); end > start {
		cleaned = cleaned[start : end+1]
	}
	return cleaned
}

// decodeArray unmarshals a stage payload into out, accepting either a bare
// JSON array or a single-field envelope around one.
func decodeArray(raw string, out any) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return eris.New("pipeline: empty stage payload")
	}
	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return eris.New("pipeline: not a JSON array")
	}
	var arrays []json.RawMessage
	for _, v := range envelope {
		if strings.HasPrefix(strings.TrimSpace(string(v)), "[") {
			arrays = append(arrays, v)
		}
	}
	if len(arrays) != 1 {
		return eris.Errorf("pipeline: expected one array field, found %d", len(arrays))
	}
	if err := json.Unmarshal(arrays[0], out); err != nil {
		return eris.Wrap(err, "pipeline: decode array field")
	}
	return nil
}

// countRecords reports the array length of a stage payload, zero when the
// payload is absent or unreadable. Metadata only, never a failure.
func countRecords(raw string) int {
	var records []json.RawMessage
	if err := decodeArray(raw, &records); err != nil {
		return 0
	}
	return len(records)
}

// parseSourceEntries decodes a source manifest or ranked source array.
func parseSourceEntries(raw string) ([]model.SourceEntry, error) {
	var entries []model.SourceEntry
	if err := decodeArray(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseRawCandidates decodes discovery or normalization output. Entries
// with no usable name are dropped; a mention carrying only one name
// component is kept as a mononym under the last name.
func parseRawCandidates(raw string) ([]model.RawCandidate, error) {
	var cands []model.RawCandidate
	if err := decodeArray(raw, &cands); err != nil {
		return nil, err
	}

	out := make([]model.RawCandidate, 0, len(cands))
	for _, c := range cands {
		c.FirstName = strings.TrimSpace(c.FirstName)
		c.MiddleName = strings.TrimSpace(c.MiddleName)
		c.LastName = strings.TrimSpace(c.LastName)
		c.PersonalTitle = strings.TrimSpace(c.PersonalTitle)
		c.JobTitle = strings.TrimSpace(c.JobTitle)
		c.DocumentID = strings.TrimSpace(c.DocumentID)

		if c.FirstName == "" && c.LastName == "" {
			continue
		}
		if c.LastName == "" {
			c.LastName = c.FirstName
			c.FirstName = ""
		}
		if c.Page < 1 {
			c.Page = 1
		}
		c.Temporal = normalizeTemporal(c.Temporal)
		c.Signatory = normalizeSignatory(c.Signatory)
		out = append(out, c)
	}
	return out, nil
}

func normalizeTemporal(t model.TemporalStatus) model.TemporalStatus {
	switch model.TemporalStatus(strings.ToLower(strings.TrimSpace(string(t)))) {
	case model.TemporalCurrent:
		return model.TemporalCurrent
	case model.TemporalFormer:
		return model.TemporalFormer
	default:
		return model.TemporalUnknown
	}
}

func normalizeSignatory(s model.SignatoryType) model.SignatoryType {
	switch model.SignatoryType(strings.ToLower(strings.TrimSpace(string(s)))) {
	case model.SignatorySole:
		return model.SignatorySole
	case model.SignatoryJoint:
		return model.SignatoryJoint
	case model.SignatoryNone:
		return model.SignatoryNone
	default:
		return model.SignatoryUnknown
	}
}

// documentOrder maps document ids to their original input order.
func documentOrder(entries []model.SourceEntry) map[string]int {
	order := make(map[string]int, len(entries))
	for _, e := range entries {
		order[e.DocumentID] = e.InputOrder
	}
	return order
}

// assignIdentifiers numbers candidates densely from 1 in document, page,
// reading order. Mentions of unknown documents sort after known ones; the
// stable sort preserves reading order within a page.
func assignIdentifiers(cands []model.RawCandidate, order map[string]int) {
	sort.SliceStable(cands, func(i, j int) bool {
		oi, oj := docRank(order, cands[i].DocumentID), docRank(order, cands[j].DocumentID)
		if oi != oj {
			return oi < oj
		}
		return cands[i].Page < cands[j].Page
	})
	for i := range cands {
		cands[i].ID = i + 1
	}
}

func docRank(order map[string]int, documentID string) int {
	if o, ok := order[documentID]; ok {
		return o
	}
	return 1 << 30
}

// stageVerdict is the classification stage's per-candidate verdict.
type stageVerdict struct {
	ID              int      `json:"id"`
	IsCSM           *bool    `json:"is_csm"`
	GovernanceBasis string   `json:"governance_basis"`
	Signals         []string `json:"signals"`
	Scope           string   `json:"scope"`
}

// decorateVerdicts joins classification verdicts to the merged roster and
// derives the evidence signals and tag block the scorer and the reason
// assembler consume. Verdicts for unknown candidate ids are dropped; a
// verdict without a governance basis demotes the candidate to ineligible.
func decorateVerdicts(raw, mergedRaw string, rules *registry.Rules) (string, error) {
	var verdicts []stageVerdict
	if err := decodeArray(raw, &verdicts); err != nil {
		return "", err
	}
	var merged []model.MergedCandidate
	if err := decodeArray(mergedRaw, &merged); err != nil {
		return "", err
	}
	byID := make(map[int]model.MergedCandidate, len(merged))
	for _, mc := range merged {
		byID[mc.ID] = mc
	}

	out := make([]map[string]any, 0, len(verdicts))
	for _, v := range verdicts {
		mc, ok := byID[v.ID]
		if !ok {
			zap.L().Warn("pipeline: verdict for unknown candidate dropped", zap.Int("id", v.ID))
			continue
		}

		eligible := v.IsCSM != nil && *v.IsCSM
		basis := strings.TrimSpace(v.GovernanceBasis)
		if basis == "" {
			eligible = false
			basis = "no governance basis returned for the verdict"
		}
		if mc.Diagnostic != "" {
			eligible = false
		}

		profile, hasProfile := rules.Country(mc.Prevailing.Jurisdiction)

		signals := make([]string, 0, len(v.Signals))
		for _, sig := range v.Signals {
			sig = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(sig)), " ", "_")
			if sig == "" {
				continue
			}
			// Where the supervisory board is itself a governing body, a
			// supervisory seat is not a demotion signal.
			if sig == "supervisory_only" && hasProfile && profile.SupervisoryEligible {
				continue
			}
			signals = append(signals, sig)
		}
		signals = ensureEvidenceSignals(signals, mc)

		rec := map[string]any{
			"id":               v.ID,
			"is_csm":           eligible,
			"governance_basis": basis,
			"signals":          signals,
			"tags": model.TagSet{
				Tier:     mc.Prevailing.Tier,
				Recency:  mc.Prevailing.Currency,
				Conflict: mc.Conflict,
				Scope:    strings.TrimSpace(v.Scope),
				Currency: mc.Temporal,
			},
		}
		if gaps := attributeGaps(mc); len(gaps) > 0 {
			rec["attribute_gaps"] = gaps
		}
		// The prevailing jurisdiction's delta lands here so the scorer sees
		// it even when the override stage degrades.
		if hasProfile && profile.OverrideDelta != 0 {
			rec["override_delta"] = profile.OverrideDelta
		}
		out = append(out, rec)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal verdicts")
	}
	return string(data), nil
}

// ensureEvidenceSignals adds the signals the merged roster already proves,
// so scoring does not depend on the reading stage echoing them back.
func ensureEvidenceSignals(signals []string, mc model.MergedCandidate) []string {
	seen := make(map[string]bool, len(signals))
	out := make([]string, 0, len(signals)+4)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, sig := range signals {
		add(sig)
	}
	switch mc.Prevailing.Currency {
	case model.CurrencyStale:
		add("stale_source")
	case model.CurrencyUndated:
		add("undated_source")
	}
	if len(mc.StaleSources) > 0 {
		add("multi_source")
	}
	if mc.FirstName == "" {
		add("name_incomplete")
	}
	switch mc.Signatory {
	case model.SignatorySole:
		add("sole_signatory")
	case model.SignatoryJoint:
		add("joint_signatory")
	}
	if mc.Temporal == model.TemporalFormer {
		add("former_role")
	}
	if mc.Prevailing.Tier == model.TierH1 {
		add("registry_confirmed")
	}
	return out
}

// attributeGaps lists output-schema fields the merged roster could not
// fill, named as they appear in the output schema.
func attributeGaps(mc model.MergedCandidate) []string {
	var gaps []string
	if mc.FirstName == "" {
		gaps = append(gaps, "firstName")
	}
	if mc.JobTitle == "" {
		gaps = append(gaps, "jobTitle")
	}
	return gaps
}

// stageOverride is the jurisdiction stage's per-candidate adjustment.
type stageOverride struct {
	ID      int    `json:"id"`
	Country string `json:"country_override"`
	Note    string `json:"override_note"`
	IsCSM   *bool  `json:"is_csm"`
}

// decorateOverrides resolves the reported country codes against the
// profile table. The eligibility flag passes through only when the stage
// flipped it; absent fields keep base values at the merge.
func decorateOverrides(raw string, rules *registry.Rules) (string, error) {
	var overrides []stageOverride
	if err := decodeArray(raw, &overrides); err != nil {
		return "", err
	}

	out := make([]map[string]any, 0, len(overrides))
	for _, o := range overrides {
		code := strings.ToUpper(strings.TrimSpace(o.Country))
		if o.ID <= 0 || code == "" {
			continue
		}
		rec := map[string]any{
			"id":               o.ID,
			"country_override": code,
		}
		note := strings.TrimSpace(o.Note)
		if profile, ok := rules.Country(code); ok {
			if profile.OverrideDelta != 0 {
				rec["override_delta"] = profile.OverrideDelta
			}
			if note == "" {
				note = profile.Note
			}
		}
		if note != "" {
			rec["override_note"] = note
		}
		if o.IsCSM != nil {
			rec["is_csm"] = *o.IsCSM
		}
		out = append(out, rec)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal overrides")
	}
	return string(data), nil
}

// decorateTitles keeps usable title rows and drops the rest.
func decorateTitles(raw string) (string, error) {
	var titles []struct {
		ID            int    `json:"id"`
		JobTitle      string `json:"job_title"`
		PersonalTitle string `json:"personal_title"`
	}
	if err := decodeArray(raw, &titles); err != nil {
		return "", err
	}

	out := make([]map[string]any, 0, len(titles))
	for _, t := range titles {
		job := strings.TrimSpace(t.JobTitle)
		personal := strings.TrimSpace(t.PersonalTitle)
		if t.ID <= 0 || (job == "" && personal == "") {
			continue
		}
		rec := map[string]any{"id": t.ID}
		if job != "" {
			rec["job_title"] = job
		}
		if personal != "" {
			rec["personal_title"] = personal
		}
		out = append(out, rec)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal titles")
	}
	return string(data), nil
}
