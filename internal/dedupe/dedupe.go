// Package dedupe collapses raw candidates that denote the same real person
// into one merged identity and attaches the prevailing source. Matching is
// ordered: exact key, ASCII-folded key, then probable match with a
// corroboration requirement. Candidates are never merged on name alone when
// structurally conflicting role evidence is present.
package dedupe

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/authority"
	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
)

// Engine merges raw candidates into identities.
type Engine struct {
	rules *registry.Rules
}

// NewEngine creates a dedup engine against the given rule tables.
func NewEngine(rules *registry.Rules) *Engine {
	return &Engine{rules: rules}
}

// Result is the outcome of one deduplication pass.
type Result struct {
	Candidates []model.MergedCandidate
	Stats      model.MergeStats
}

// group collects occurrences attributed to one person, in arrival order.
type group struct {
	occurrences []model.RawCandidate
	unresolved  bool // forced by a structural conflict with a near-match
}

// Dedupe collapses candidates into merged identities. Identities are
// renumbered densely from 1, preserving original document, page, reading
// order. A candidate referencing an unknown source is kept as its own
// identity with a diagnostic instead of being dropped.
func (e *Engine) Dedupe(cands []model.RawCandidate, idx *authority.Index) *Result {
	ordered := make([]model.RawCandidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	stats := model.MergeStats{Before: len(ordered)}

	byExact := make(map[string]*group)
	byFold := make(map[string]*group)
	var groups []*group

	for _, c := range ordered {
		exactKey := c.DedupKey()
		fKey := foldKey(c)

		if g, ok := byExact[exactKey]; ok {
			e.absorb(g, c, &stats)
			stats.ExactMerges++
			continue
		}
		if g, ok := byFold[fKey]; ok {
			e.absorb(g, c, &stats)
			stats.FoldMerges++
			byExact[exactKey] = g
			continue
		}
		if g, conflicted := e.probableMatch(groups, c); g != nil {
			e.absorb(g, c, &stats)
			stats.ProbableMerges++
			byExact[exactKey] = g
			byFold[fKey] = g
			continue
		} else if conflicted != nil {
			conflicted.unresolved = true
			ng := &group{occurrences: []model.RawCandidate{c}, unresolved: true}
			groups = append(groups, ng)
			byExact[exactKey] = ng
			byFold[fKey] = ng
			continue
		}

		ng := &group{occurrences: []model.RawCandidate{c}}
		groups = append(groups, ng)
		byExact[exactKey] = ng
		byFold[fKey] = ng
	}

	identities := e.consolidate(groups, &stats)

	result := &Result{Candidates: make([]model.MergedCandidate, 0, len(identities))}
	for _, g := range identities {
		result.Candidates = append(result.Candidates, e.finalize(g, idx))
	}
	for i := range result.Candidates {
		result.Candidates[i].ID = i + 1
	}

	stats.After = len(result.Candidates)
	stats.DuplicatesRemoved = stats.Before - stats.After
	result.Stats = stats

	zap.L().Info("dedupe: merged candidates",
		zap.Int("before", stats.Before),
		zap.Int("after", stats.After),
		zap.Int("exact", stats.ExactMerges),
		zap.Int("fold", stats.FoldMerges),
		zap.Int("probable", stats.ProbableMerges),
		zap.Int("overlap", stats.OverlapDuplicates),
	)

	return result
}

// consolidate collapses same-person groups across documents on an exact
// folded full-name match. This is where prevailing-source selection gets
// more than one document to choose from; weaker name evidence never merges
// across documents.
func (e *Engine) consolidate(groups []*group, stats *model.MergeStats) []*group {
	byName := make(map[string]*group)
	var identities []*group

	for _, g := range groups {
		key := identityKey(g)
		// Conflict-tagged groups stay atomic: their disagreement is already
		// deemed unresolvable, so they neither join nor receive merges.
		if key == "" || g.unresolved {
			identities = append(identities, g)
			continue
		}
		if prev, ok := byName[key]; ok {
			prev.occurrences = append(prev.occurrences, g.occurrences...)
			prev.unresolved = prev.unresolved || g.unresolved
			stats.CrossDocMerges++
			continue
		}
		byName[key] = g
		identities = append(identities, g)
	}
	return identities
}

// identityKey is the folded full-name key used for cross-document
// consolidation, or "" when the group lacks a complete name.
func identityKey(g *group) string {
	for _, o := range g.occurrences {
		if o.FirstName != "" && o.LastName != "" {
			return foldLower(o.FirstName) + "|" + foldLower(o.LastName)
		}
	}
	return ""
}

// absorb adds an occurrence to a group, counting overlap-zone duplicates
// when the occurrence arrived from a different discovery chunk.
func (e *Engine) absorb(g *group, c model.RawCandidate, stats *model.MergeStats) {
	if c.Chunk != 0 && g.occurrences[0].Chunk != 0 && c.Chunk != g.occurrences[0].Chunk {
		stats.OverlapDuplicates++
	}
	g.occurrences = append(g.occurrences, c)
}

// probableMatch looks for a same-document group sharing last name and first
// initial. Merging requires a corroborating signal: an identical role hint,
// or co-occurrence on the same page. A near-match on a different page with
// contradictory role evidence is returned as conflicted instead; the caller
// keeps both identities separate and tags them.
func (e *Engine) probableMatch(groups []*group, c model.RawCandidate) (match *group, conflicted *group) {
	if c.FirstName == "" || c.LastName == "" {
		return nil, nil
	}
	cLast := foldLower(c.LastName)
	cInitial := firstInitial(c.FirstName)
	cRole := roleToken(c)

	for _, g := range groups {
		for _, occ := range g.occurrences {
			if occ.DocumentID != c.DocumentID {
				continue
			}
			if occ.FirstName == "" || foldLower(occ.LastName) != cLast || firstInitial(occ.FirstName) != cInitial {
				continue
			}

			occRole := roleToken(occ)
			if cRole != "" && cRole == occRole {
				return g, nil
			}
			if occ.Page == c.Page {
				return g, nil
			}
			if cRole != "" && occRole != "" && cRole != occRole {
				return nil, g
			}
		}
	}
	return nil, nil
}

// roleToken normalizes role evidence for comparison.
func roleToken(c model.RawCandidate) string {
	if c.JobTitle != "" {
		return strings.ToLower(strings.TrimSpace(c.JobTitle))
	}
	return strings.ToLower(strings.TrimSpace(c.RoleHint))
}

// finalize resolves a group into one merged identity. The surviving
// occurrence comes from the prevailing source; gaps are filled from other
// occurrences in authority order.
func (e *Engine) finalize(g *group, idx *authority.Index) model.MergedCandidate {
	occ := g.occurrences

	var known, unknown []string
	seen := make(map[string]bool)
	for _, o := range occ {
		if seen[o.DocumentID] {
			continue
		}
		seen[o.DocumentID] = true
		if _, ok := idx.ByID(o.DocumentID); ok {
			known = append(known, o.DocumentID)
		} else {
			unknown = append(unknown, o.DocumentID)
		}
	}
	if len(unknown) > 0 && len(known) > 0 {
		zap.L().Debug("dedupe: ignoring unknown sources for prevailing selection",
			zap.Strings("documents", unknown))
	}

	prevailing, rest, err := idx.Prevailing(known)
	if err != nil {
		surv := occ[0]
		mc := model.MergedCandidate{
			RawCandidate: surv,
			DedupKey:     foldKey(surv),
			Conflict:     model.ConflictClear,
			Diagnostic:   fmt.Sprintf("source %q not among classified documents", surv.DocumentID),
		}
		if g.unresolved {
			mc.Conflict = model.ConflictUnresolved
		}
		mc.AlsoSeen = alsoSeen(occ, surv)
		zap.L().Warn("dedupe: candidate references unknown source",
			zap.String("document", surv.DocumentID),
			zap.String("last_name", surv.LastName),
		)
		return mc
	}

	surv := occ[0]
	for _, o := range occ {
		if o.DocumentID == prevailing.DocumentID {
			surv = o
			break
		}
	}

	// Authority order for gap filling: prevailing occurrence first, then by
	// source rank, then arrival.
	backups := make([]model.RawCandidate, 0, len(occ))
	for _, o := range occ {
		if o.ID != surv.ID {
			backups = append(backups, o)
		}
	}
	sort.SliceStable(backups, func(i, j int) bool {
		ri, rj := rankOf(idx, backups[i].DocumentID), rankOf(idx, backups[j].DocumentID)
		if ri != rj {
			return ri < rj
		}
		return backups[i].ID < backups[j].ID
	})

	merged := surv
	for _, b := range backups {
		if merged.FirstName == "" {
			merged.FirstName = b.FirstName
		}
		if merged.MiddleName == "" {
			merged.MiddleName = b.MiddleName
		}
		if merged.PersonalTitle == "" {
			merged.PersonalTitle = b.PersonalTitle
		}
		if merged.Temporal == model.TemporalUnknown || merged.Temporal == "" {
			if b.Temporal != model.TemporalUnknown && b.Temporal != "" {
				merged.Temporal = b.Temporal
			}
		}
		if merged.Signatory == model.SignatoryUnknown || merged.Signatory == "" {
			if b.Signatory != model.SignatoryUnknown && b.Signatory != "" {
				merged.Signatory = b.Signatory
			}
		}
	}
	if merged.JobTitle == "" {
		merged.JobTitle = e.bestTitle(backups)
	}

	mc := model.MergedCandidate{
		RawCandidate: merged,
		DedupKey:     foldKey(surv),
		Prevailing:   prevailing,
		AlsoSeen:     alsoSeen(occ, surv),
		Conflict:     e.conflictTag(g, surv),
	}
	for _, r := range rest {
		mc.StaleSources = append(mc.StaleSources, r.DocumentID)
	}
	return mc
}

// bestTitle picks the strongest governance title among occurrences using
// the precedence table.
func (e *Engine) bestTitle(occ []model.RawCandidate) string {
	best := ""
	bestRank := -1
	for _, o := range occ {
		if o.JobTitle == "" {
			continue
		}
		r := e.rules.TitleRank(o.JobTitle)
		if bestRank == -1 || r < bestRank {
			best = o.JobTitle
			bestRank = r
		}
	}
	return best
}

// conflictTag computes how role disagreements across the group settled:
// clear when all occurrences agree, resolved when the prevailing source's
// evidence takes precedence, unresolved otherwise.
func (e *Engine) conflictTag(g *group, surv model.RawCandidate) model.ConflictTag {
	if g.unresolved {
		return model.ConflictUnresolved
	}

	distinct := make(map[string]bool)
	for _, o := range g.occurrences {
		if tok := roleToken(o); tok != "" {
			distinct[tok] = true
		}
	}
	if len(distinct) <= 1 {
		return model.ConflictClear
	}
	if roleToken(surv) != "" {
		return model.ConflictResolved
	}
	return model.ConflictUnresolved
}

func rankOf(idx *authority.Index, documentID string) int {
	if e, ok := idx.ByID(documentID); ok {
		return e.AdmissionRank
	}
	return 1 << 30
}

func alsoSeen(occ []model.RawCandidate, surv model.RawCandidate) []model.SourceRef {
	var refs []model.SourceRef
	for _, o := range occ {
		if o.ID == surv.ID {
			continue
		}
		refs = append(refs, model.SourceRef{DocumentID: o.DocumentID, Page: o.Page, JobTitle: o.JobTitle})
	}
	return refs
}
