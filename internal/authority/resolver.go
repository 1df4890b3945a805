// Package authority ranks source documents and selects, per person, the
// single prevailing source. Ranking is deterministic: tier first, recency
// second, original input order as the stable tie-break.
package authority

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
)

// ErrUnknownSource is returned when a candidate references a document id
// that was never admitted as a SourceEntry. Fatal for that candidate's
// enrichment, never for the run.
var ErrUnknownSource = eris.New("authority: unknown source")

// Resolver annotates source entries with admission ranks and currency tags.
type Resolver struct {
	rules *registry.Rules
	now   time.Time // injectable for testing
}

// NewResolver creates a resolver against the given rule tables.
func NewResolver(rules *registry.Rules) *Resolver {
	return &Resolver{
		rules: rules,
		now:   time.Now(),
	}
}

// WithNow sets a fixed time for testing.
func (r *Resolver) WithNow(t time.Time) *Resolver {
	r.now = t
	return r
}

// Index holds ranked source entries with a by-id lookup.
type Index struct {
	Entries []model.SourceEntry // admission-rank order
	byID    map[string]model.SourceEntry
}

// Rank sorts entries by authority tier, then document date descending with
// undated entries after any dated entry of the same tier, then original
// input order. Each entry is annotated with its 1-based admission rank and
// a currency tag. The input slice is not modified.
func (r *Resolver) Rank(entries []model.SourceEntry) *Index {
	ranked := make([]model.SourceEntry, len(entries))
	copy(ranked, entries)
	for i := range ranked {
		if ranked[i].InputOrder == 0 {
			ranked[i].InputOrder = i + 1
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() < b.Tier.Rank()
		}
		switch {
		case a.Date != nil && b.Date != nil:
			if !a.Date.Equal(*b.Date) {
				return a.Date.After(*b.Date)
			}
		case a.Date != nil:
			return true
		case b.Date != nil:
			return false
		}
		return a.InputOrder < b.InputOrder
	})

	idx := &Index{
		Entries: ranked,
		byID:    make(map[string]model.SourceEntry, len(ranked)),
	}
	for i := range ranked {
		ranked[i].AdmissionRank = i + 1
		ranked[i].Currency = r.currencyTag(ranked[i])
		idx.byID[ranked[i].DocumentID] = ranked[i]
	}
	return idx
}

// currencyTag classifies a source's freshness. H2 documents go stale after
// 3 months, everything else after 6, both configurable per tier.
func (r *Resolver) currencyTag(entry model.SourceEntry) model.CurrencyTag {
	if entry.Date == nil {
		return model.CurrencyUndated
	}
	months, ok := r.rules.StalenessMonths[entry.Tier]
	if !ok {
		months = 6
	}
	if r.now.After(entry.Date.AddDate(0, months, 0)) {
		return model.CurrencyStale
	}
	return model.CurrencyCurrent
}

// ByID returns the ranked entry for a document id.
func (idx *Index) ByID(documentID string) (model.SourceEntry, bool) {
	e, ok := idx.byID[documentID]
	return e, ok
}

// Require returns the ranked entry for a document id or ErrUnknownSource.
func (idx *Index) Require(documentID string) (model.SourceEntry, error) {
	e, ok := idx.byID[documentID]
	if !ok {
		return model.SourceEntry{}, eris.Wrapf(ErrUnknownSource, "document %q", documentID)
	}
	return e, nil
}

// Prevailing picks the best-ranked source among the given document ids.
// Ties are already settled by admission rank, which encodes first-seen
// input order for identical tier and date. The remaining ids are returned
// in rank order for the stale-sources audit trail.
func (idx *Index) Prevailing(documentIDs []string) (model.SourceEntry, []model.SourceEntry, error) {
	if len(documentIDs) == 0 {
		return model.SourceEntry{}, nil, eris.Wrap(ErrUnknownSource, "no documents attested")
	}

	seen := make(map[string]bool, len(documentIDs))
	var attested []model.SourceEntry
	for _, id := range documentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		entry, err := idx.Require(id)
		if err != nil {
			return model.SourceEntry{}, nil, err
		}
		attested = append(attested, entry)
	}

	sort.Slice(attested, func(i, j int) bool {
		return attested[i].AdmissionRank < attested[j].AdmissionRank
	})

	return attested[0], attested[1:], nil
}
