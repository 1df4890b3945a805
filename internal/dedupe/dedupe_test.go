package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/csm-cli/internal/authority"
	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func rankedIndex(entries ...model.SourceEntry) *authority.Index {
	r := authority.NewResolver(registry.DefaultRules()).
		WithNow(time.Date(2024, 9, 15, 0, 0, 0, 0, time.UTC))
	return r.Rank(entries)
}

func registryIndex() *authority.Index {
	return rankedIndex(model.SourceEntry{
		DocumentID: "Registry.pdf", DocumentType: "registry_extract",
		Tier: model.TierH1, Date: date("2024-06-01"), InputOrder: 1,
	})
}

func TestDedupe_FoldedVariantsMerge(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Max", LastName: "Müller", DocumentID: "Registry.pdf", Page: 2},
		{ID: 2, FirstName: "Max", LastName: "Mueller", DocumentID: "Registry.pdf", Page: 2},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 1)
	merged := result.Candidates[0]
	assert.Equal(t, "max|mueller|Registry.pdf|2", merged.DedupKey)
	assert.Equal(t, "Müller", merged.LastName, "surviving attributes come from the first occurrence")
	assert.Equal(t, 1, result.Stats.FoldMerges)
	assert.Equal(t, 1, result.Stats.DuplicatesRemoved)
}

func TestDedupe_ExactKeyMerges(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Anna", LastName: "Schmidt", JobTitle: "Managing Director", DocumentID: "Registry.pdf", Page: 1},
		{ID: 2, FirstName: "anna", LastName: "SCHMIDT", DocumentID: "Registry.pdf", Page: 1},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, 1, result.Stats.ExactMerges)
	assert.Equal(t, "Managing Director", result.Candidates[0].JobTitle)
	require.Len(t, result.Candidates[0].AlsoSeen, 1)
}

func TestDedupe_ProbableMatchNeedsCorroboration(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())

	t.Run("identical role hint corroborates", func(t *testing.T) {
		cands := []model.RawCandidate{
			{ID: 1, FirstName: "Johann", LastName: "Weber", RoleHint: "managing director", DocumentID: "Registry.pdf", Page: 1},
			{ID: 2, FirstName: "J.", LastName: "Weber", RoleHint: "managing director", DocumentID: "Registry.pdf", Page: 4},
		}

		result := engine.Dedupe(cands, registryIndex())

		require.Len(t, result.Candidates, 1)
		assert.Equal(t, 1, result.Stats.ProbableMerges)
	})

	t.Run("same page co-occurrence corroborates", func(t *testing.T) {
		cands := []model.RawCandidate{
			{ID: 1, FirstName: "Johann", LastName: "Weber", DocumentID: "Registry.pdf", Page: 3},
			{ID: 2, FirstName: "Johannes", LastName: "Weber", DocumentID: "Registry.pdf", Page: 3},
		}

		result := engine.Dedupe(cands, registryIndex())

		require.Len(t, result.Candidates, 1)
	})

	t.Run("name alone never merges", func(t *testing.T) {
		cands := []model.RawCandidate{
			{ID: 1, FirstName: "Johann", LastName: "Weber", DocumentID: "Registry.pdf", Page: 1},
			{ID: 2, FirstName: "Josef", LastName: "Weber", DocumentID: "Registry.pdf", Page: 4},
		}

		result := engine.Dedupe(cands, registryIndex())

		assert.Len(t, result.Candidates, 2)
		assert.Zero(t, result.Stats.ProbableMerges)
	})
}

func TestDedupe_StructuralConflictStaysSeparate(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Karl", LastName: "Braun", RoleHint: "managing director", DocumentID: "Registry.pdf", Page: 1},
		{ID: 2, FirstName: "K.", LastName: "Braun", RoleHint: "auditor", DocumentID: "Registry.pdf", Page: 3},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 2)
	assert.Equal(t, model.ConflictUnresolved, result.Candidates[0].Conflict)
	assert.Equal(t, model.ConflictUnresolved, result.Candidates[1].Conflict)
	assert.Zero(t, result.Stats.ProbableMerges)
}

func TestDedupe_PrevailingSourceAttributesWin(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	idx := rankedIndex(
		model.SourceEntry{DocumentID: "Minutes.pdf", DocumentType: "board_minutes", Tier: model.TierH3, Date: date("2024-07-01"), InputOrder: 1},
		model.SourceEntry{DocumentID: "Extract.pdf", DocumentType: "registry_extract", Tier: model.TierH1, Date: date("2024-06-01"), InputOrder: 2},
	)
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Lena", LastName: "Vogel", JobTitle: "Board Observer", RoleHint: "board observer", DocumentID: "Minutes.pdf", Page: 2},
		{ID: 2, FirstName: "Lena", LastName: "Vogel", JobTitle: "Managing Director", RoleHint: "managing director", DocumentID: "Extract.pdf", Page: 1},
	}

	result := engine.Dedupe(cands, idx)

	require.Len(t, result.Candidates, 1)
	merged := result.Candidates[0]
	assert.Equal(t, "Extract.pdf", merged.Prevailing.DocumentID)
	assert.Equal(t, "Managing Director", merged.JobTitle)
	assert.Equal(t, model.ConflictResolved, merged.Conflict)
	assert.Equal(t, []string{"Minutes.pdf"}, merged.StaleSources)
	require.Len(t, merged.AlsoSeen, 1)
	assert.Equal(t, "Minutes.pdf", merged.AlsoSeen[0].DocumentID)
	assert.Equal(t, 1, result.Stats.CrossDocMerges)
}

func TestDedupe_ConflictedIdentitiesStayAtomic(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Karl", LastName: "Braun", RoleHint: "managing director", DocumentID: "Registry.pdf", Page: 1},
		{ID: 2, FirstName: "Karl", LastName: "Braun", RoleHint: "auditor", DocumentID: "Registry.pdf", Page: 3},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 2, "contradictory identities are not re-merged by name consolidation")
	assert.Zero(t, result.Stats.CrossDocMerges)
}

func TestDedupe_GapFillFromLesserSources(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	idx := rankedIndex(
		model.SourceEntry{DocumentID: "Extract.pdf", DocumentType: "registry_extract", Tier: model.TierH1, Date: date("2024-06-01"), InputOrder: 1},
		model.SourceEntry{DocumentID: "Minutes.pdf", DocumentType: "board_minutes", Tier: model.TierH3, Date: date("2024-07-01"), InputOrder: 2},
	)
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Petra", LastName: "Klein", RoleHint: "director", DocumentID: "Extract.pdf", Page: 1},
		{ID: 2, FirstName: "Petra", MiddleName: "Ann", LastName: "Klein", PersonalTitle: "Dr.", JobTitle: "Prokurist", RoleHint: "director", DocumentID: "Minutes.pdf", Page: 2},
	}

	result := engine.Dedupe(cands, idx)

	require.Len(t, result.Candidates, 1)
	merged := result.Candidates[0]
	assert.Equal(t, "Ann", merged.MiddleName, "empty fields fill from lesser sources")
	assert.Equal(t, "Dr.", merged.PersonalTitle)
	assert.Equal(t, "Prokurist", merged.JobTitle, "title fills when prevailing source has none")
	assert.Equal(t, "Extract.pdf", merged.Prevailing.DocumentID)
}

func TestDedupe_TitleFillUsesPrecedence(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	idx := rankedIndex(
		model.SourceEntry{DocumentID: "Extract.pdf", DocumentType: "registry_extract", Tier: model.TierH1, Date: date("2024-06-01"), InputOrder: 1},
		model.SourceEntry{DocumentID: "Card.pdf", DocumentType: "signatory_card", Tier: model.TierH3, Date: date("2024-05-01"), InputOrder: 2},
		model.SourceEntry{DocumentID: "Minutes.pdf", DocumentType: "board_minutes", Tier: model.TierH3, Date: date("2024-04-01"), InputOrder: 3},
	)
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Nora", LastName: "Falk", RoleHint: "officer", DocumentID: "Extract.pdf", Page: 1},
		{ID: 2, FirstName: "Nora", LastName: "Falk", JobTitle: "Prokurist", RoleHint: "officer", DocumentID: "Card.pdf", Page: 1},
		{ID: 3, FirstName: "Nora", LastName: "Falk", JobTitle: "Managing Director", RoleHint: "officer", DocumentID: "Minutes.pdf", Page: 1},
	}

	result := engine.Dedupe(cands, idx)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "Managing Director", result.Candidates[0].JobTitle)
}

func TestDedupe_RenumbersDenselyPreservingOrder(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Ada", LastName: "Lang", DocumentID: "Registry.pdf", Page: 1},
		{ID: 2, FirstName: "Ada", LastName: "Lang", DocumentID: "Registry.pdf", Page: 1},
		{ID: 3, FirstName: "Bo", LastName: "Meier", DocumentID: "Registry.pdf", Page: 2},
		{ID: 4, FirstName: "Cem", LastName: "Aydın", DocumentID: "Registry.pdf", Page: 3},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 3)
	assert.Equal(t, []string{"Lang", "Meier", "Aydın"}, []string{
		result.Candidates[0].LastName,
		result.Candidates[1].LastName,
		result.Candidates[2].LastName,
	})
	for i, c := range result.Candidates {
		assert.Equal(t, i+1, c.ID)
	}
}

func TestDedupe_UnknownSourceKeptWithDiagnostic(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Iris", LastName: "Roth", DocumentID: "Phantom.pdf", Page: 1},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 1)
	merged := result.Candidates[0]
	assert.Contains(t, merged.Diagnostic, "Phantom.pdf")
	assert.Empty(t, merged.Prevailing.DocumentID)
}

func TestDedupe_OverlapZoneDuplicatesCounted(t *testing.T) {
	engine := NewEngine(registry.DefaultRules())
	cands := []model.RawCandidate{
		{ID: 1, FirstName: "Max", LastName: "Stein", DocumentID: "Registry.pdf", Page: 2, Chunk: 1},
		{ID: 2, FirstName: "Max", LastName: "Stein", DocumentID: "Registry.pdf", Page: 2, Chunk: 2},
	}

	result := engine.Dedupe(cands, registryIndex())

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, 1, result.Stats.OverlapDuplicates)
}

func TestAsciiFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Müller", "Mueller"},
		{"Gröger", "Groeger"},
		{"Weiß", "Weiss"},
		{"José", "Jose"},
		{"Nguyễn", "Nguyen"},
		{"Søren", "Soeren"},
		{"Åberg", "Aaberg"},
		{"Łukasz", "Lukasz"},
		{"Smith", "Smith"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, asciiFold(tt.in))
		})
	}
}
