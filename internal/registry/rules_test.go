package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/csm-cli/internal/model"
)

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	t.Run("registry extracts are H1", func(t *testing.T) {
		assert.Equal(t, model.TierH1, rules.TierFor("registry_extract"))
	})

	t.Run("unknown document types fall to H4", func(t *testing.T) {
		assert.Equal(t, model.TierH4, rules.TierFor("napkin_sketch"))
	})

	t.Run("H2 staleness window is tighter than the rest", func(t *testing.T) {
		assert.Equal(t, 3, rules.StalenessMonths[model.TierH2])
		assert.Equal(t, 6, rules.StalenessMonths[model.TierH1])
		assert.Equal(t, 6, rules.StalenessMonths[model.TierH3])
		assert.Equal(t, 6, rules.StalenessMonths[model.TierH4])
	})

	t.Run("multiplier names resolve", func(t *testing.T) {
		assert.InDelta(t, 1.00, rules.Multiplier(MultiplierConfirmed), 1e-9)
		assert.InDelta(t, 0.85, rules.Multiplier(MultiplierResolved), 1e-9)
		assert.InDelta(t, 0.60, rules.Multiplier(MultiplierWeak), 1e-9)
	})

	t.Run("unknown multiplier falls back to weak", func(t *testing.T) {
		assert.InDelta(t, 0.60, rules.Multiplier("heroic"), 1e-9)
	})

	t.Run("negative signals carry categories", func(t *testing.T) {
		for name, sig := range rules.Signals {
			if sig.Weight < 0 {
				assert.NotEmpty(t, sig.Category, "negative signal %s must have a category", name)
			}
		}
	})
}

func TestLoad_OverridesTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  multipliers:
    confirmed: 0.95
    resolved: 0.80
    weak: 0.50
  staleness_months:
    H1: 12
    H2: 2
    H3: 12
    H4: 12
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := Load(path)
	require.NoError(t, err)

	t.Run("present tables replace defaults", func(t *testing.T) {
		assert.InDelta(t, 0.95, rules.Multiplier(MultiplierConfirmed), 1e-9)
		assert.Equal(t, 2, rules.StalenessMonths[model.TierH2])
	})

	t.Run("absent tables keep defaults", func(t *testing.T) {
		assert.Equal(t, model.TierH1, rules.TierFor("registry_extract"))
		assert.NotEmpty(t, rules.TitlePrecedence)
	})
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTitleRank(t *testing.T) {
	rules := DefaultRules()

	t.Run("stronger titles rank lower", func(t *testing.T) {
		assert.Less(t, rules.TitleRank("Managing Director"), rules.TitleRank("Prokurist"))
	})

	t.Run("unranked titles sort last", func(t *testing.T) {
		assert.Equal(t, len(rules.TitlePrecedence), rules.TitleRank("Intern"))
	})
}
