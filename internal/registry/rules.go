// Package registry holds the rule tables the reconciliation core consumes:
// source tier assignments, staleness windows, scoring signal weights,
// consensus multipliers, country profiles, and title precedence. Tables ship
// with compiled-in defaults and can be overridden from a YAML file.
package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/csm-cli/internal/model"
)

// SignalWeight is one named scoring signal. Category caps negative signals:
// at most one negative signal per category may apply to a candidate.
type SignalWeight struct {
	Weight   float64 `yaml:"weight"`
	Category string  `yaml:"category"`
}

// CountryProfile adjusts classification and scoring per jurisdiction.
type CountryProfile struct {
	SupervisoryEligible bool    `yaml:"supervisory_eligible"`
	FormerRolePenalty   float64 `yaml:"former_role_penalty"`
	OverrideDelta       float64 `yaml:"override_delta"`
	Note                string  `yaml:"note"`
}

// Rules is the full rule surface.
type Rules struct {
	// Tiers maps document types to authority tiers.
	Tiers map[string]model.SourceTier `yaml:"tiers"`

	// StalenessMonths maps tiers to the age in months beyond which a dated
	// source is tagged stale.
	StalenessMonths map[model.SourceTier]int `yaml:"staleness_months"`

	// Signals maps signal names to signed weights.
	Signals map[string]SignalWeight `yaml:"signals"`

	// Multipliers maps evidentiary strength names to consensus multipliers.
	Multipliers map[string]float64 `yaml:"multipliers"`

	// Countries maps ISO codes to jurisdiction profiles.
	Countries map[string]CountryProfile `yaml:"countries"`

	// TitlePrecedence orders governance titles from strongest to weakest;
	// the dedup engine keeps the strongest title among merged occurrences
	// when the prevailing source carries none.
	TitlePrecedence []string `yaml:"title_precedence"`
}

// Multiplier strength names. The tables may override the values but the
// names are fixed.
const (
	MultiplierConfirmed = "confirmed"
	MultiplierResolved  = "resolved"
	MultiplierWeak      = "weak"
)

// DefaultRules returns the compiled-in rule tables. The binary is fully
// functional without any rules file.
func DefaultRules() *Rules {
	return &Rules{
		Tiers: map[string]model.SourceTier{
			"registry_extract":  model.TierH1,
			"register_filing":   model.TierH1,
			"charter":           model.TierH2,
			"articles":          model.TierH2,
			"shareholder_list":  model.TierH2,
			"board_minutes":     model.TierH3,
			"signatory_card":    model.TierH3,
			"annual_report":     model.TierH3,
			"correspondence":    model.TierH4,
			"website_capture":   model.TierH4,
		},
		StalenessMonths: map[model.SourceTier]int{
			model.TierH1: 6,
			model.TierH2: 3,
			model.TierH3: 6,
			model.TierH4: 6,
		},
		Signals: map[string]SignalWeight{
			"executive_board_member": {Weight: 0.55, Category: "role"},
			"managing_director":      {Weight: 0.55, Category: "role"},
			"authorized_officer":     {Weight: 0.40, Category: "role"},
			"governance_anchor":      {Weight: 0.15, Category: "evidence"},
			"sole_signatory":         {Weight: 0.25, Category: "signatory"},
			"joint_signatory":        {Weight: 0.15, Category: "signatory"},
			"registry_confirmed":     {Weight: 0.20, Category: "corroboration"},
			"multi_source":           {Weight: 0.10, Category: "corroboration"},
			"supervisory_only":       {Weight: -0.30, Category: "role"},
			"former_role":            {Weight: -0.30, Category: "temporal"},
			"stale_source":           {Weight: -0.15, Category: "recency"},
			"undated_source":         {Weight: -0.10, Category: "recency"},
			"name_incomplete":        {Weight: -0.10, Category: "identity"},
		},
		Multipliers: map[string]float64{
			MultiplierConfirmed: 1.00,
			MultiplierResolved:  0.85,
			MultiplierWeak:      0.60,
		},
		Countries: map[string]CountryProfile{
			"DE": {SupervisoryEligible: false, FormerRolePenalty: -0.30, Note: "Aufsichtsrat members excluded unless also executive"},
			"AT": {SupervisoryEligible: false, FormerRolePenalty: -0.30, Note: "supervisory board excluded"},
			"CH": {SupervisoryEligible: true, FormerRolePenalty: -0.20, OverrideDelta: 0.05, Note: "Verwaltungsrat qualifies as governing body"},
			"FR": {SupervisoryEligible: true, FormerRolePenalty: -0.20, Note: "conseil d'administration qualifies"},
			"GB": {SupervisoryEligible: true, FormerRolePenalty: -0.20, Note: "unitary board, all directors qualify"},
			"NL": {SupervisoryEligible: false, FormerRolePenalty: -0.30, Note: "raad van commissarissen excluded"},
		},
		TitlePrecedence: []string{
			"Chief Executive Officer",
			"Managing Director",
			"Geschäftsführer",
			"Executive Board Member",
			"Director",
			"Authorized Officer",
			"Prokurist",
			"Company Secretary",
		},
	}
}

// Load reads rule tables from a YAML file. Tables absent from the file keep
// their defaults; present tables replace the default table wholesale.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read rules %s", path)
	}

	// The YAML has a top-level "rules" key.
	var wrapper struct {
		Rules Rules `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "registry: parse rules")
	}

	rules := DefaultRules()
	loaded := wrapper.Rules
	if len(loaded.Tiers) > 0 {
		rules.Tiers = loaded.Tiers
	}
	if len(loaded.StalenessMonths) > 0 {
		rules.StalenessMonths = loaded.StalenessMonths
	}
	if len(loaded.Signals) > 0 {
		rules.Signals = loaded.Signals
	}
	if len(loaded.Multipliers) > 0 {
		rules.Multipliers = loaded.Multipliers
	}
	if len(loaded.Countries) > 0 {
		rules.Countries = loaded.Countries
	}
	if len(loaded.TitlePrecedence) > 0 {
		rules.TitlePrecedence = loaded.TitlePrecedence
	}

	return rules, nil
}

// TierFor maps a document type to its authority tier. Unknown types land
// in H4 rather than failing intake.
func (r *Rules) TierFor(documentType string) model.SourceTier {
	if tier, ok := r.Tiers[documentType]; ok {
		return tier
	}
	return model.TierH4
}

// Multiplier returns the consensus multiplier for a strength name, falling
// back to the weak multiplier for unknown names.
func (r *Rules) Multiplier(name string) float64 {
	if m, ok := r.Multipliers[name]; ok {
		return m
	}
	return r.Multipliers[MultiplierWeak]
}

// Country returns the profile for an ISO code and whether one exists.
func (r *Rules) Country(code string) (CountryProfile, bool) {
	p, ok := r.Countries[code]
	return p, ok
}

// TitleRank returns the precedence index of a governance title, or the
// length of the table when the title is unranked.
func (r *Rules) TitleRank(title string) int {
	for i, t := range r.TitlePrecedence {
		if t == title {
			return i
		}
	}
	return len(r.TitlePrecedence)
}
