// Package reason renders the canonical explanation string carried on every
// extracted record. Assembly is pure and total: identical inputs always
// produce byte-identical output, so reason strings are reproducible across
// runs and safe to diff.
package reason

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/csm-cli/internal/model"
)

// Delimiter separates top-level clauses of an assembled reason string.
const Delimiter = "; "

const (
	includedStamp = "included."
	excludedStamp = "excluded."
)

var datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// Inputs carries every fragment the assembler may render. Empty fields are
// skipped entirely, never rendered as empty clauses or empty brackets.
type Inputs struct {
	GovernanceBasis string
	Citation        string
	Prevails        bool
	Tags            model.TagSet
	OverrideNote    string
	AttributeGaps   []string
	QualityNotes    []string
	Eligible        bool
	Score           float64
	ScoreEnabled    bool
	ModeStamp       string
}

// FromScored derives assembler inputs from a scored candidate. The tag block
// falls back to the prevailing source's attributes when the classifier left
// it unset, and a per-record diagnostic becomes the leading quality note.
func FromScored(c model.ScoredCandidate, modeStamp string, scoreEnabled bool) Inputs {
	tags := c.Tags
	if tags.Tier == "" {
		tags.Tier = c.Prevailing.Tier
	}
	if tags.Recency == "" {
		tags.Recency = c.Prevailing.Currency
	}
	if tags.Conflict == "" {
		tags.Conflict = c.Conflict
	}

	notes := c.QualityNotes
	if c.Diagnostic != "" {
		notes = make([]string, 0, len(c.QualityNotes)+1)
		notes = append(notes, c.Diagnostic)
		notes = append(notes, c.QualityNotes...)
	}

	return Inputs{
		GovernanceBasis: c.GovernanceBasis,
		Citation:        c.Prevailing.Citation(),
		Prevails:        len(c.StaleSources) > 0,
		Tags:            tags,
		OverrideNote:    c.OverrideNote,
		AttributeGaps:   c.AttributeGaps,
		QualityNotes:    notes,
		Eligible:        c.IsCSM,
		Score:           c.Score,
		ScoreEnabled:    scoreEnabled,
		ModeStamp:       modeStamp,
	}
}

// Assembler renders reason strings. The zero value renders without a length
// cap.
type Assembler struct {
	maxLen int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxLength caps rendered strings at n bytes. Over the cap, whole
// optional clauses are dropped from the middle, lowest-authority first; the
// governance basis, the source citation, the tag block, the decision stamp,
// the score suffix and the mode stamp always survive.
func WithMaxLength(n int) Option {
	return func(a *Assembler) { a.maxLen = n }
}

// NewAssembler builds an Assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type clause struct {
	text     string
	optional bool
}

// Render assembles the reason string for one record.
func (a *Assembler) Render(in Inputs) string {
	clauses := dedupeClauses(assembleClauses(in))
	out := render(clauses, in)
	if a.maxLen <= 0 || len(out) <= a.maxLen {
		return out
	}
	for {
		idx := lastOptional(clauses)
		if idx < 0 {
			return out
		}
		clauses = append(clauses[:idx], clauses[idx+1:]...)
		out = render(clauses, in)
		if len(out) <= a.maxLen {
			return out
		}
	}
}

// Fragment order is fixed: governance basis, source citation, tag block,
// jurisdiction override, attribute gaps, quality notes. The decision stamp
// and the two suffixes are appended in render.
func assembleClauses(in Inputs) []clause {
	clauses := make([]clause, 0, 6+len(in.QualityNotes))
	add := func(text string, optional bool) {
		if strings.TrimSpace(text) == "" {
			return
		}
		clauses = append(clauses, clause{text: text, optional: optional})
	}

	add(in.GovernanceBasis, false)
	add(citationClause(in), false)
	add(tagClause(in.Tags), false)
	if in.OverrideNote != "" {
		add("jurisdiction override: "+in.OverrideNote, true)
	}
	if len(in.AttributeGaps) > 0 {
		add("attributes missing: "+strings.Join(in.AttributeGaps, ", "), true)
	}
	for _, note := range in.QualityNotes {
		add(note, true)
	}
	return clauses
}

func citationClause(in Inputs) string {
	if in.Citation == "" {
		return ""
	}
	if in.Prevails {
		return "per " + in.Citation + ", prevails"
	}
	return "per " + in.Citation
}

func tagClause(tags model.TagSet) string {
	var b strings.Builder
	for _, t := range []string{string(tags.Tier), string(tags.Recency), string(tags.Conflict), tags.Scope} {
		if t == "" {
			continue
		}
		b.WriteString("(")
		b.WriteString(t)
		b.WriteString(")")
	}
	return b.String()
}

// Duplicate clauses collapse onto their first occurrence. Clauses that
// differ only by an embedded ISO date collapse too; clauses are assembled in
// authority order, so keeping the first occurrence keeps the
// highest-authority variant.
func dedupeClauses(clauses []clause) []clause {
	seen := make(map[string]struct{}, len(clauses))
	out := make([]clause, 0, len(clauses))
	for _, c := range clauses {
		key := datePattern.ReplaceAllString(c.text, "<date>")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func lastOptional(clauses []clause) int {
	for i := len(clauses) - 1; i >= 0; i-- {
		if clauses[i].optional {
			return i
		}
	}
	return -1
}

func render(clauses []clause, in Inputs) string {
	parts := make([]string, 0, len(clauses)+1)
	for _, c := range clauses {
		parts = append(parts, c.text)
	}
	if in.Eligible {
		parts = append(parts, includedStamp)
	} else {
		parts = append(parts, excludedStamp)
	}

	out := strings.Join(parts, Delimiter)
	if in.ScoreEnabled {
		out += fmt.Sprintf(" [score %.2f]", in.Score)
	}
	if in.ModeStamp != "" {
		out += " [" + in.ModeStamp + "]"
	}
	return out
}
