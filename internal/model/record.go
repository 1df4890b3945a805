package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceTier grades document authority. H1 is the most authoritative
// (commercial registry extracts), H4 the least (unverified correspondence).
type SourceTier string

const (
	TierH1 SourceTier = "H1"
	TierH2 SourceTier = "H2"
	TierH3 SourceTier = "H3"
	TierH4 SourceTier = "H4"
)

// tierRank maps tiers to numeric ranks for comparison. Lower rank wins.
var tierRank = map[SourceTier]int{
	TierH1: 1,
	TierH2: 2,
	TierH3: 3,
	TierH4: 4,
}

// Rank returns the numeric rank of the tier (1 = highest authority).
// Unknown tiers rank below H4.
func (t SourceTier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return len(tierRank) + 1
}

// ParseTier normalizes a tier string ("h1", "H1") to a SourceTier.
// Unrecognized values fall back to TierH4.
func ParseTier(s string) SourceTier {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "H1":
		return TierH1
	case "H2":
		return TierH2
	case "H3":
		return TierH3
	default:
		return TierH4
	}
}

// CurrencyTag describes how fresh a source document is.
type CurrencyTag string

const (
	CurrencyCurrent CurrencyTag = "current"
	CurrencyStale   CurrencyTag = "stale"
	CurrencyUndated CurrencyTag = "undated"
)

// ConflictTag records how role disagreements across merged occurrences
// were settled.
type ConflictTag string

const (
	ConflictClear      ConflictTag = "clear"
	ConflictResolved   ConflictTag = "resolved"
	ConflictUnresolved ConflictTag = "unresolved"
)

// TemporalStatus marks whether a person currently holds the role.
type TemporalStatus string

const (
	TemporalCurrent TemporalStatus = "current"
	TemporalFormer  TemporalStatus = "former"
	TemporalUnknown TemporalStatus = "unknown"
)

// SignatoryType describes signing authority attached to a role mention.
type SignatoryType string

const (
	SignatorySole    SignatoryType = "sole"
	SignatoryJoint   SignatoryType = "joint"
	SignatoryNone    SignatoryType = "none"
	SignatoryUnknown SignatoryType = "unknown"
)

// SourceEntry is one input document. Created once at pipeline start,
// immutable afterwards; AdmissionRank and Currency are annotated by the
// authority resolver before any candidate references the entry.
type SourceEntry struct {
	DocumentID    string      `json:"document_id"`
	DocumentType  string      `json:"document_type"`
	Tier          SourceTier  `json:"tier"`
	Date          *time.Time  `json:"date,omitempty"`
	Jurisdiction  string      `json:"jurisdiction,omitempty"`
	InputOrder    int         `json:"input_order"`
	AdmissionRank int         `json:"admission_rank"`
	Currency      CurrencyTag `json:"currency"`
}

// Citation renders the document for reason strings, e.g.
// "commercial registry extract dated 2024-06-01" or "charter, undated".
func (s SourceEntry) Citation() string {
	docType := s.DocumentType
	if docType == "" {
		docType = s.DocumentID
	}
	if s.Date == nil {
		return docType + ", undated"
	}
	return fmt.Sprintf("%s dated %s", docType, s.Date.Format("2006-01-02"))
}

// RawCandidate is one person mention discovered in source text.
// Identifiers are dense, 1-based, assigned in document, page, reading order.
// RawCandidates are never mutated after discovery; later stages build new
// representations from them.
type RawCandidate struct {
	ID            int            `json:"id"`
	FirstName     string         `json:"first_name,omitempty"`
	MiddleName    string         `json:"middle_name,omitempty"`
	LastName      string         `json:"last_name"`
	PersonalTitle string         `json:"personal_title,omitempty"`
	JobTitle      string         `json:"job_title,omitempty"`
	DocumentID    string         `json:"document_id"`
	Page          int            `json:"page"`
	RoleHint      string         `json:"role_hint,omitempty"`
	Temporal      TemporalStatus `json:"temporal_status"`
	Signatory     SignatoryType  `json:"signatory_type"`
	Chunk         int            `json:"chunk,omitempty"`
}

// DedupKey is the normalized identity key:
// lower(first)|lower(last)|documentId|page. Document id and page keep their
// original form; only name components are lowercased.
func (c RawCandidate) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%d",
		strings.ToLower(c.FirstName), strings.ToLower(c.LastName), c.DocumentID, c.Page)
}

// SourceRef points at one non-surviving occurrence of a merged identity.
type SourceRef struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	JobTitle   string `json:"job_title,omitempty"`
}

// MergedCandidate is a RawCandidate that survived deduplication. It carries
// the surviving occurrence's attributes (drawn from the prevailing source),
// the folded canonical key, and an audit trail of the collapsed occurrences.
type MergedCandidate struct {
	RawCandidate
	DedupKey     string      `json:"dedup_key"`
	Prevailing   SourceEntry `json:"prevailing"`
	AlsoSeen     []SourceRef `json:"also_seen,omitempty"`
	StaleSources []string    `json:"stale_sources,omitempty"`
	Conflict     ConflictTag `json:"conflict"`
	Diagnostic   string      `json:"diagnostic,omitempty"`
}

// TagSet is the classification tag block rendered into reason strings.
type TagSet struct {
	Tier     SourceTier     `json:"tier"`
	Recency  CurrencyTag    `json:"recency"`
	Conflict ConflictTag    `json:"conflict"`
	Scope    string         `json:"scope,omitempty"`
	Currency TemporalStatus `json:"currency"`
}

// ClassifiedCandidate is a MergedCandidate plus an eligibility verdict.
// A verdict is only valid with a non-empty governance basis.
type ClassifiedCandidate struct {
	MergedCandidate
	IsCSM           bool     `json:"is_csm"`
	GovernanceBasis string   `json:"governance_basis"`
	Tags            TagSet   `json:"tags"`
	Signals         []string `json:"signals,omitempty"`
	CountryOverride string   `json:"country_override,omitempty"`
	OverrideNote    string   `json:"override_note,omitempty"`
	OverrideDelta   float64  `json:"override_delta,omitempty"`
	AttributeGaps   []string `json:"attribute_gaps,omitempty"`
	QualityNotes    []string `json:"quality_notes,omitempty"`
}

// SignalContribution is one applied signal and its signed weight.
type SignalContribution struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// ScoreBreakdown explains how a final score was computed.
type ScoreBreakdown struct {
	Signals    []SignalContribution `json:"signals"`
	Base       float64              `json:"base"`
	Multiplier float64              `json:"multiplier"`
	Final      float64              `json:"final"`
}

// ScoredCandidate is a ClassifiedCandidate plus its explanatory score.
// The score never alters the eligibility flag.
type ScoredCandidate struct {
	ClassifiedCandidate
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"breakdown"`
	NeedsReview bool           `json:"needs_review"`
}

// ExtractedRecord is the schema-exact output unit. Optional fields are
// null when absent, never empty strings.
type ExtractedRecord struct {
	ID            int     `json:"id"`
	FirstName     string  `json:"firstName"`
	MiddleName    *string `json:"middleName"`
	LastName      string  `json:"lastName"`
	PersonalTitle *string `json:"personalTitle"`
	JobTitle      *string `json:"jobTitle"`
	DocumentName  string  `json:"documentName"`
	PageNumber    int     `json:"pageNumber"`
	Reason        string  `json:"reason"`
	IsCSM         bool    `json:"isCsm"`
}

// ExtractionOutput is the single top-level object the pipeline emits.
type ExtractionOutput struct {
	Records []ExtractedRecord `json:"records"`
}

// MergeStats summarizes a deduplication pass.
type MergeStats struct {
	Before            int `json:"before"`
	After             int `json:"after"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	ExactMerges       int `json:"exact_merges"`
	FoldMerges        int `json:"fold_merges"`
	ProbableMerges    int `json:"probable_merges"`
	CrossDocMerges    int `json:"cross_doc_merges"`
	OverlapDuplicates int `json:"overlap_duplicates"`
}

// OptionalString maps "" to a JSON null for the output schema.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
