// Package corpus assembles the text blob and source manifest an extraction
// run consumes from a directory of document text files.
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/registry"
)

// ManifestName is the metadata file looked up inside a document directory
// or packet.
const ManifestName = "manifest.yaml"

// Manifest mirrors manifest.yaml: per-document metadata keyed by filename.
type Manifest struct {
	Entity    string          `yaml:"entity"`
	Documents []ManifestEntry `yaml:"documents"`
}

// ManifestEntry is one document's metadata row.
type ManifestEntry struct {
	File         string `yaml:"file"`
	Type         string `yaml:"type"`
	Date         string `yaml:"date"`
	Jurisdiction string `yaml:"jurisdiction"`
}

// LoadDir reads every .txt file under dir as one document, splitting pages
// on form feeds. A manifest.yaml in the same directory supplies entity name
// and per-document metadata; files absent from the manifest fall back to a
// type inferred from the filename.
func LoadDir(dir string) (*model.DocumentSet, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "corpus: read dir %s", dir)
	}

	manifest, err := loadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	meta := make(map[string]ManifestEntry, len(manifest.Documents))
	for _, m := range manifest.Documents {
		meta[m.File] = m
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".txt") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)

	set := &model.DocumentSet{Entity: manifest.Entity}
	if set.Entity == "" {
		set.Entity = filepath.Base(dir)
	}

	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, eris.Wrapf(err, "corpus: read %s", name)
		}

		doc := model.Document{
			ID:    strings.TrimSuffix(name, ".txt"),
			Order: i + 1,
			Pages: splitPages(string(data)),
		}
		if m, ok := meta[name]; ok {
			doc.Type = m.Type
			doc.Jurisdiction = m.Jurisdiction
			if m.Date != "" {
				parsed, err := time.Parse("2006-01-02", m.Date)
				if err != nil {
					zap.L().Warn("unparseable manifest date",
						zap.String("file", name),
						zap.String("date", m.Date))
				} else {
					doc.Date = &parsed
				}
			}
		} else {
			doc.Type = inferType(doc.ID)
		}
		set.Documents = append(set.Documents, doc)
	}

	if len(set.Documents) == 0 {
		return nil, eris.Errorf("corpus: no .txt documents in %s", dir)
	}
	return set, nil
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, eris.Wrap(err, "corpus: read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "corpus: parse manifest")
	}
	return &m, nil
}

// splitPages splits document text on form feeds. A trailing form feed does
// not produce an empty final page; text without form feeds is one page.
func splitPages(text string) []string {
	pages := strings.Split(text, "\f")
	for len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages
}

// typeKeywords maps filename substrings to document types for files the
// manifest does not cover.
var typeKeywords = []struct {
	keyword string
	docType string
}{
	{"registry", "registry_extract"},
	{"filing", "register_filing"},
	{"charter", "charter"},
	{"articles", "articles"},
	{"shareholder", "shareholder_list"},
	{"minutes", "board_minutes"},
	{"signatory", "signatory_card"},
	{"annual", "annual_report"},
	{"letter", "correspondence"},
	{"correspondence", "correspondence"},
	{"website", "website_capture"},
}

func inferType(id string) string {
	lower := strings.ToLower(id)
	for _, tk := range typeKeywords {
		if strings.Contains(lower, tk.keyword) {
			return tk.docType
		}
	}
	return ""
}

// Corpus is the assembled run input: the prompt blob, the per-document
// source entries, and their JSON projection for prompt injection.
type Corpus struct {
	Entity    string
	Documents []model.Document
	Entries   []model.SourceEntry
	Text      string
	Manifest  string
}

// PageCount returns the total page count across all documents.
func (c *Corpus) PageCount() int {
	total := 0
	for _, d := range c.Documents {
		total += d.PageCount()
	}
	return total
}

// Build assembles the prompt blob and source entries for a document set.
// Authority tiers come from the rule tables by document type. Documents
// render with a canonical header line and 1-based page markers.
func Build(set *model.DocumentSet, rules *registry.Rules) (*Corpus, error) {
	if set == nil || len(set.Documents) == 0 {
		return nil, eris.New("corpus: empty document set")
	}

	entries := make([]model.SourceEntry, 0, len(set.Documents))
	var b strings.Builder
	for i, doc := range set.Documents {
		order := doc.Order
		if order == 0 {
			order = i + 1
		}
		entries = append(entries, model.SourceEntry{
			DocumentID:   doc.ID,
			DocumentType: doc.Type,
			Tier:         rules.TierFor(doc.Type),
			Date:         doc.Date,
			Jurisdiction: doc.Jurisdiction,
			InputOrder:   order,
		})

		fmt.Fprintf(&b, "=== DOCUMENT: %s", doc.ID)
		if doc.Type != "" {
			fmt.Fprintf(&b, " (%s)", doc.Type)
		}
		if doc.Date != nil {
			fmt.Fprintf(&b, ", dated %s", doc.Date.Format("2006-01-02"))
		}
		b.WriteString(" ===\n")
		for p, page := range doc.Pages {
			fmt.Fprintf(&b, "--- PAGE %d ---\n", p+1)
			b.WriteString(strings.TrimRight(page, "\n"))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	manifestJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, eris.Wrap(err, "corpus: marshal manifest")
	}

	return &Corpus{
		Entity:    set.Entity,
		Documents: set.Documents,
		Entries:   entries,
		Text:      b.String(),
		Manifest:  string(manifestJSON),
	}, nil
}
