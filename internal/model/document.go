package model

import "time"

// Document is one source document as ingested. Page texts are split on
// form feeds at intake; page numbers are 1-based positions in Pages.
type Document struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Date         *time.Time `json:"date,omitempty"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
	Order        int        `json:"order"`
	Pages        []string   `json:"pages"`
}

// PageCount returns the number of pages in the document.
func (d Document) PageCount() int {
	return len(d.Pages)
}

// DocumentSet is a named corpus of documents for one entity.
type DocumentSet struct {
	Entity    string     `json:"entity"`
	Documents []Document `json:"documents"`
}
