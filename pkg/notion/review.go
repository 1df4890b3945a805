package notion

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ReviewEntry is one record flagged for manual review.
type ReviewEntry struct {
	Name     string
	Entity   string
	RunID    string
	Document string
	Page     int
	Score    float64
	Reason   string
}

// PushReview creates a review page in the given database with Status "Open".
func PushReview(ctx context.Context, c Client, dbID string, e ReviewEntry) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: buildReviewProperties(e),
	}

	page, err := c.CreatePage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("notion: push review for %s", e.Name))
	}
	return page, nil
}

// PushReviews pushes each entry, continuing past individual failures.
// Returns the number of pages created and the first error encountered.
func PushReviews(ctx context.Context, c Client, dbID string, entries []ReviewEntry) (int, error) {
	var created int
	var firstErr error
	for _, e := range entries {
		if _, err := PushReview(ctx, c, dbID, e); err != nil {
			zap.L().Warn("notion: review push failed",
				zap.String("name", e.Name),
				zap.String("run_id", e.RunID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		created++
	}
	return created, firstErr
}

func buildReviewProperties(e ReviewEntry) notionapi.Properties {
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Title: []notionapi.RichText{{Text: &notionapi.Text{Content: e.Name}}},
		},
		"Status": notionapi.StatusProperty{
			Status: notionapi.Option{Name: "Open"},
		},
		"Score": notionapi.NumberProperty{Number: e.Score},
	}
	if e.Entity != "" {
		props["Entity"] = richText(e.Entity)
	}
	if e.RunID != "" {
		props["Run"] = richText(e.RunID)
	}
	if e.Document != "" {
		citation := e.Document
		if e.Page > 0 {
			citation = fmt.Sprintf("%s p.%d", e.Document, e.Page)
		}
		props["Source"] = richText(citation)
	}
	if e.Reason != "" {
		props["Reason"] = richText(e.Reason)
	}
	return props
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: s}}},
	}
}
