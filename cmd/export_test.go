package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/csm-cli/internal/model"
	sfpkg "github.com/sells-group/csm-cli/pkg/salesforce"
)

func strptr(s string) *string { return &s }

func TestContactPayloads_IncludedOnly(t *testing.T) {
	records := []model.ExtractedRecord{
		{FirstName: "Max", LastName: "Mueller", JobTitle: strptr("Managing Director"), PersonalTitle: strptr("Dr."), Reason: "included.", IsCSM: true},
		{FirstName: "Anna", LastName: "Schmidt", Reason: "excluded.", IsCSM: false},
	}

	payloads, skipped := contactPayloads(records, "001ABC", nil)
	require.Len(t, payloads, 1)
	assert.Equal(t, 0, skipped)

	p := payloads[0]
	assert.Equal(t, "001ABC", p["AccountId"])
	assert.Equal(t, "Max", p["FirstName"])
	assert.Equal(t, "Mueller", p["LastName"])
	assert.Equal(t, "Managing Director", p["Title"])
	assert.Equal(t, "Dr.", p["Salutation"])
	assert.Equal(t, "included.", p["Description"])
}

func TestContactPayloads_SkipsExisting(t *testing.T) {
	records := []model.ExtractedRecord{
		{FirstName: "Max", LastName: "Mueller", IsCSM: true},
		{FirstName: "Anna", LastName: "Schmidt", IsCSM: true},
	}
	existing := []sfpkg.Contact{
		{ID: "003X", FirstName: "MAX", LastName: "mueller"},
	}

	payloads, skipped := contactPayloads(records, "001ABC", existing)
	require.Len(t, payloads, 1)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, "Anna", payloads[0]["FirstName"])
}

func TestContactPayloads_DeduplicatesWithinRun(t *testing.T) {
	records := []model.ExtractedRecord{
		{FirstName: "Max", LastName: "Mueller", DocumentName: "Registry.pdf", IsCSM: true},
		{FirstName: "Max", LastName: "Mueller", DocumentName: "Charter.pdf", IsCSM: true},
	}

	payloads, skipped := contactPayloads(records, "001ABC", nil)
	assert.Len(t, payloads, 1)
	assert.Equal(t, 1, skipped)
}

func TestContactPayloads_OptionalFieldsOmitted(t *testing.T) {
	records := []model.ExtractedRecord{
		{FirstName: "Max", LastName: "Mueller", IsCSM: true},
	}

	payloads, _ := contactPayloads(records, "001ABC", nil)
	require.Len(t, payloads, 1)
	_, hasTitle := payloads[0]["Title"]
	_, hasSalutation := payloads[0]["Salutation"]
	_, hasDescription := payloads[0]["Description"]
	assert.False(t, hasTitle)
	assert.False(t, hasSalutation)
	assert.False(t, hasDescription)
}

func TestContactKey_CaseInsensitive(t *testing.T) {
	assert.Equal(t, contactKey("Max", "Mueller"), contactKey(" MAX ", "mueller"))
}
