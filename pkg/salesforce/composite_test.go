package salesforce

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeContactRecords(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			"AccountId": "001xx",
			"LastName":  fmt.Sprintf("Person%03d", i),
		}
	}
	return records
}

func TestBulkCreateContacts(t *testing.T) {
	t.Run("empty records returns nil", func(t *testing.T) {
		mock := &mockClient{}
		results, err := BulkCreateContacts(context.Background(), mock, nil)
		require.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("single batch under 200", func(t *testing.T) {
		var callCount int
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, sObject string, records []map[string]any) ([]CollectionResult, error) {
				callCount++
				assert.Equal(t, "Contact", sObject)
				results := make([]CollectionResult, len(records))
				for i := range records {
					results[i] = CollectionResult{ID: fmt.Sprintf("003%03d", i), Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkCreateContacts(context.Background(), mock, makeContactRecords(50))
		require.NoError(t, err)
		assert.Equal(t, 1, callCount)
		assert.Len(t, results, 50)
	})

	t.Run("exactly 200 is one batch", func(t *testing.T) {
		var batches []int
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
				batches = append(batches, len(records))
				return make([]CollectionResult, len(records)), nil
			},
		}

		results, err := BulkCreateContacts(context.Background(), mock, makeContactRecords(200))
		require.NoError(t, err)
		assert.Equal(t, []int{200}, batches)
		assert.Len(t, results, 200)
	})

	t.Run("201 splits into two batches", func(t *testing.T) {
		var batches []int
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
				batches = append(batches, len(records))
				return make([]CollectionResult, len(records)), nil
			},
		}

		results, err := BulkCreateContacts(context.Background(), mock, makeContactRecords(201))
		require.NoError(t, err)
		assert.Equal(t, []int{200, 1}, batches)
		assert.Len(t, results, 201)
	})

	t.Run("error keeps prior batch results", func(t *testing.T) {
		var callCount int
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
				callCount++
				if callCount == 2 {
					return nil, errors.New("limit exceeded")
				}
				return make([]CollectionResult, len(records)), nil
			},
		}

		results, err := BulkCreateContacts(context.Background(), mock, makeContactRecords(250))
		assert.Error(t, err)
		assert.Len(t, results, 200)
	})
}

func TestBulkUpdateContacts(t *testing.T) {
	t.Run("empty updates returns nil", func(t *testing.T) {
		mock := &mockClient{}
		results, err := BulkUpdateContacts(context.Background(), mock, nil)
		require.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("fields pass through", func(t *testing.T) {
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, sObject string, records []CollectionRecord) ([]CollectionResult, error) {
				assert.Equal(t, "Contact", sObject)
				require.Len(t, records, 1)
				assert.Equal(t, "003a", records[0].ID)
				assert.Equal(t, "Managing Director", records[0].Fields["Title"])
				return []CollectionResult{{ID: "003a", Success: true}}, nil
			},
		}

		updates := []ContactUpdate{{ID: "003a", Fields: map[string]any{"Title": "Managing Director"}}}
		results, err := BulkUpdateContacts(context.Background(), mock, updates)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
	})

	t.Run("450 splits into three batches", func(t *testing.T) {
		var batches []int
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
				batches = append(batches, len(records))
				return make([]CollectionResult, len(records)), nil
			},
		}

		updates := make([]ContactUpdate, 450)
		for i := range updates {
			updates[i] = ContactUpdate{ID: fmt.Sprintf("003%03d", i), Fields: map[string]any{"Title": "x"}}
		}

		results, err := BulkUpdateContacts(context.Background(), mock, updates)
		require.NoError(t, err)
		assert.Equal(t, []int{200, 200, 50}, batches)
		assert.Len(t, results, 450)
	})
}

func TestMaxBatchSizeConstant(t *testing.T) {
	assert.Equal(t, 200, maxBatchSize)
}
