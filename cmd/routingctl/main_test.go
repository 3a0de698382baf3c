package main

import (
	"testing"
	"time"

	"order-routing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseOrderID(t *testing.T) {
	id, err := parseOrderID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseOrderID(bad)
		assert.Error(t, err, bad)
	}
}

func TestDeadLetterDocumentExpandsSnapshot(t *testing.T) {
	job := &models.DeadLetterJob{
		ID:             "dl-1",
		SourceType:     models.DeadLetterSourceWebhook,
		SourceID:       "evt-1",
		Payload:        []byte(`{"source":"vendor_response","retry_count":5}`),
		FailureHistory: []byte(`[{"attempt":1,"error":"db down","at":"2024-03-01T09:00:00Z"}]`),
		CreatedAt:      time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC),
	}

	out, err := yaml.Marshal(newDeadLetterDocument(job))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "dl-1", doc["id"])
	assert.Equal(t, "webhook", doc["source_type"])
	payload, ok := doc["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "vendor_response", payload["source"])
	history, ok := doc["failure_history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 1)
}

func TestDeadLetterDocumentKeepsRawPayload(t *testing.T) {
	doc := newDeadLetterDocument(&models.DeadLetterJob{ID: "dl-2", Payload: []byte("not json")})
	assert.Equal(t, "not json", doc.Payload)
	assert.Empty(t, doc.FailureHistory)
}
