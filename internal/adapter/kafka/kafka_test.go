package kafka

import (
	"encoding/json"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

func TestMapMessageToRawRecord(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("key-1"),
		Value:     []byte(`{"country":"GB"}`),
		Topic:     "openaq-measurements",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("openaq-v2")},
		},
	}

	raw := mapMessageToRawRecord(msg)

	assert.Equal(t, []byte("key-1"), raw.Key)
	assert.JSONEq(t, `{"country":"GB"}`, string(raw.Value))
	assert.Equal(t, "openaq-measurements", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "openaq-v2", raw.Source)
	assert.Nil(t, raw.Commit)
}

func TestMapMessageToRawRecord_SourceDefaultsToTopic(t *testing.T) {
	raw := mapMessageToRawRecord(kafkago.Message{Topic: "openaq-measurements"})
	assert.Equal(t, "openaq-measurements", raw.Source)
	assert.Empty(t, raw.Headers)
}

func TestSerializeToMessage(t *testing.T) {
	finished := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	summary := domain.RunSummary{
		RunID:      "run-1",
		Status:     domain.RunFailed,
		StartedAt:  finished.Add(-5 * time.Second),
		FinishedAt: finished,
		Received:   3,
		Inserted:   domain.EntityCounts{},
		Error:      "constraint violation",
	}

	msg, err := serializeToMessage(summary)
	require.NoError(t, err)

	assert.Equal(t, []byte("run-1"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("failed"), msg.Headers[0].Value)
	assert.Equal(t, "finished_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(finished.Format(time.RFC3339)), msg.Headers[1].Value)

	var decoded domain.RunSummary
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, summary.RunID, decoded.RunID)
	assert.Equal(t, summary.Error, decoded.Error)
	assert.Equal(t, 3, decoded.Received)
}
