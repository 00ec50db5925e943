//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/air-quality-etl/internal/adapter/kafka"
	"github.com/couchcryptid/air-quality-etl/internal/config"
	"github.com/couchcryptid/air-quality-etl/internal/domain"
	"github.com/couchcryptid/air-quality-etl/internal/observability"
	"github.com/couchcryptid/air-quality-etl/internal/pipeline"
	"github.com/couchcryptid/air-quality-etl/internal/store"
)

const (
	testSourceTopic  = "test-measurements"
	testSummaryTopic = "test-load-runs"
)

type publishedSummary struct {
	Summary domain.RunSummary
	Key     string
	Headers map[string]string
}

func readSummary(ctx context.Context, t *testing.T, consumer *kafkago.Reader) publishedSummary {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from summary topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var s domain.RunSummary
	require.NoError(t, json.Unmarshal(msg.Value, &s), "unmarshal summary")
	return publishedSummary{Summary: s, Key: string(msg.Key), Headers: headers}
}

func kafkaConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testSourceTopic,
		KafkaSummaryTopic:  testSummaryTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 2 * time.Second,
	}
}

func summaryConsumer(t *testing.T, broker string) *kafkago.Reader {
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSummaryTopic,
		GroupID:     fmt.Sprintf("test-summaries-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

func sqliteLoader(ctx context.Context, t *testing.T, metrics *observability.Metrics) (*store.Store, *pipeline.Loader) {
	t.Helper()
	st, err := store.Open(ctx, store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "aq.db"),
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st, pipeline.NewLoader(st, pipeline.LoaderConfig{ConflictPolicy: domain.ConflictReject}, discardLogger(), metrics)
}

// TestKafkaReaderWriter round-trips a raw record through the source topic
// and a run summary through the summary topic.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSummaryTopic)
	cfg := kafkaConfig(broker, "test-reader")

	payload := fixtureRecords(t)[0].Value
	produce(ctx, t, broker, testSourceTopic, payload)

	// The consumer group may need time to rebalance before partitions are assigned.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawRecord
	for {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if len(batch) > 0 {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, []byte("reading-0"), raw.Key)
	assert.JSONEq(t, string(payload), string(raw.Value))
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	summary := domain.RunSummary{
		RunID:      "run-under-test",
		Status:     domain.RunSucceeded,
		StartedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
		Received:   1,
	}
	require.NoError(t, writer.Publish(ctx, summary))

	got := readSummary(ctx, t, summaryConsumer(t, broker))
	assert.Equal(t, "run-under-test", got.Key)
	assert.Equal(t, "success", got.Headers["status"])
	assert.Equal(t, "2024-03-01T12:00:01Z", got.Headers["finished_at"])
	assert.Equal(t, 1, got.Summary.Received)
}

// TestPipelineEndToEnd runs Kafka source → loader (SQLite) → summary topic.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSummaryTopic)
	cfg := kafkaConfig(broker, "test-pipeline")

	var values [][]byte
	for _, r := range fixtureRecords(t) {
		values = append(values, r.Value)
	}
	produce(ctx, t, broker, testSourceTopic, values...)

	metrics := observability.NewMetricsForTesting()
	st, loader := sqliteLoader(ctx, t, metrics)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	p := pipeline.New(reader, loader, writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := summaryConsumer(t, broker)
	var received, inserted int
	for received < len(values) {
		s := readSummary(ctx, t, consumer).Summary
		require.Equal(t, domain.RunSucceeded, s.Status, s.Error)
		received += s.Received
		inserted += s.Inserted.Measurements
	}

	pipelineCancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, 3, inserted)
	report, err := st.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, domain.EntityCounts{Countries: 1, Cities: 2, Locations: 2, Measurements: 3}, report.Rows)
	assert.GreaterOrEqual(t, report.Runs, 1)
}

// TestPipelineMalformedMessage verifies an undecodable message is discarded
// and counted while the rest of its batch still loads.
func TestPipelineMalformedMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSummaryTopic)
	cfg := kafkaConfig(broker, "test-malformed")

	produce(ctx, t, broker, testSourceTopic, []byte("not-json{{{"), fixtureRecords(t)[0].Value)

	metrics := observability.NewMetricsForTesting()
	st, loader := sqliteLoader(ctx, t, metrics)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	p := pipeline.New(reader, loader, writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := summaryConsumer(t, broker)
	var received, discarded int
	for received < 2 {
		s := readSummary(ctx, t, consumer).Summary
		received += s.Received
		discarded += s.Discards.Total
	}

	pipelineCancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, 1, discarded)
	report, err := st.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rows.Measurements)
}
