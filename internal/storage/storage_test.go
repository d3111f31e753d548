package storage

import (
	"context"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(context.Background(), Options{
		Path:                 filepath.Join(dir, "collector.db"),
		MetricsRetentionDays: 14,
		EventsRetentionDays:  7,
		CleanupIntervalHours: 6,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreMetricUpsertsSummary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.StoreMetric(ctx, "fl_round_3", map[string]interface{}{
		"round_number": 3, "accuracy": 0.842, "loss": 0.055,
		"clients_count": 4, "training_duration": 7.1, "model_size_mb": 1.73,
	})

	rows := st.LoadMetrics(ctx, MetricFilter{MetricType: "fl_round_3", Limit: 10})
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].RoundNumber)
	assert.Equal(t, 3, *rows[0].RoundNumber)
	assert.InDelta(t, 0.842, *rows[0].Accuracy, 1e-9)

	summary := st.GetFLSummaryFast(ctx, 10)
	require.Len(t, summary, 1)
	assert.Equal(t, 3, summary[0].RoundNumber)
	assert.Equal(t, 4, summary[0].ClientsCount)
}

func TestStoreMetricSummaryUpsertLastWriterWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.StoreMetric(ctx, "fl_round_5", map[string]interface{}{"round_number": 5, "accuracy": 0.5})
	st.StoreMetric(ctx, "fl_round_5", map[string]interface{}{"round_number": 5, "accuracy": 0.9})

	summary := st.GetFLSummaryFast(ctx, 10)
	require.Len(t, summary, 1)
	assert.InDelta(t, 0.9, summary[0].Accuracy, 1e-9)
}

func TestStoreEventNormalizesLevel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.StoreEvent(ctx, eventFixture("evt-1", "ROUND_FAILED"))

	events := st.LoadEvents(ctx, EventFilter{Limit: 10})
	require.Len(t, events, 1)
	assert.Equal(t, "WARNING", events[0].EventLevel)
}

func TestLoadEventsSinceID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.StoreEvent(ctx, eventFixture("evt-1", "INFO_EVENT"))
	st.StoreEvent(ctx, eventFixture("evt-2", "INFO_EVENT"))

	all := st.LoadEvents(ctx, EventFilter{Limit: 10})
	require.Len(t, all, 2)

	recent := st.CountEvents(ctx, EventFilter{})
	assert.Equal(t, 2, recent)

	since := st.LoadEvents(ctx, EventFilter{SinceID: 1, Limit: 10})
	require.Len(t, since, 1)
	assert.Equal(t, "evt-2", since[0].EventID)
	assert.Equal(t, 1, st.CountEvents(ctx, EventFilter{SinceID: 1}))
}

func TestCleanupDuplicateRounds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.StoreMetric(ctx, "fl_round_1", map[string]interface{}{"round_number": 1, "accuracy": 0.1})
	st.StoreMetric(ctx, "fl_round_1", map[string]interface{}{"round_number": 1, "accuracy": 0.2})

	st.CleanupDuplicateRounds(ctx)

	rows := st.LoadMetrics(ctx, MetricFilter{MetricType: "fl_round_1", Limit: 10})
	assert.Len(t, rows, 1)
}

func eventFixture(id, eventType string) model.Event {
	return model.Event{EventID: id, SourceComponent: "FL_SERVER", EventType: eventType, Message: "test"}
}

// TestStoreMetricSwallowsWriteFailure drives a real database-level error
// (rather than a malformed-payload shortcut) through a sqlmock-backed Store
// to confirm StoreMetric logs and swallows it instead of panicking or
// propagating it into a monitor's collection loop.
func TestStoreMetricSwallowsWriteFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("INSERT INTO metrics").WillReturnError(assert.AnError)

	st := &Store{db: sqlx.NewDb(mockDB, "sqlmock"), log: logger.NewDefault("storage-test")}

	assert.NotPanics(t, func() {
		st.StoreMetric(context.Background(), "fl_round_9", map[string]interface{}{
			"round_number": 9, "accuracy": 0.5,
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}
