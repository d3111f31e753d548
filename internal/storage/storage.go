// Package storage is the embedded SQL-backed time-series store for metrics
// and events (component C1): a single SQLite file opened in WAL mode,
// indexed for the query API's read patterns, with retention/archival and
// duplicate-round cleanup.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/infrastructure/migrations"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

var roundTypeRe = regexp.MustCompile(`^fl_round_(\d+)$`)

// Store is the process-wide Storage instance, owned by the scheduler (C8)
// and passed by reference to every monitor and the API — never a package
// global.
type Store struct {
	db   *sqlx.DB
	log  *logger.Logger
	path string

	mu              sync.Mutex
	lastCleanup     time.Time
	cleanupInterval time.Duration
	metricsRetain   time.Duration
	eventsRetain    time.Duration
	metrics         *metrics.Metrics
}

// Options configures retention and cleanup cadence.
type Options struct {
	Path                 string
	MetricsRetentionDays int
	EventsRetentionDays  int
	CleanupIntervalHours int
	Log                  *logger.Logger
	Metrics              *metrics.Metrics
}

// Open creates (or attaches to) the SQLite file at opts.Path, applies
// pragmas, runs embedded migrations, and returns a ready Store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.MetricsRetentionDays <= 0 {
		opts.MetricsRetentionDays = 14
	}
	if opts.EventsRetentionDays <= 0 {
		opts.EventsRetentionDays = 7
	}
	if opts.CleanupIntervalHours <= 0 {
		opts.CleanupIntervalHours = 6
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("storage")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-10000&_temp_store=MEMORY&_busy_timeout=5000", opts.Path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite write-serialized; one logical worker per connection is acquired lazily

	if err := migrations.Apply(ctx, db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate storage: %w", err)
	}

	return &Store{
		db:              db,
		log:             log,
		path:            opts.Path,
		cleanupInterval: time.Duration(opts.CleanupIntervalHours) * time.Hour,
		metricsRetain:   time.Duration(opts.MetricsRetentionDays) * 24 * time.Hour,
		eventsRetain:    time.Duration(opts.EventsRetentionDays) * 24 * time.Hour,
		metrics:         opts.Metrics,
	}, nil
}

// recordWrite reports a write outcome to Prometheus, if metrics are wired.
func (s *Store) recordWrite(table string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStorageWrite(table, err)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DebugInfo reports the backing database file's path, existence, and size,
// plus a coarse count of stored metrics and events — a diagnostic surface
// for an operator confirming the collector is actually persisting data.
func (s *Store) DebugInfo(ctx context.Context) map[string]interface{} {
	info := map[string]interface{}{"db_path": s.path}
	if fi, err := os.Stat(s.path); err == nil {
		info["db_exists"] = true
		info["db_size_bytes"] = fi.Size()
	} else {
		info["db_exists"] = false
	}
	info["total_metrics_count"] = s.CountMetrics(ctx, MetricFilter{})
	info["total_events_count"] = s.CountEvents(ctx, EventFilter{})
	return info
}

// StoreMetric persists a metric row, extracting the fast-path columns and
// upserting fl_training_summary when round_number and accuracy are both
// present. Write failures are logged and swallowed: a dropped sample never
// crashes the calling monitor's loop.
func (s *Store) StoreMetric(ctx context.Context, metricType string, data map[string]interface{}) {
	ts := time.Now().UTC()

	var roundNumber *int
	if m := roundTypeRe.FindStringSubmatch(metricType); m != nil {
		n, _ := strconv.Atoi(m[1])
		roundNumber = &n
	} else if rn, ok := intFromAny(data["round_number"]); ok {
		roundNumber = &rn
	}

	accuracy := floatPtrFromAny(data["accuracy"])
	loss := floatPtrFromAny(data["loss"])
	status, _ := data["status"].(string)
	source, _ := data["source_component"].(string)

	payload, err := json.Marshal(data)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal metric payload")
		return
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics (timestamp, metric_type, source_component, round_number, accuracy, loss, status, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), metricType, nullStr(source), nullIntPtr(roundNumber),
		nullFloatPtr(accuracy), nullFloatPtr(loss), nullStr(status), string(payload))
	s.recordWrite("metrics", err)
	if err != nil {
		s.log.WithError(err).Error("failed to store metric")
		return
	}

	if roundNumber != nil && accuracy != nil {
		s.upsertSummary(ctx, *roundNumber, ts, *accuracy, loss, data)
	}

	s.maybeCleanup(ctx)
}

func (s *Store) upsertSummary(ctx context.Context, round int, ts time.Time, accuracy float64, loss *float64, data map[string]interface{}) {
	duration := floatFromAny(data["training_duration"])
	modelSize := floatFromAny(data["model_size_mb"])
	clients := 0
	if c, ok := intFromAny(data["clients_count"]); ok {
		clients = c
	} else if c, ok := intFromAny(data["clients"]); ok {
		clients = c
	}
	status, _ := data["status"].(string)
	complete, _ := data["training_complete"].(bool)

	lossVal := 0.0
	if loss != nil {
		lossVal = *loss
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fl_training_summary (round_number, timestamp, accuracy, loss, training_duration, model_size_mb, clients_count, status, training_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round_number) DO UPDATE SET
			timestamp=excluded.timestamp, accuracy=excluded.accuracy, loss=excluded.loss,
			training_duration=excluded.training_duration, model_size_mb=excluded.model_size_mb,
			clients_count=excluded.clients_count, status=excluded.status, training_complete=excluded.training_complete`,
		round, ts.Format(time.RFC3339Nano), accuracy, lossVal, duration, modelSize, clients, status, boolToInt(complete))
	s.recordWrite("fl_training_summary", err)
	if err != nil {
		s.log.WithError(err).Error("failed to upsert fl_training_summary")
	}
}

// StoreEvent normalizes and persists ev. Write failures are logged and
// swallowed.
func (s *Store) StoreEvent(ctx context.Context, ev model.Event) {
	if ev.EventLevel == "" {
		ev.EventLevel = model.DeriveLevel(ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	details := ev.Details
	if details == nil {
		details = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, timestamp, source_component, event_type, event_level, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Timestamp.Format(time.RFC3339Nano), ev.SourceComponent, ev.EventType, ev.EventLevel, ev.Message, string(details))
	s.recordWrite("events", err)
	if err != nil {
		s.log.WithError(err).Error("failed to store event")
	}
}

// MetricFilter bounds a LoadMetrics/CountMetrics query.
type MetricFilter struct {
	StartTime       *time.Time
	EndTime         *time.Time
	MetricType      string
	SourceComponent string
	Limit           int
	Offset          int
	SortDesc        bool
}

// LoadMetrics returns rows matching filter, newest-or-oldest first per
// SortDesc. Read failures return an empty slice rather than propagating.
func (s *Store) LoadMetrics(ctx context.Context, f MetricFilter) []model.Metric {
	query, args := buildMetricsQuery("SELECT timestamp, metric_type, source_component, round_number, accuracy, loss, status, data FROM metrics", f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.log.WithError(err).Warn("failed to load metrics")
		return []model.Metric{}
	}
	defer rows.Close()

	out := []model.Metric{}
	for rows.Next() {
		var m model.Metric
		var ts string
		var source, status sql.NullString
		var round sql.NullInt64
		var accuracy, loss sql.NullFloat64
		var data sql.NullString
		if err := rows.Scan(&ts, &m.MetricType, &source, &round, &accuracy, &loss, &status, &data); err != nil {
			continue
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		m.SourceComponent = source.String
		m.Status = status.String
		if round.Valid {
			r := int(round.Int64)
			m.RoundNumber = &r
		}
		if accuracy.Valid {
			a := accuracy.Float64
			m.Accuracy = &a
		}
		if loss.Valid {
			l := loss.Float64
			m.Loss = &l
		}
		if data.Valid {
			m.Data = json.RawMessage(data.String)
		}
		out = append(out, m)
	}
	return out
}

// CountMetrics returns the row count matching filter (ignoring Limit/Offset/SortDesc).
func (s *Store) CountMetrics(ctx context.Context, f MetricFilter) int {
	f.Limit, f.Offset = 0, 0
	query, args := buildMetricsQuery("SELECT COUNT(*) FROM metrics", f)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		s.log.WithError(err).Warn("failed to count metrics")
		return 0
	}
	return n
}

func buildMetricsQuery(base string, f MetricFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	if f.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if f.EndTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if f.MetricType != "" {
		where = append(where, "metric_type = ?")
		args = append(args, f.MetricType)
	}
	if f.SourceComponent != "" {
		where = append(where, "source_component = ?")
		args = append(args, f.SourceComponent)
	}

	q := base
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if strings.HasPrefix(base, "SELECT timestamp") {
		order := "ASC"
		if f.SortDesc {
			order = "DESC"
		}
		q += " ORDER BY timestamp " + order
		limit := f.Limit
		if limit <= 0 || limit > 1000 {
			limit = 1000
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	return q, args
}

// EventFilter bounds a LoadEvents/CountEvents query; Component/Level accept
// both canonical and legacy parameter names upstream of this struct.
type EventFilter struct {
	StartTime       *time.Time
	EndTime         *time.Time
	SourceComponent string
	EventType       string
	EventLevel      string
	SinceID         int64
	Limit           int
	Offset          int
	SortDesc        bool
}

// LoadEvents returns events matching filter.
func (s *Store) LoadEvents(ctx context.Context, f EventFilter) []model.Event {
	var where []string
	var args []interface{}
	if f.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if f.EndTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if f.SourceComponent != "" {
		where = append(where, "source_component = ?")
		args = append(args, f.SourceComponent)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.EventLevel != "" {
		where = append(where, "event_level = ?")
		args = append(args, f.EventLevel)
	}
	if f.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.SinceID)
	}

	q := "SELECT event_id, timestamp, source_component, event_type, event_level, message, details FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	order := "ASC"
	if f.SortDesc {
		order = "DESC"
	}
	q += " ORDER BY timestamp " + order
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.log.WithError(err).Warn("failed to load events")
		return []model.Event{}
	}
	defer rows.Close()

	out := []model.Event{}
	for rows.Next() {
		var e model.Event
		var ts string
		var details sql.NullString
		if err := rows.Scan(&e.EventID, &ts, &e.SourceComponent, &e.EventType, &e.EventLevel, &e.Message, &details); err != nil {
			continue
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		out = append(out, e)
	}
	return out
}

// CountEvents mirrors LoadEvents but returns only the matching row count.
func (s *Store) CountEvents(ctx context.Context, f EventFilter) int {
	var where []string
	var args []interface{}
	if f.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if f.EndTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if f.SourceComponent != "" {
		where = append(where, "source_component = ?")
		args = append(args, f.SourceComponent)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.EventLevel != "" {
		where = append(where, "event_level = ?")
		args = append(args, f.EventLevel)
	}
	if f.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.SinceID)
	}
	q := "SELECT COUNT(*) FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		s.log.WithError(err).Warn("failed to count events")
		return 0
	}
	return n
}

// GetLatestFLMetrics returns the newest fl_server row; when its accuracy is
// zero, it is enriched from the latest completed round in the summary
// table.
func (s *Store) GetLatestFLMetrics(ctx context.Context) *model.Metric {
	rows := s.LoadMetrics(ctx, MetricFilter{MetricType: "fl_server", Limit: 1, SortDesc: true})
	if len(rows) == 0 {
		return nil
	}
	latest := rows[0]
	if latest.Accuracy == nil || *latest.Accuracy == 0 {
		if sum := s.latestCompletedSummary(ctx); sum != nil {
			a := sum.Accuracy
			latest.Accuracy = &a
		}
	}
	return &latest
}

func (s *Store) latestCompletedSummary(ctx context.Context) *model.FLRoundSummary {
	row := s.db.QueryRowContext(ctx, `
		SELECT round_number, timestamp, accuracy, loss, training_duration, model_size_mb, clients_count, status, training_complete
		FROM fl_training_summary WHERE training_complete = 1 ORDER BY round_number DESC LIMIT 1`)
	var sum model.FLRoundSummary
	var ts string
	var complete int
	if err := row.Scan(&sum.RoundNumber, &ts, &sum.Accuracy, &sum.Loss, &sum.TrainingDuration, &sum.ModelSizeMB, &sum.ClientsCount, &sum.Status, &complete); err != nil {
		return nil
	}
	sum.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	sum.TrainingComplete = complete != 0
	return &sum
}

// GetFLSummaryFast returns up to limit dense per-round rows, ascending by
// round number, for fast chart rendering.
func (s *Store) GetFLSummaryFast(ctx context.Context, limit int) []model.FLRoundSummary {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_number, timestamp, accuracy, loss, training_duration, model_size_mb, clients_count, status, training_complete
		FROM fl_training_summary ORDER BY round_number ASC LIMIT ?`, limit)
	if err != nil {
		s.log.WithError(err).Warn("failed to load fl summary")
		return []model.FLRoundSummary{}
	}
	defer rows.Close()

	out := []model.FLRoundSummary{}
	for rows.Next() {
		var sum model.FLRoundSummary
		var ts string
		var complete int
		if err := rows.Scan(&sum.RoundNumber, &ts, &sum.Accuracy, &sum.Loss, &sum.TrainingDuration, &sum.ModelSizeMB, &sum.ClientsCount, &sum.Status, &complete); err != nil {
			continue
		}
		sum.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		sum.TrainingComplete = complete != 0
		out = append(out, sum)
	}
	return out
}

// maybeCleanup runs Cleanup at most once per cleanup interval.
func (s *Store) maybeCleanup(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastCleanup) >= s.cleanupInterval
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()

	if due {
		s.Cleanup(ctx)
	}
}

// Cleanup archives rounds older than the retention cutoff into the summary
// table, deletes aged rows, then runs VACUUM through the store's own
// connection pool, outside any transaction. Retention failure never blocks
// writes; vacuum errors are warnings only.
func (s *Store) Cleanup(ctx context.Context) {
	metricsCutoff := time.Now().UTC().Add(-s.metricsRetain).Format(time.RFC3339Nano)
	eventsCutoff := time.Now().UTC().Add(-s.eventsRetain).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
		SELECT round_number, timestamp, accuracy, loss, data FROM metrics
		WHERE metric_type LIKE 'fl_round_%' AND timestamp < ? AND round_number IS NOT NULL`, metricsCutoff)
	if err != nil {
		s.log.WithError(err).Warn("cleanup: failed to scan aged fl rounds")
	} else {
		for rows.Next() {
			var round int
			var ts string
			var accuracy, loss sql.NullFloat64
			var data sql.NullString
			if err := rows.Scan(&round, &ts, &accuracy, &loss, &data); err != nil {
				continue
			}
			var payload map[string]interface{}
			if data.Valid {
				_ = json.Unmarshal([]byte(data.String), &payload)
			}
			tsParsed, _ := time.Parse(time.RFC3339Nano, ts)
			acc := 0.0
			if accuracy.Valid {
				acc = accuracy.Float64
			}
			var lossPtr *float64
			if loss.Valid {
				l := loss.Float64
				lossPtr = &l
			}
			s.upsertSummary(ctx, round, tsParsed, acc, lossPtr, payload)
		}
		rows.Close()
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM metrics WHERE timestamp < ?", metricsCutoff); err != nil {
		s.log.WithError(err).Error("cleanup: failed to delete aged metrics")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", eventsCutoff); err != nil {
		s.log.WithError(err).Error("cleanup: failed to delete aged events")
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.log.WithError(err).Warn("cleanup: vacuum failed")
	}
}

// CleanupDuplicateRounds keeps only the highest-id fl_round_* row per
// round_number in the metrics table. fl_training_summary is not touched:
// its round_number primary key already holds one row per round.
func (s *Store) CleanupDuplicateRounds(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM metrics WHERE metric_type LIKE 'fl_round_%' AND id NOT IN (
			SELECT MAX(id) FROM metrics WHERE metric_type LIKE 'fl_round_%' GROUP BY round_number
		)`); err != nil {
		s.log.WithError(err).Warn("failed to dedupe metric rounds")
	}
}

func nullStr(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullIntPtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloatPtr(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intFromAny(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func floatFromAny(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func floatPtrFromAny(v interface{}) *float64 {
	if v == nil {
		return nil
	}
	f := floatFromAny(v)
	return &f
}
