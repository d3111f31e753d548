// Package flmon drives an event/round reconstruction loop against an FL
// server's HTTP surface (component C5), the sole writer of fl_round_<N>
// metrics. Ingestion is idempotent and incremental, keyed by
// (last_event_id, last_round_check); cursors advance only after a batch
// succeeds.
package flmon

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/internal/storage"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Monitor owns a dedicated worker goroutine polling the FL server.
type Monitor struct {
	http    *httpclient.Client
	store   *storage.Store
	log     *logger.Logger
	metrics *metrics.Metrics

	maxErrors int

	mu             sync.Mutex
	lastEventID    int64
	lastRoundCheck int
	knownRounds    map[int]bool
	stop           chan struct{}
	stopped        bool
	wg             sync.WaitGroup
}

// Options configures a Monitor.
type Options struct {
	BaseURL   string
	Store     *storage.Store
	MaxErrors int // consecutive failures before the worker stops; higher in dev mode
	DevMode   bool
	Log       *logger.Logger
	Metrics   *metrics.Metrics
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	maxErrors := opts.MaxErrors
	if maxErrors <= 0 {
		if opts.DevMode {
			maxErrors = 20
		} else {
			maxErrors = 5
		}
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("flmon")
	}
	return &Monitor{
		http:        httpclient.New(httpclient.Options{BaseURL: opts.BaseURL, Target: "fl_server", Log: log, Metrics: opts.Metrics}),
		store:       opts.Store,
		log:         log,
		metrics:     opts.Metrics,
		maxErrors:   maxErrors,
		knownRounds: make(map[int]bool),
		stop:        make(chan struct{}),
	}
}

// Start launches the dedicated worker, ticking every interval.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		consecutiveFailures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				err := m.tick(ctx)
				if m.metrics != nil {
					m.metrics.RecordMonitorTick("fl", err)
				}
				if err != nil {
					consecutiveFailures++
					m.log.WithError(err).WithField("consecutive_failures", consecutiveFailures).Warn("fl monitor tick failed")
					if consecutiveFailures > m.maxErrors {
						m.log.Error("fl monitor exceeded max consecutive errors, stopping worker")
						return
					}
				} else {
					consecutiveFailures = 0
				}
			}
		}
	}()
}

// Stop signals the worker to exit and waits for it to join.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stop)
	m.wg.Wait()
}

// tick runs one ingestion iteration: health check, events since cursor,
// then rounds since cursor.
func (m *Monitor) tick(ctx context.Context) error {
	var health map[string]interface{}
	if err := m.http.GetJSON(ctx, "/health", &health); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	if err := m.ingestEvents(ctx); err != nil {
		return fmt.Errorf("ingest events: %w", err)
	}
	if err := m.ingestRounds(ctx); err != nil {
		return fmt.Errorf("ingest rounds: %w", err)
	}
	return nil
}

func (m *Monitor) ingestEvents(ctx context.Context) error {
	m.mu.Lock()
	since := m.lastEventID
	m.mu.Unlock()

	raw, err := m.http.RawGET(ctx, fmt.Sprintf("/events?limit=100&since_event_id=%d", since))
	if err != nil {
		return err
	}

	result := gjson.ParseBytes(raw)
	events := result.Get("events")
	newLastID := since

	events.ForEach(func(_, ev gjson.Result) bool {
		id := ev.Get("event_id").String()
		if id == "" {
			id = fmt.Sprintf("fl-evt-%d", ev.Get("id").Int())
		}
		eventType := ev.Get("event_type").String()
		if eventType == "" {
			eventType = ev.Get("type").String()
		}
		level := ev.Get("event_level").String()
		if level == "" {
			level = model.DeriveLevel(eventType)
		}

		m.store.StoreEvent(ctx, model.Event{
			EventID:         id,
			Timestamp:       parseTimestamp(ev.Get("timestamp").String()),
			SourceComponent: model.SourceFLServer,
			EventType:       eventType,
			EventLevel:      level,
			Message:         ev.Get("message").String(),
			Details:         []byte(ev.Raw),
		})

		if round := ev.Get("round").Int(); eventType == "ROUND_END" && round > 0 {
			m.store.StoreMetric(ctx, fmt.Sprintf("fl_round_%d_event", round), map[string]interface{}{
				"event_type": eventType, "round_number": round,
			})
		}
		if eventType == "TRAINING_COMPLETE" {
			m.store.StoreMetric(ctx, "fl_training_completion", map[string]interface{}{
				"training_complete": true, "event_type": eventType,
			})
		}

		if eid := ev.Get("id").Int(); eid > newLastID {
			newLastID = eid
		}
		return true
	})

	m.mu.Lock()
	m.lastEventID = newLastID
	m.mu.Unlock()
	return nil
}

func (m *Monitor) ingestRounds(ctx context.Context) error {
	var latestResp struct {
		LatestRound int `json:"latest_round"`
	}
	if err := m.http.GetJSON(ctx, "/rounds/latest?limit=1", &latestResp); err != nil {
		return err
	}

	m.mu.Lock()
	lastCheck := m.lastRoundCheck
	m.mu.Unlock()

	if latestResp.LatestRound <= lastCheck {
		return nil
	}

	raw, err := m.http.RawGET(ctx, fmt.Sprintf("/rounds?start_round=%d&end_round=%d", lastCheck+1, latestResp.LatestRound))
	if err != nil {
		return err
	}

	newMax := lastCheck
	gjson.ParseBytes(raw).ForEach(func(_, r gjson.Result) bool {
		round := int(r.Get("round").Int())
		if round == 0 {
			round = int(r.Get("round_number").Int())
		}

		m.mu.Lock()
		already := m.knownRounds[round]
		m.mu.Unlock()
		if already {
			return true
		}

		complete := r.Get("training_complete").Bool()
		status := "complete"
		if round == latestResp.LatestRound && !complete {
			status = "training"
		}

		m.store.StoreMetric(ctx, fmt.Sprintf("fl_round_%d", round), map[string]interface{}{
			"round_number":      round,
			"accuracy":          numericOrZero(r.Get("accuracy")),
			"loss":              numericOrZero(r.Get("loss")),
			"clients_count":     intOrZero(r.Get("clients")),
			"training_duration": numericOrZero(r.Get("training_duration")),
			"model_size_mb":     m.resolveModelSizeMB(r.Get("model_size_mb"), round),
			"status":            status,
			"training_complete": complete,
		})

		m.mu.Lock()
		m.knownRounds[round] = true
		m.mu.Unlock()

		if round > newMax {
			newMax = round
		}
		return true
	})

	m.mu.Lock()
	m.lastRoundCheck = newMax
	m.mu.Unlock()
	return nil
}

// CollectMetrics assembles a current-state view for the query API from
// /health, /status and /rounds/latest.
func (m *Monitor) CollectMetrics(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{"fl_server_available": false}

	var health map[string]interface{}
	if err := m.http.GetJSON(ctx, "/health", &health); err != nil {
		return out
	}
	out["fl_server_available"] = true

	var status map[string]interface{}
	_ = m.http.GetJSON(ctx, "/status", &status)
	for k, v := range status {
		out[k] = v
	}

	var latest struct {
		LatestRound int                      `json:"latest_round"`
		Rounds      []map[string]interface{} `json:"rounds"`
	}
	_ = m.http.GetJSON(ctx, "/rounds/latest?limit=1", &latest)
	out["current_round"] = latest.LatestRound
	if len(latest.Rounds) > 0 {
		out["last_round_metrics"] = latest.Rounds[0]
	}

	trainingComplete, _ := out["training_complete"].(bool)
	stoppedByPolicy, _ := out["stopped_by_policy"].(bool)
	out["training_active"] = !stoppedByPolicy && !trainingComplete && latest.LatestRound > 0
	out["data_state"] = dataState(out)

	return out
}

func dataState(snapshot map[string]interface{}) string {
	if complete, _ := snapshot["training_complete"].(bool); complete {
		return "complete"
	}
	if round, _ := snapshot["current_round"].(int); round > 0 {
		return "active"
	}
	return "idle"
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs > 1e12 {
			return time.UnixMilli(int64(secs)).UTC()
		}
		return time.Unix(int64(secs), 0).UTC()
	}
	return time.Now().UTC()
}

func numericOrZero(r gjson.Result) float64 {
	if !r.Exists() {
		return 0
	}
	return r.Float()
}

// resolveModelSizeMB falls back to 0 when the FL server omits model_size_mb
// for a round, logging at WARNING rather than ERROR since a missing model
// size does not indicate a failed round.
func (m *Monitor) resolveModelSizeMB(r gjson.Result, round int) float64 {
	if !r.Exists() {
		m.log.WithField("round", round).Warn("model_size_mb unresolvable, storing 0")
		return 0
	}
	return r.Float()
}

func intOrZero(r gjson.Result) int {
	if !r.Exists() {
		return 0
	}
	return int(r.Int())
}
