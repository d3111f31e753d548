// Package policymon runs three periodic collection tasks against the
// Policy Engine (component C6): engine metrics, policy decisions, and
// bucketed policy/decision counts for dashboard charts.
package policymon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/storage"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Monitor polls the Policy Engine's metrics/decisions endpoints.
type Monitor struct {
	http    *httpclient.Client
	store   *storage.Store
	log     *logger.Logger
	metrics *metrics.Metrics

	lastDecisionTimestamp time.Time
}

// Options configures a Monitor.
type Options struct {
	BaseURL string
	Store   *storage.Store
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("policymon")
	}
	return &Monitor{
		http:    httpclient.New(httpclient.Options{BaseURL: opts.BaseURL, Target: "policy_engine", Log: log, Metrics: opts.Metrics}),
		store:   opts.Store,
		log:     log,
		metrics: opts.Metrics,
	}
}

// Collect runs all three tasks once.
func (m *Monitor) Collect(ctx context.Context) {
	if m.metrics != nil {
		defer func() { m.metrics.RecordMonitorTick("policy", nil) }()
	}
	m.collectEngineMetrics(ctx)
	m.collectDecisions(ctx)
	m.collectBucketedMetrics(ctx)
}

func (m *Monitor) collectEngineMetrics(ctx context.Context) {
	var metrics map[string]interface{}
	if err := m.http.GetJSON(ctx, "/metrics", &metrics); err != nil {
		m.log.WithError(err).Warn("policy engine metrics fetch failed")
		return
	}
	m.store.StoreMetric(ctx, "policy_engine", metrics)
}

func (m *Monitor) collectDecisions(ctx context.Context) {
	path := fmt.Sprintf("/api/v1/policy_decisions?start_time=%s&limit=1000", m.lastDecisionTimestamp.UTC().Format(time.RFC3339))
	raw, err := m.http.RawGET(ctx, path)
	if err != nil {
		m.log.WithError(err).Warn("policy decisions fetch failed")
		return
	}

	maxTS := m.lastDecisionTimestamp
	gjson.ParseBytes(raw).ForEach(func(_, d gjson.Result) bool {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(d.Raw), &data); err == nil {
			m.store.StoreMetric(ctx, "policy_decisions", data)
		}
		if ts, err := time.Parse(time.RFC3339, d.Get("timestamp").String()); err == nil && ts.After(maxTS) {
			maxTS = ts
		}
		return true
	})
	m.lastDecisionTimestamp = maxTS
}

func (m *Monitor) collectBucketedMetrics(ctx context.Context) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	path := fmt.Sprintf("/api/v1/policy_metrics?start_time=%s&end_time=%s", start.Format(time.RFC3339), end.Format(time.RFC3339))

	raw, err := m.http.RawGET(ctx, path)
	if err != nil {
		m.log.WithError(err).Warn("policy metrics fetch failed")
		return
	}

	gjson.ParseBytes(raw).ForEach(func(_, bucket gjson.Result) bool {
		allowed := bucket.Get("allowed").Int()
		denied := bucket.Get("denied").Int()
		total := allowed + denied
		denialRate := 0.0
		if total > 0 {
			denialRate = float64(denied) / float64(total)
		}

		var full map[string]interface{}
		_ = json.Unmarshal([]byte(bucket.Raw), &full)
		m.store.StoreMetric(ctx, "policy_count", full)

		m.store.StoreMetric(ctx, "decision_count", map[string]interface{}{
			"allowed": allowed, "denied": denied, "total": total, "denial_rate": denialRate,
			"bucket": bucket.Get("timestamp").String(),
		})
		return true
	})
}
