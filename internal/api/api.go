// Package api is the HTTP query/streaming surface over collected metrics
// and events (component C9): REST endpoints, WebSocket live subscriptions,
// and pass-through live queries against the FL server, Policy Engine, and
// SDN controller.
package api

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/infrastructure/middleware"
	"github.com/r3e-network/fl-testbed-observer/internal/flmon"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/internal/netmon"
	"github.com/r3e-network/fl-testbed-observer/internal/policyclient"
	"github.com/r3e-network/fl-testbed-observer/internal/storage"
	"github.com/r3e-network/fl-testbed-observer/pkg/config"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

const apiVersion = "1.0"

// Collaborators bundles every collaborator the API needs, passed by
// reference at construction — no back-pointers, no package globals.
type Collaborators struct {
	Store        *storage.Store
	FLMonitor    *flmon.Monitor
	Netmon       *netmon.Monitor
	PolicyClient *policyclient.Client
	FLServer     *httpclient.Client
	Metrics      *metrics.Metrics
	Cfg          config.Config
	Log          *logger.Logger
}

// Server is the HTTP query/streaming API.
type Server struct {
	c   Collaborators
	mux *mux.Router

	flCacheMu sync.Mutex
	flCache   map[string]flCacheEntry
}

type flCacheEntry struct {
	value   interface{}
	expires time.Time
}

// NewServer builds the router and wires cross-cutting middleware.
func NewServer(c Collaborators) *Server {
	s := &Server{c: c, flCache: make(map[string]flCacheEntry)}
	s.mux = s.buildRouter()
	return s
}

// Handler returns the fully-wired http.Handler, ready for http.Server.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	recovery := middleware.NewRecovery(s.c.Log)
	logging := middleware.Logging(s.c.Log)
	cors := middleware.NewCORS(middleware.CORSConfig{Enabled: s.c.Cfg.EnableCORS, AllowedOrigins: s.c.Cfg.APIAllowedOrigins})
	r.Use(recovery.Handler, logging, cors.Handler, middleware.SecurityHeaders(nil),
		middleware.Timeout(20*time.Second), middleware.BodyLimit(0))

	if s.c.Metrics != nil {
		r.Use(middleware.Metrics(s.c.Metrics))
	}

	if s.c.Cfg.APIRateLimitEnabled {
		limiter := middleware.NewRateLimiter(s.c.Cfg.APIRateLimitPerSec, s.c.Cfg.APIRateLimitBurst, s.c.Log)
		limiter.StartCleanup(time.Minute)
		r.Use(limiter.Handler)
	}

	if s.c.Cfg.APIAuthEnabled {
		auth := middleware.NewBasicAuth(s.c.Log, true, s.c.Cfg.APIUsername, s.c.Cfg.APIPassword, "collector")
		r.Use(auth.Handler)
	} else {
		s.c.Log.Warn("API authentication is disabled")
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/", s.handleSelfDescribe).Methods(http.MethodGet)

	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/latest", s.handleMetricsLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/fl", s.handleMetricsFL).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/fl/rounds", s.handleMetricsFLRounds).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/fl/status", s.handleMetricsFLStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/fl/config", s.handleMetricsFLConfig).Methods(http.MethodGet)

	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/events/summary", s.handleEventsSummary).Methods(http.MethodGet)

	r.HandleFunc("/api/policy/decisions", s.handlePolicyDecisions).Methods(http.MethodGet)

	r.HandleFunc("/api/network/topology", s.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/api/network/topology/live", s.handleTopologyLive).Methods(http.MethodGet)
	r.HandleFunc("/api/network/flows", s.handleNetworkFlows).Methods(http.MethodGet)

	r.HandleFunc("/api/performance/metrics", s.handlePerformanceMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/flows/statistics", s.handleFlowStatistics).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/optimize", s.handleDebugOptimize).Methods(http.MethodPost)
	r.HandleFunc("/api/debug/storage", s.handleDebugStorage).Methods(http.MethodGet)

	r.HandleFunc("/ws/metrics", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, map[string]interface{}{"status": "healthy", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, middleware.RuntimeStats())
}

func (s *Server) handleSelfDescribe(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, map[string]interface{}{
		"name": "fl-testbed-observer", "api_version": apiVersion,
		"endpoints": []string{
			"/api/metrics", "/api/metrics/latest", "/api/metrics/fl", "/api/metrics/fl/rounds",
			"/api/metrics/fl/status", "/api/metrics/fl/config", "/api/events", "/api/events/summary",
			"/api/policy/decisions", "/api/network/topology", "/api/network/topology/live",
			"/api/network/flows", "/api/performance/metrics", "/api/flows/statistics", "/api/debug/optimize",
			"/api/debug/storage",
		},
	})
}

func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseFloatParam(r *http.Request, name string) (float64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func parseTimeParam(r *http.Request, name string) *time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// handleMetrics: GET /api/metrics — paginated scan with filters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	f := storage.MetricFilter{
		MetricType:      q.Get("type"),
		SourceComponent: q.Get("source_component"),
		StartTime:       parseTimeParam(r, "start"),
		EndTime:         parseTimeParam(r, "end"),
		Limit:           limit,
		Offset:          offset,
		SortDesc:        true,
	}

	rows := s.c.Store.LoadMetrics(r.Context(), f)
	total := s.c.Store.CountMetrics(r.Context(), f)
	middleware.WriteJSON(w, map[string]interface{}{"metrics": rows, "total": total, "limit": limit, "offset": offset})
}

// handleMetricsLatest: GET /api/metrics/latest?type=...
func (s *Server) handleMetricsLatest(w http.ResponseWriter, r *http.Request) {
	metricType := r.URL.Query().Get("type")
	if metricType == "" {
		middleware.WriteError(w, middleware.ErrBadRequest("type is required"))
		return
	}

	if metricType == "fl_server" {
		latest := s.c.Store.GetLatestFLMetrics(r.Context())
		if latest == nil {
			middleware.WriteJSON(w, map[string]interface{}{"status": "idle"})
			return
		}
		middleware.WriteJSON(w, shapeFLDashboard(*latest))
		return
	}

	rows := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: metricType, Limit: 1, SortDesc: true})
	if len(rows) == 0 {
		middleware.WriteJSON(w, map[string]interface{}{})
		return
	}
	middleware.WriteJSON(w, rows[0])
}

func shapeFLDashboard(m model.Metric) map[string]interface{} {
	status := "idle"
	if m.Status != "" {
		status = m.Status
	}
	out := map[string]interface{}{"timestamp": m.Timestamp.Format(time.RFC3339), "status": status}
	if m.Accuracy != nil {
		out["accuracy"] = *m.Accuracy
	}
	if m.Loss != nil {
		out["loss"] = *m.Loss
	}
	if m.RoundNumber != nil {
		out["round_number"] = *m.RoundNumber
	}
	return out
}

// handleMetricsFL: GET /api/metrics/fl — combined snapshots with TTL cache.
func (s *Server) handleMetricsFL(w http.ResponseWriter, r *http.Request) {
	key := cacheKeyFromQuery(r.URL.Query())

	s.flCacheMu.Lock()
	if entry, ok := s.flCache[key]; ok && time.Now().Before(entry.expires) {
		s.flCacheMu.Unlock()
		middleware.WriteJSON(w, entry.value)
		return
	}
	s.flCacheMu.Unlock()

	snapshots := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "fl_server", Limit: 200, SortDesc: true})
	progress := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "fl_training_progress", Limit: 200, SortDesc: true})
	summary := s.c.Store.GetFLSummaryFast(r.Context(), 1000)

	combined := make([]interface{}, 0, len(snapshots)+len(progress)+len(summary))
	seenTimestamps := make(map[string]bool)
	for _, m := range append(snapshots, progress...) {
		ts := m.Timestamp.Format(time.RFC3339)
		if seenTimestamps[ts] {
			continue
		}
		seenTimestamps[ts] = true
		combined = append(combined, m)
	}
	for _, row := range summary {
		combined = append(combined, row)
	}

	result := map[string]interface{}{"data": combined, "count": len(combined)}

	s.flCacheMu.Lock()
	s.flCache[key] = flCacheEntry{value: result, expires: time.Now().Add(10 * time.Second)}
	s.flCacheMu.Unlock()

	middleware.WriteJSON(w, result)
}

func cacheKeyFromQuery(q map[string][]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := md5.New()
	for _, k := range keys {
		h.Write([]byte(k))
		for _, v := range q[k] {
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// handleMetricsFLRounds: GET /api/metrics/fl/rounds — the consolidated
// rounds endpoint, per §4.9's six-step algorithm.
func (s *Server) handleMetricsFLRounds(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	limit := parseIntParam(r, "limit", 100)
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	source := firstNonEmptyStr(q.Get("source"), "both")
	format := firstNonEmptyStr(q.Get("format"), "detailed")
	sortOrder := firstNonEmptyStr(q.Get("sort_order"), "asc")
	pollingMode := q.Get("polling_mode") == "true"

	records := make(map[int]map[string]interface{})

	if pollingMode && (q.Get("since_round") != "" || q.Get("since_timestamp") != "") {
		sinceRound := parseIntParam(r, "since_round", 0)
		for _, row := range s.c.Store.GetFLSummaryFast(r.Context(), limit) {
			if row.RoundNumber > sinceRound {
				records[row.RoundNumber] = summaryRecord(row, "collector")
			}
		}
	} else {
		if source == "collector" || source == "both" {
			for _, row := range s.c.Store.GetFLSummaryFast(r.Context(), limit) {
				records[row.RoundNumber] = summaryRecord(row, "collector")
			}
			for _, m := range s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "fl_server", Limit: limit, SortDesc: true}) {
				if m.RoundNumber != nil {
					records[*m.RoundNumber] = mergeRecord(records[*m.RoundNumber], metricRecord(m, "collector"))
				}
			}
		}
		if (source == "fl_server" || source == "both") && s.c.FLServer != nil {
			var flResp struct {
				Rounds []map[string]interface{} `json:"rounds"`
			}
			if err := s.c.FLServer.GetJSON(r.Context(), "/rounds", &flResp); err == nil {
				for _, rec := range flResp.Rounds {
					round := intFrom(rec["round"])
					rec["data_source"] = "fl_server"
					records[round] = mergeRecord(records[round], rec)
				}
			}
		}
	}

	if minAcc, ok := parseFloatParam(r, "min_accuracy"); ok {
		for k, rec := range records {
			if acc, ok := rec["accuracy"].(float64); ok && acc < minAcc {
				delete(records, k)
			}
		}
	}
	if maxAcc, ok := parseFloatParam(r, "max_accuracy"); ok {
		for k, rec := range records {
			if acc, ok := rec["accuracy"].(float64); ok && acc > maxAcc {
				delete(records, k)
			}
		}
	}

	rounds := make([]int, 0, len(records))
	for k := range records {
		rounds = append(rounds, k)
	}
	if sortOrder == "desc" {
		sort.Sort(sort.Reverse(sort.IntSlice(rounds)))
	} else {
		sort.Ints(rounds)
	}
	if len(rounds) > limit {
		rounds = rounds[:limit]
	}

	out := make([]map[string]interface{}, 0, len(rounds))
	for _, round := range rounds {
		rec := records[round]
		if format == "summary" {
			rec = stripDetailFields(rec)
		}
		out = append(out, rec)
	}

	result := map[string]interface{}{
		"rounds": out,
		"metadata": map[string]interface{}{
			"execution_time_ms": time.Since(start).Milliseconds(),
			"api_version":       apiVersion,
		},
	}
	if q.Get("include_stats") == "true" {
		result["statistics"] = computeRoundStatistics(out)
	}
	middleware.WriteJSON(w, result)
}

func summaryRecord(row model.FLRoundSummary, source string) map[string]interface{} {
	return map[string]interface{}{
		"round": row.RoundNumber, "accuracy": row.Accuracy, "loss": row.Loss,
		"training_duration": row.TrainingDuration, "model_size_mb": row.ModelSizeMB,
		"clients": row.ClientsCount, "status": row.Status, "data_source": source,
	}
}

func metricRecord(m model.Metric, source string) map[string]interface{} {
	rec := map[string]interface{}{"data_source": source}
	if m.RoundNumber != nil {
		rec["round"] = *m.RoundNumber
	}
	if m.Accuracy != nil {
		rec["accuracy"] = *m.Accuracy
	}
	if m.Loss != nil {
		rec["loss"] = *m.Loss
	}
	return rec
}

// mergeRecord overwrites base with overlay's keys — used so FL-server-live
// data overwrites collector-derived data per the consolidation algorithm.
func mergeRecord(base, overlay map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for k, v := range overlay {
		base[k] = v
	}
	return base
}

func stripDetailFields(rec map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, k := range []string{"round", "accuracy", "loss", "clients"} {
		if v, ok := rec[k]; ok {
			out[k] = v
		}
	}
	return out
}

func computeRoundStatistics(rows []map[string]interface{}) map[string]interface{} {
	if len(rows) == 0 {
		return map[string]interface{}{"count": 0}
	}
	var sumAcc float64
	count := 0
	for _, r := range rows {
		if acc, ok := r["accuracy"].(float64); ok {
			sumAcc += acc
			count++
		}
	}
	avg := 0.0
	if count > 0 {
		avg = sumAcc / float64(count)
	}
	return map[string]interface{}{"count": len(rows), "average_accuracy": avg}
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func firstNonEmptyStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// handleMetricsFLStatus: GET /api/metrics/fl/status
func (s *Server) handleMetricsFLStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]interface{}{}
	if s.c.FLMonitor != nil {
		snapshot = s.c.FLMonitor.CollectMetrics(r.Context())
	}
	if !truthy(snapshot["fl_server_available"]) {
		if latest := s.c.Store.GetLatestFLMetrics(r.Context()); latest != nil {
			snapshot = shapeFLDashboard(*latest)
		}
	}

	stoppedByPolicy := truthy(snapshot["stopped_by_policy"])
	complete := truthy(snapshot["training_complete"])
	currentRound := intFrom(snapshot["current_round"])
	available := truthy(snapshot["fl_server_available"])
	maxRounds, hasMax := snapshot["max_rounds"]

	trainingActive := !stoppedByPolicy && !complete && (currentRound > 0 && available)
	if hasMax {
		if mr := intFrom(maxRounds); mr > 0 {
			trainingActive = trainingActive && currentRound < mr
		}
	}
	snapshot["training_active"] = trainingActive
	middleware.WriteJSON(w, snapshot)
}

func truthy(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// handleMetricsFLConfig: GET /api/metrics/fl/config
func (s *Server) handleMetricsFLConfig(w http.ResponseWriter, r *http.Request) {
	coverage := 0
	cfg := map[string]interface{}{}

	if latest := s.c.Store.GetLatestFLMetrics(r.Context()); latest != nil && latest.Data != nil {
		var data map[string]interface{}
		if json.Unmarshal(latest.Data, &data) == nil {
			mergeRecord(cfg, data)
			coverage++
		}
	}
	if s.c.FLServer != nil {
		var flCfg map[string]interface{}
		if err := s.c.FLServer.GetJSON(r.Context(), "/metrics", &flCfg); err == nil {
			mergeRecord(cfg, flCfg)
			coverage++
		}
	}
	if s.c.PolicyClient != nil {
		if status, _, err := s.c.PolicyClient.ValidatePolicy(r.Context(), "fl_training_parameters", nil); err == nil && status != "" {
			cfg["policy_status"] = status
			coverage++
		}
	}
	events := s.c.Store.LoadEvents(r.Context(), storage.EventFilter{SourceComponent: model.SourceFLServer, EventType: "CONFIG_LOADED", Limit: 1, SortDesc: true})
	if len(events) > 0 {
		var details map[string]interface{}
		_ = json.Unmarshal(events[0].Details, &details)
		mergeRecord(cfg, details)
		coverage++
	}

	status := "minimal"
	switch {
	case coverage >= 4:
		status = "comprehensive"
	case coverage == 3:
		status = "enhanced"
	case coverage == 2:
		status = "partial"
	}
	cfg["status"] = status
	middleware.WriteJSON(w, cfg)
}

// handleEvents: GET /api/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	f := storage.EventFilter{
		SourceComponent: firstNonEmptyStr(q.Get("component"), q.Get("source_component")),
		EventType:       firstNonEmptyStr(q.Get("type"), q.Get("event_type")),
		EventLevel:      firstNonEmptyStr(q.Get("level"), q.Get("event_level")),
		StartTime:       parseTimeParam(r, "start"),
		EndTime:         parseTimeParam(r, "end"),
		Limit:           limit,
		Offset:          parseIntParam(r, "offset", 0),
		SortDesc:        true,
	}

	rows := s.c.Store.LoadEvents(r.Context(), f)
	dashboardRows := make([]map[string]interface{}, len(rows))
	for i, e := range rows {
		dashboardRows[i] = e.MarshalDashboard()
	}
	total := s.c.Store.CountEvents(r.Context(), f)
	middleware.WriteJSON(w, map[string]interface{}{"events": dashboardRows, "total": total})
}

// handleEventsSummary: GET /api/events/summary
func (s *Server) handleEventsSummary(w http.ResponseWriter, r *http.Request) {
	const scanCap = 5000
	f := storage.EventFilter{Limit: scanCap, SortDesc: true}
	rows := s.c.Store.LoadEvents(r.Context(), f)
	total := s.c.Store.CountEvents(r.Context(), f)

	byLevel := map[string]int{}
	for _, e := range rows {
		byLevel[e.EventLevel]++
	}

	extrapolated := total > len(rows)
	if extrapolated && len(rows) > 0 {
		factor := float64(total) / float64(len(rows))
		for k, v := range byLevel {
			byLevel[k] = int(float64(v) * factor)
		}
	}

	middleware.WriteJSON(w, map[string]interface{}{"total": total, "by_level": byLevel, "extrapolated": extrapolated})
}

// handlePolicyDecisions: GET /api/policy/decisions — the newest stored
// policy_decisions metrics, up to limit. The Policy Engine is not called and
// no filter other than limit is applied.
func (s *Server) handlePolicyDecisions(w http.ResponseWriter, r *http.Request) {
	f := storage.MetricFilter{MetricType: "policy_decisions", Limit: parseIntParam(r, "limit", 100), SortDesc: true}
	rows := s.c.Store.LoadMetrics(r.Context(), f)
	middleware.WriteJSON(w, map[string]interface{}{"decisions": rows})
}

// emptyTopology never 404s, keeping dashboards simple when no data exists yet.
func emptyTopology() model.TopologySnapshot {
	return model.TopologySnapshot{Timestamp: time.Now().UTC(), Switches: []model.Switch{}, Links: []model.Link{}, Hosts: []model.Host{}}
}

// handleTopology: GET /api/network/topology — latest stored snapshot.
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	rows := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "network", Limit: 1, SortDesc: true})
	if len(rows) == 0 || rows[0].Data == nil {
		middleware.WriteJSON(w, emptyTopology())
		return
	}
	var snap model.TopologySnapshot
	if err := json.Unmarshal(rows[0].Data, &snap); err != nil {
		middleware.WriteJSON(w, emptyTopology())
		return
	}
	middleware.WriteJSON(w, snap)
}

// handleTopologyLive: GET /api/network/topology/live
func (s *Server) handleTopologyLive(w http.ResponseWriter, r *http.Request) {
	if s.c.Netmon == nil {
		middleware.WriteJSON(w, emptyTopology())
		return
	}
	middleware.WriteJSON(w, s.c.Netmon.GetLiveTopology(r.Context()))
}

// handleNetworkFlows: GET /api/network/flows
func (s *Server) handleNetworkFlows(w http.ResponseWriter, r *http.Request) {
	rows := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "network", Limit: 1, SortDesc: true})
	if len(rows) == 0 {
		middleware.WriteJSON(w, map[string]interface{}{"flows": []interface{}{}})
		return
	}
	middleware.WriteJSON(w, map[string]interface{}{"flows": rows[0].Data})
}

// handlePerformanceMetrics: GET /api/performance/metrics — 0-100 health
// score with explicit factor-impact breakdown, matching §8 scenario 6.
func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	rows := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "network", Limit: 1, SortDesc: true})
	var latency, bandwidth float64
	var totalErrors, flowCount int
	if len(rows) > 0 && rows[0].Data != nil {
		var data map[string]interface{}
		_ = json.Unmarshal(rows[0].Data, &data)
		latency = floatFrom(data["avg_latency"])
		bandwidth = floatFrom(data["average_mbps"])
		totalErrors = intFrom(data["total_errors"])
		flowCount = intFrom(data["flow_count"])
	}

	latencyImpact := clamp(0, 30, (latency-50)/2)
	bandwidthImpact := clamp(0, 20, (10-bandwidth)*2)
	errorImpact := clamp(0, 25, float64(totalErrors)/10)
	flowImpact := 0.0
	if flowCount > 1000 {
		flowImpact = clamp(0, 10, float64(flowCount-1000)/100)
	}

	score := 100 - latencyImpact - bandwidthImpact - errorImpact - flowImpact
	if score < 0 {
		score = 0
	}

	status := "excellent"
	switch {
	case score < 50:
		status = "poor"
	case score < 70:
		status = "fair"
	case score < 90:
		status = "good"
	}

	middleware.WriteJSON(w, map[string]interface{}{
		"score": score, "status": status,
		"factors": map[string]interface{}{
			"latency_impact": latencyImpact, "bandwidth_impact": bandwidthImpact,
			"error_impact": errorImpact, "flow_impact": flowImpact,
		},
	})
}

func clamp(min, max, v float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func floatFrom(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// handleFlowStatistics: GET /api/flows/statistics
func (s *Server) handleFlowStatistics(w http.ResponseWriter, r *http.Request) {
	rows := s.c.Store.LoadMetrics(r.Context(), storage.MetricFilter{MetricType: "network", Limit: 1, SortDesc: true})
	active, total := 0, 0
	if len(rows) > 0 && rows[0].Data != nil {
		var data map[string]interface{}
		_ = json.Unmarshal(rows[0].Data, &data)
		active = intFrom(data["active_flows"])
		total = intFrom(data["total_flows"])
	}
	efficiency := 0.0
	if total > 0 {
		efficiency = float64(active) / float64(total) * 100
	}
	rating := "low"
	switch {
	case efficiency >= 80:
		rating = "high"
	case efficiency >= 50:
		rating = "medium"
	}
	middleware.WriteJSON(w, map[string]interface{}{"active": active, "total": total, "efficiency_percentage": efficiency, "rating": rating})
}

// handleDebugOptimize: POST /api/debug/optimize
func (s *Server) handleDebugOptimize(w http.ResponseWriter, r *http.Request) {
	s.c.Store.Cleanup(r.Context())
	middleware.WriteJSON(w, map[string]interface{}{"status": "ok"})
}

// handleDebugStorage: GET /api/debug/storage — the backing database file's
// path, existence, size, and stored-row counts, for an operator confirming
// the collector is actually persisting what it collects.
func (s *Server) handleDebugStorage(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, s.c.Store.DebugInfo(r.Context()))
}

// handleWebSocket upgrades to a per-client live metrics subscription.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	serveWebSocket(s, w, r)
}
