// Package eventmon pulls events from every upstream source, normalizes
// them, and synthesizes derived events the upstreams do not emit directly
// (component C7).
package eventmon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/internal/netmon"
	"github.com/r3e-network/fl-testbed-observer/internal/storage"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Monitor ingests events from the FL server, Policy Engine, and SDN
// controller, and derives network topology diff events.
type Monitor struct {
	flServer     *httpclient.Client
	policyEngine *httpclient.Client
	controller   *httpclient.Client
	netmon       *netmon.Monitor
	store        *storage.Store
	log          *logger.Logger
	metrics      *metrics.Metrics

	lastPolicyEventID int64
	trainingCompleteSeen bool
	lastSwitchCount      int
	previousTopology     *model.TopologySnapshot
}

// Options configures a Monitor.
type Options struct {
	FLServerURL     string
	PolicyEngineURL string
	ControllerURL   string
	Netmon          *netmon.Monitor
	Store           *storage.Store
	Log             *logger.Logger
	Metrics         *metrics.Metrics
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("eventmon")
	}
	return &Monitor{
		flServer:     httpclient.New(httpclient.Options{BaseURL: opts.FLServerURL, Target: "fl_server", Log: log, Metrics: opts.Metrics}),
		policyEngine: httpclient.New(httpclient.Options{BaseURL: opts.PolicyEngineURL, Target: "policy_engine", Log: log, Metrics: opts.Metrics}),
		controller:   httpclient.New(httpclient.Options{BaseURL: opts.ControllerURL, Target: "sdn_controller", Log: log, Metrics: opts.Metrics}),
		netmon:       opts.Netmon,
		store:        opts.Store,
		log:          log,
		metrics:      opts.Metrics,
	}
}

// Collect polls every source once, writing a POLL_TARGET_SUCCESS or
// POLL_TARGET_FAILURE self-event for each with its duration.
func (m *Monitor) Collect(ctx context.Context) {
	m.poll(ctx, "fl_server", m.collectFLEvents)
	m.poll(ctx, "policy_engine", m.collectPolicyEvents)
	m.poll(ctx, "sdn_controller", m.collectControllerEvents)
	m.poll(ctx, "network", m.collectNetworkEvents)
}

func (m *Monitor) poll(ctx context.Context, target string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	if m.metrics != nil {
		m.metrics.RecordMonitorTick("event:"+target, err)
	}

	eventType := "POLL_TARGET_SUCCESS"
	level := model.LevelInfo
	message := fmt.Sprintf("polled %s successfully", target)
	if err != nil {
		eventType = "POLL_TARGET_FAILURE"
		level = model.LevelWarning
		message = fmt.Sprintf("poll of %s failed: %v", target, err)
	}

	m.store.StoreEvent(ctx, model.Event{
		EventID: uuid.NewString(), Timestamp: time.Now().UTC(),
		SourceComponent: model.SourceCollector, EventType: eventType, EventLevel: level, Message: message,
		Details: detailsJSON(map[string]interface{}{"target": target, "duration_sec": duration}),
	})
}

func (m *Monitor) collectFLEvents(ctx context.Context) error {
	raw, err := m.flServer.RawGET(ctx, "/events")
	if err != nil {
		return err
	}
	gjson.ParseBytes(raw).Get("events").ForEach(func(_, ev gjson.Result) bool {
		eventType := ev.Get("event_type").String()
		m.store.StoreEvent(ctx, model.Event{
			EventID: firstOr(ev.Get("event_id").String(), uuid.NewString()),
			Timestamp: time.Now().UTC(), SourceComponent: model.SourceFLServer,
			EventType: eventType, EventLevel: model.DeriveLevel(eventType),
			Message: ev.Get("message").String(), Details: []byte(ev.Raw),
		})
		return true
	})

	var status map[string]interface{}
	if err := m.flServer.GetJSON(ctx, "/status", &status); err != nil {
		return nil // events ingestion already succeeded; status is best-effort
	}

	currentRound, _ := status["current_round"].(float64)
	connectedClients, _ := status["connected_clients"].(float64)
	if currentRound > 0 && connectedClients < 2 {
		m.store.StoreEvent(ctx, model.Event{
			EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceFLServer,
			EventType: "LOW_CLIENT_COUNT", EventLevel: model.LevelWarning,
			Message: fmt.Sprintf("only %v clients connected at round %v", connectedClients, currentRound),
		})
	}

	if complete, _ := status["training_complete"].(bool); complete && !m.trainingCompleteSeen {
		m.trainingCompleteSeen = true
		m.store.StoreEvent(ctx, model.Event{
			EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceFLServer,
			EventType: "TRAINING_COMPLETED", EventLevel: model.LevelInfo, Message: "training run completed",
		})
	}
	return nil
}

func (m *Monitor) collectPolicyEvents(ctx context.Context) error {
	raw, err := m.policyEngine.RawGET(ctx, fmt.Sprintf("/events?since_event_id=%d", m.lastPolicyEventID))
	if err != nil {
		return err
	}

	maxID := m.lastPolicyEventID
	gjson.ParseBytes(raw).Get("events").ForEach(func(_, ev gjson.Result) bool {
		eventType := ev.Get("event_type").String()
		decision := ev.Get("decision").String()
		level := model.DeriveLevel(eventType)
		if decision == "denied" || decision == "unauthorized" {
			level = model.LevelWarning
		}
		m.store.StoreEvent(ctx, model.Event{
			EventID: firstOr(ev.Get("event_id").String(), uuid.NewString()),
			Timestamp: parsePolicyTimestamp(ev.Get("timestamp").String()),
			SourceComponent: model.SourcePolicyEngine, EventType: eventType, EventLevel: level,
			Message: ev.Get("message").String(), Details: []byte(ev.Raw),
		})
		if id := ev.Get("id").Int(); id > maxID {
			maxID = id
		}
		return true
	})
	m.lastPolicyEventID = maxID
	return nil
}

func (m *Monitor) collectControllerEvents(ctx context.Context) error {
	var switches []interface{}
	err := m.controller.GetJSON(ctx, "/stats/switches", &switches)
	if err != nil {
		var badStatus *httpclient.ErrBadStatus
		var unreachable *httpclient.ErrUnreachable
		switch {
		case errors.As(err, &badStatus):
			// The controller answered but rejected the switches query
			// (non-2xx): distinct from a connection-level failure.
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
				EventType: "SWITCH_QUERY_FAILED", EventLevel: model.LevelError,
				Message: fmt.Sprintf("failed to query switches: HTTP %d", badStatus.StatusCode),
				Details: detailsJSON(map[string]interface{}{"status_code": badStatus.StatusCode}),
			})
		case errors.As(err, &unreachable):
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
				EventType: "SWITCH_CONNECTION_ERROR", EventLevel: model.LevelError,
				Message: fmt.Sprintf("error connecting to switches endpoint: %v", err),
				Details: detailsJSON(map[string]interface{}{"error": err.Error()}),
			})
		default:
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
				EventType: "CONTROLLER_UNREACHABLE", EventLevel: model.LevelWarning, Message: err.Error(),
			})
		}
		return err
	}

	count := len(switches)
	level := model.LevelInfo
	eventType := "TOPOLOGY_SNAPSHOT"
	if count == 0 {
		level = model.LevelWarning
		m.store.StoreEvent(ctx, model.Event{
			EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
			EventType: "NO_SWITCHES_DETECTED", EventLevel: level, Message: "no switches detected",
		})
	}
	if m.lastSwitchCount != 0 && m.lastSwitchCount != count {
		m.store.StoreEvent(ctx, model.Event{
			EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
			EventType: "SWITCH_COUNT_CHANGED", EventLevel: model.LevelInfo,
			Message: fmt.Sprintf("switch count changed from %d to %d", m.lastSwitchCount, count),
		})
	}
	m.lastSwitchCount = count

	m.store.StoreEvent(ctx, model.Event{
		EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
		EventType: eventType, EventLevel: level, Message: fmt.Sprintf("%d switches", count),
	})

	if _, err := m.controller.RawGET(ctx, "/v1.0/topology/links"); err != nil {
		m.store.StoreEvent(ctx, model.Event{
			EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceSDNController,
			EventType: "LINKS_ENDPOINT_UNAVAILABLE", EventLevel: model.LevelInfo, Message: err.Error(),
		})
	}
	return nil
}

func (m *Monitor) collectNetworkEvents(ctx context.Context) error {
	if m.netmon == nil {
		return nil
	}
	current := m.netmon.GetLiveTopology(ctx)
	defer func() { snap := current; m.previousTopology = &snap }()

	if m.previousTopology == nil {
		return nil
	}

	prevSwitches := toSet(m.previousTopology.Switches)
	curSwitches := toSet(current.Switches)
	for dpid := range curSwitches {
		if !prevSwitches[dpid] {
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceNetwork,
				EventType: "NODE_CONNECTED", EventLevel: model.LevelInfo, Message: dpid,
			})
		}
	}
	for dpid := range prevSwitches {
		if !curSwitches[dpid] {
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceNetwork,
				EventType: "NODE_DISCONNECTED", EventLevel: model.LevelWarning, Message: dpid,
			})
		}
	}

	prevLinks := linkSet(m.previousTopology.Links)
	curLinks := linkSet(current.Links)
	for key := range curLinks {
		if !prevLinks[key] {
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceNetwork,
				EventType: "LINK_ADDED", EventLevel: model.LevelInfo, Message: key,
			})
		}
	}
	for key := range prevLinks {
		if !curLinks[key] {
			m.store.StoreEvent(ctx, model.Event{
				EventID: uuid.NewString(), Timestamp: time.Now().UTC(), SourceComponent: model.SourceNetwork,
				EventType: "LINK_REMOVED", EventLevel: model.LevelWarning, Message: key,
			})
		}
	}
	return nil
}

func toSet(switches []model.Switch) map[string]bool {
	out := make(map[string]bool, len(switches))
	for _, sw := range switches {
		out[sw.DPID] = true
	}
	return out
}

func linkSet(links []model.Link) map[string]bool {
	out := make(map[string]bool, len(links))
	for _, l := range links {
		out[l.Source+"->"+l.Target] = true
	}
	return out
}

func firstOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parsePolicyTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	for _, layout := range []string{time.RFC1123, time.RFC822, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func detailsJSON(m map[string]interface{}) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}
