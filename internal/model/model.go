// Package model holds the shared data shapes passed between collector
// components: metrics, events, FL round summaries, topology snapshots,
// policies, and flow rules.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Metric is a timestamped sample of one logical source, stored as a single
// row with fast-path columns plus an opaque JSON payload.
type Metric struct {
	Timestamp       time.Time       `json:"timestamp"`
	MetricType      string          `json:"metric_type"`
	SourceComponent string          `json:"source_component,omitempty"`
	RoundNumber     *int            `json:"round_number,omitempty"`
	Accuracy        *float64        `json:"accuracy,omitempty"`
	Loss            *float64        `json:"loss,omitempty"`
	Status          string          `json:"status,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Event source components, per the normalization invariant in the data
// model: source_component and component are kept mutually equal on read.
const (
	SourceFLServer        = "FL_SERVER"
	SourcePolicyEngine     = "POLICY_ENGINE"
	SourceCollector        = "COLLECTOR"
	SourceRyuController    = "RYU_CONTROLLER"
	SourceSDNController    = "SDN_CONTROLLER"
	SourceNetwork          = "NETWORK"
)

// Event levels.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Event is a normalized observation. EventID is unique; Details carries an
// opaque structured payload.
type Event struct {
	EventID         string          `json:"event_id"`
	Timestamp       time.Time       `json:"timestamp"`
	SourceComponent string          `json:"source_component"`
	EventType       string          `json:"event_type"`
	EventLevel      string          `json:"event_level"`
	Message         string          `json:"message"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// MarshalDashboard renders the event with the component/type/level aliases
// dashboards expect alongside the canonical field names.
func (e Event) MarshalDashboard() map[string]interface{} {
	return map[string]interface{}{
		"event_id":         e.EventID,
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339),
		"source_component": e.SourceComponent,
		"component":        e.SourceComponent,
		"event_type":       e.EventType,
		"type":             e.EventType,
		"event_level":      e.EventLevel,
		"level":            e.EventLevel,
		"message":          e.Message,
		"details":          json.RawMessage(e.Details),
	}
}

// DeriveLevel applies the defaulting rule from the data model when a level
// was not supplied by the upstream source.
func DeriveLevel(eventType string) string {
	upper := strings.ToUpper(eventType)
	switch {
	case upper == "CLIENT_TIMEOUT",
		upper == "ROUND_FAILED",
		upper == "LOW_ACCURACY":
		return LevelWarning
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "FAIL"):
		return LevelError
	case strings.Contains(upper, "WARN"):
		return LevelWarning
	default:
		return LevelInfo
	}
}

// FLRoundSummary is the dense per-round record used for fast chart
// rendering even after metrics retention prunes the raw rows.
type FLRoundSummary struct {
	RoundNumber      int       `json:"round_number"`
	Timestamp        time.Time `json:"timestamp"`
	Accuracy         float64   `json:"accuracy"`
	Loss             float64   `json:"loss"`
	TrainingDuration float64   `json:"training_duration"`
	ModelSizeMB      float64   `json:"model_size_mb"`
	ClientsCount     int       `json:"clients_count"`
	Status           string    `json:"status"`
	TrainingComplete bool      `json:"training_complete"`
}

// Switch is a topology node identified by a normalized DPID.
type Switch struct {
	DPID      string `json:"dpid"`
	DPIDInt   uint64 `json:"dpid_int"`
	Ports     []Port `json:"ports,omitempty"`
	Connected bool   `json:"connected"`
}

// Port is one switch port.
type Port struct {
	PortNo uint32 `json:"port_no"`
	Name   string `json:"name,omitempty"`
}

// Link is a topology edge, coerced into a uniform source/target shape
// regardless of the upstream representation.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Host is a topology leaf with a best-effort extracted IPv4 address.
type Host struct {
	MAC  string `json:"mac,omitempty"`
	IPv4 string `json:"ipv4,omitempty"`
	Port string `json:"port,omitempty"`
}

// PortStats are the running counters for one switch port at one instant.
type PortStats struct {
	DPID      string `json:"dpid"`
	PortNo    uint32 `json:"port_no"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
}

// TopologySnapshot is the live view assembled by the network monitor.
type TopologySnapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Switches  []Switch            `json:"switches"`
	Links     []Link              `json:"links"`
	Hosts     []Host              `json:"hosts"`
	PortStats map[string]PortStats `json:"port_stats_by_dpid_port,omitempty"`
}

// FlowEntry is a flow table row read back from the controller.
type FlowEntry struct {
	DPID     string                 `json:"dpid"`
	Priority int                    `json:"priority"`
	Match    map[string]interface{} `json:"match"`
	Actions  []FlowAction           `json:"actions"`
}

// FlowAction is one OpenFlow instruction, e.g. {Type: "OUTPUT", Port: "NORMAL"}.
type FlowAction struct {
	Type string `json:"type"`
	Port string `json:"port,omitempty"`
}

// PolicyRuleMatch describes the L3/L4 match fields of a network_security
// rule before compilation into an OpenFlow match.
type PolicyRuleMatch struct {
	SrcIP      string `json:"src_ip,omitempty"`
	SrcType    string `json:"src_type,omitempty"`
	DstIP      string `json:"dst_ip,omitempty"`
	DstType    string `json:"dst_type,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	SrcPort    *int   `json:"src_port,omitempty"`
	DstPort    *int   `json:"dst_port,omitempty"`
}

// PolicyRule is one entry of a network_security policy's rules list.
type PolicyRule struct {
	ID           string          `json:"id,omitempty"`
	Enabled      bool            `json:"enabled"`
	Match        PolicyRuleMatch `json:"match"`
	Action       string          `json:"action"`
	Priority     int             `json:"priority,omitempty"`
	IdleTimeout  int             `json:"idle_timeout,omitempty"`
	HardTimeout  int             `json:"hard_timeout,omitempty"`
}

// Policy types recognized by the flow compiler and policy monitor.
const (
	PolicyTypeQoS               = "qos"
	PolicyTypeSecurity          = "security"
	PolicyTypeBandwidth         = "bandwidth"
	PolicyTypeNetworkSecurity   = "network_security"
	PolicyTypeTimeWindow        = "time_window"
	PolicyTypeBandwidthAllocation = "bandwidth_allocation"
	PolicyTypeTrafficPriority   = "traffic_priority"
	PolicyTypePathSelection     = "path_selection"
	PolicyTypeAnomalyDetection  = "anomaly_detection"
)

// Policy is a declarative rule-set pulled from the Policy Engine or loaded
// from the local fallback file.
type Policy struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Enabled bool                   `json:"enabled"`
	Rules   []PolicyRule           `json:"rules,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NormalizeType aliases "network" to "network_security" per the policy
// client's normalization contract.
func NormalizeType(t string) string {
	if t == "network" {
		return PolicyTypeNetworkSecurity
	}
	return t
}

// InstalledFlowRule identifies an installed rule for later removal; the
// triple (switch DPID, match, priority) is its identity.
type InstalledFlowRule struct {
	ClientKey string                 `json:"client_key"`
	DPID      string                 `json:"dpid"`
	Match     map[string]interface{} `json:"match"`
	Priority  int                    `json:"priority"`
	Actions   []FlowAction           `json:"actions"`
}
