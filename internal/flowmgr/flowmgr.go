// Package flowmgr compiles declarative policies into OpenFlow rules and
// enforces a connectivity-preserving fallback when the policy source is
// unreachable (component C10).
package flowmgr

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"encoding/json"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/fallback"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/internal/sdnclient"
	"github.com/r3e-network/fl-testbed-observer/pkg/config"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// ConnectionState mirrors the Flow Manager's view of Policy Engine
// reachability.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
)

// fallbackICMPRule is the minimal connectivity-preserving rule installed when
// neither the Policy Engine nor the local fallback file is available:
// allow ICMP over IPv4, persistent, low priority.
var fallbackICMPRule = model.PolicyRule{
	ID: "fallback-icmp", Enabled: true, Action: "allow", Priority: 10,
	Match: model.PolicyRuleMatch{Protocol: "icmp"},
}

// Manager converts policies into installed flow rules.
type Manager struct {
	controller *sdnclient.Client
	cfg        config.Config
	log        *logger.Logger
	fallback   *fallback.Handler

	mu           sync.Mutex
	state        ConnectionState
	installed    map[string][]model.InstalledFlowRule // keyed by client/target key
	fallbackKeys map[string]bool
}

// New creates a Manager.
func New(controller *sdnclient.Client, cfg config.Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("flowmgr")
	}
	return &Manager{
		controller:   controller,
		cfg:          cfg,
		log:          log,
		fallback:     fallback.NewHandler(fallback.DefaultConfig()),
		state:        StateConnected,
		installed:    make(map[string][]model.InstalledFlowRule),
		fallbackKeys: make(map[string]bool),
	}
}

// OnPolicyChange is the C3 change-callback: serialized by a single mutex so
// only one policy application is ever in flight, preventing interleaving
// of fallback apply/remove with normal apply.
func (m *Manager) OnPolicyChange(ctx context.Context, policies []model.Policy, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !connected {
		if m.state == StateConnected {
			m.log.Warn("policy engine disconnected, entering fallback mode")
		}
		m.state = StateDisconnected
		m.applyFallbackLocked(ctx)
		return
	}

	if m.state == StateDisconnected {
		m.log.Info("policy engine reconnected, removing fallback rules")
		m.removeFallbackLocked(ctx)
	}
	m.state = StateConnected

	switches, err := m.controller.GetSwitches(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to list switches for policy application")
		return
	}

	for _, policy := range policies {
		if !policy.Enabled || policy.Type != model.PolicyTypeNetworkSecurity {
			continue
		}
		for _, rule := range policy.Rules {
			if !rule.Enabled {
				continue
			}
			m.compileAndInstall(ctx, rule, switches, "policy:"+policy.ID)
		}
	}
}

// applyFallbackLocked loads the local fallback file; if that also fails,
// installs the minimal connectivity rule. Caller holds m.mu.
func (m *Manager) applyFallbackLocked(ctx context.Context) {
	switches, err := m.controller.GetSwitches(ctx)
	if err != nil {
		m.log.WithError(err).Warn("fallback: failed to list switches")
		return
	}

	result := m.fallback.Execute(ctx,
		func(ctx context.Context) (interface{}, error) { return nil, fmt.Errorf("policy engine unreachable") },
		func(ctx context.Context) (interface{}, error) { return loadFallbackFile(m.cfg.DefaultPolicyFile) },
	)

	var rules []model.PolicyRule
	if result.Err == nil {
		if policy, ok := result.Value.(*model.Policy); ok {
			rules = policy.Rules
		}
	}
	if len(rules) == 0 {
		rules = []model.PolicyRule{fallbackICMPRule}
	}

	for _, rule := range rules {
		m.compileAndInstall(ctx, rule, switches, "fallback")
		m.fallbackKeys["fallback"] = true
	}
}

func (m *Manager) removeFallbackLocked(ctx context.Context) {
	m.removeByKeyLocked(ctx, "fallback")
	delete(m.fallbackKeys, "fallback")
}

func loadFallbackFile(path string) (*model.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Policies []model.Policy `json:"policies"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for _, p := range doc.Policies {
		if p.Enabled && p.Type == model.PolicyTypeNetworkSecurity {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("no enabled network_security policy in fallback file")
}

// compileAndInstall implements the rule compiler in full: resolution,
// match construction, priority scoring, safety guard, action translation,
// and installation with retry/fallback chain.
func (m *Manager) compileAndInstall(ctx context.Context, rule model.PolicyRule, switches []model.Switch, trackingKey string) {
	match, srcSpecific, dstSpecific, protoSpecific := m.buildMatch(rule)

	hasConstraint := srcSpecific || dstSpecific || protoSpecific || rule.Match.SrcPort != nil || rule.Match.DstPort != nil
	if !hasConstraint && rule.Action != "allow" {
		m.log.WithField("rule_id", rule.ID).Warn("rule too generic (no IP/protocol/port constraints), non-allow action — skipping")
		return
	}

	priority := rule.Priority
	if priority == 0 {
		priority = computePriority(srcSpecific, dstSpecific, protoSpecific, rule.Match.SrcPort != nil, rule.Match.DstPort != nil)
	}

	actions := translateRuleAction(rule.Action)

	for _, sw := range switches {
		if len(sw.Ports) == 0 {
			m.installBasicConnectivity(ctx, sw.DPIDInt, trackingKey)
			continue
		}

		req := sdnclient.AddFlowRequest{
			DPID: sw.DPIDInt, Priority: priority, Match: match, Actions: actions,
			IdleTimeout: rule.IdleTimeout, HardTimeout: rule.HardTimeout,
		}
		if err := m.controller.AddFlow(ctx, req); err != nil {
			m.log.WithError(err).WithField("dpid", sw.DPID).Warn("flow install failed, retrying with NORMAL forward")
			req.Actions = []model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}}
			if err := m.controller.AddFlow(ctx, req); err != nil {
				m.log.WithError(err).WithField("dpid", sw.DPID).Warn("fallback flow install failed, installing basic connectivity rule")
				m.installBasicConnectivity(ctx, sw.DPIDInt, trackingKey)
				continue
			}
		}

		m.track(trackingKey, model.InstalledFlowRule{ClientKey: trackingKey, DPID: sw.DPID, Match: match, Priority: priority, Actions: req.Actions})
	}
}

func (m *Manager) installBasicConnectivity(ctx context.Context, dpid uint64, trackingKey string) {
	match := map[string]interface{}{"eth_type": 0x0800}
	actions := []model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}}
	req := sdnclient.AddFlowRequest{DPID: dpid, Priority: 1, Match: match, Actions: actions}
	if err := m.controller.AddFlow(ctx, req); err != nil {
		m.log.WithError(err).WithField("dpid", dpid).Error("basic connectivity rule install failed")
		return
	}
	m.track(trackingKey, model.InstalledFlowRule{ClientKey: trackingKey, DPID: fmt.Sprintf("%016x", dpid), Match: match, Priority: 1, Actions: actions})
}

func (m *Manager) track(key string, rule model.InstalledFlowRule) {
	m.installed[key] = append(m.installed[key], rule)
}

func (m *Manager) removeByKeyLocked(ctx context.Context, key string) {
	for _, rule := range m.installed[key] {
		_, dpidInt, err := sdnclient.NormalizeDPID(rule.DPID)
		if err != nil {
			continue
		}
		_ = m.controller.DeleteFlow(ctx, sdnclient.AddFlowRequest{DPID: dpidInt, Priority: rule.Priority, Match: rule.Match})
	}
	delete(m.installed, key)
}

// RemoveClientFlows removes every rule tracked under clientID.
func (m *Manager) RemoveClientFlows(ctx context.Context, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeByKeyLocked(ctx, clientID)
}

// buildMatch implements §4.10 steps 1-2: token resolution and match
// construction. Returns the match plus whether src/dst/protocol were
// specific (non-"any"), used for priority scoring.
func (m *Manager) buildMatch(rule model.PolicyRule) (match map[string]interface{}, srcSpecific, dstSpecific, protoSpecific bool) {
	match = map[string]interface{}{"eth_type": 0x0800}

	protocol := strings.ToLower(rule.Match.Protocol)
	switch protocol {
	case "tcp":
		match["ip_proto"] = 6
		protoSpecific = true
	case "udp":
		match["ip_proto"] = 17
		protoSpecific = true
	case "icmp":
		match["ip_proto"] = 1
		protoSpecific = true
	case "arp":
		match["eth_type"] = 0x0806
		protoSpecific = true
		delete(match, "ip_proto")
	}

	if srcIP := m.resolveAddress(rule.Match.SrcIP, rule.Match.SrcType); srcIP != "" {
		match["ipv4_src"] = srcIP
		srcSpecific = true
	}
	if dstIP := m.resolveAddress(rule.Match.DstIP, rule.Match.DstType); dstIP != "" {
		match["ipv4_dst"] = dstIP
		dstSpecific = true
	}

	if rule.Match.SrcPort != nil && (protocol == "tcp" || protocol == "udp") {
		match[protocol+"_src"] = *rule.Match.SrcPort
	}
	if rule.Match.DstPort != nil && (protocol == "tcp" || protocol == "udp") {
		match[protocol+"_dst"] = *rule.Match.DstPort
	}

	return match, srcSpecific, dstSpecific, protoSpecific
}

// resolveAddress resolves a literal IP, the any-tokens, or a symbolic type
// token (fl-server, policy-engine, sdn-controller, collector, openvswitch,
// fl-client-N, generic fl-client) via NODE_IP_<TYPE> configuration.
func (m *Manager) resolveAddress(ip, typeToken string) string {
	if ip != "" && ip != "any" && ip != "*" {
		return ip
	}
	if typeToken == "" {
		return ""
	}
	if strings.EqualFold(typeToken, "fl-client") {
		return "" // generic client token resolves to any
	}
	if resolved, ok := m.cfg.NodeIP(typeToken); ok {
		return resolved
	}
	return ""
}

func computePriority(srcSpecific, dstSpecific, protoSpecific, srcPort, dstPort bool) int {
	priority := 100
	if srcSpecific {
		priority += 10
	}
	if dstSpecific {
		priority += 10
	}
	if protoSpecific {
		priority += 10
	}
	if srcPort {
		priority += 5
	}
	if dstPort {
		priority += 5
	}
	return priority
}

// translateRuleAction implements §4.10 step 5.
func translateRuleAction(action string) []model.FlowAction {
	switch strings.ToLower(action) {
	case "allow", "accept", "permit":
		return []model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}}
	case "deny":
		return nil
	case "alert":
		return []model.FlowAction{{Type: "OUTPUT", Port: "CONTROLLER"}}
	case "rate_limit":
		return []model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}} // metering not yet implemented; downgrade with warning
	default:
		return []model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}}
	}
}
