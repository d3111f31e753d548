// Package policyclient polls a remote Policy Engine service (component C3):
// policy fetch, validation, flow authorization, client priority, and a
// connectivity-state change-callback protocol consumed by the flow manager.
package policyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// ChangeCallback is invoked outside the client's lock: after a successful
// fetch whose policy set differs from the previous one or that follows a
// failed fetch, and after every failed fetch (with the last known set and
// connected=false).
type ChangeCallback func(policies []model.Policy, connected bool)

// Client polls the Policy Engine at a caller-driven cadence and exposes its
// current connectivity state and policy set to the flow manager.
type Client struct {
	http *httpclient.Client
	log  *logger.Logger

	mu               sync.Mutex
	lastSuccessful   bool
	lastNotifiedDown bool
	policies         []model.Policy
	callbacks        []ChangeCallback
}

// New creates a Client bound to baseURL. m may be nil.
func New(baseURL string, log *logger.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = logger.NewDefault("policyclient")
	}
	return &Client{
		http: httpclient.New(httpclient.Options{BaseURL: baseURL, Target: "policy_engine", Log: log, Metrics: m}),
		log:  log,
	}
}

// OnChange registers a callback fired on every fetch where the policy set
// changed, on the first successful fetch after a failure, and on every
// failed fetch.
func (c *Client) OnChange(cb ChangeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// rawPolicy mirrors the Policy Engine's wire shape before normalization.
type rawPolicy struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Enabled bool                   `json:"enabled"`
	Rules   []rawRule              `json:"rules"`
	Data    map[string]interface{} `json:"data"`
}

type rawRule struct {
	ID          string                 `json:"id"`
	Enabled     bool                   `json:"enabled"`
	Match       map[string]interface{} `json:"match"`
	Action      string                 `json:"action"`
	Priority    int                    `json:"priority"`
	IdleTimeout int                    `json:"idle_timeout"`
	HardTimeout int                    `json:"hard_timeout"`
}

// FetchPolicies fetches the current policy set, preferring the v1 endpoint
// and falling back to the legacy path. It normalizes type aliases and
// synthesizes stable ids, then invokes registered callbacks when the set
// changed or the previous fetch failed. A failed fetch invokes them with
// the last known set and connected=false.
func (c *Client) FetchPolicies(ctx context.Context) ([]model.Policy, error) {
	var raw []rawPolicy
	err := c.http.GetJSON(ctx, "/api/v1/policies", &raw)
	if err != nil {
		var bad *httpclient.ErrBadStatus
		if errors.As(err, &bad) {
			err = c.http.GetJSON(ctx, "/api/policies", &raw)
		}
	}

	c.mu.Lock()
	c.lastSuccessful = err == nil
	c.mu.Unlock()

	if err != nil {
		c.log.WithError(err).Warn("policy engine fetch failed")

		c.mu.Lock()
		callbacks := append([]ChangeCallback{}, c.callbacks...)
		policies := c.policies
		c.lastNotifiedDown = true
		c.mu.Unlock()

		// Connection-loss always triggers the fallback protocol: the flow
		// manager's own state machine is idempotent to repeated
		// disconnected notifications, so every failed fetch, not just the
		// first, reports connected=false.
		for _, cb := range callbacks {
			cb(policies, false)
		}
		return nil, err
	}

	policies := make([]model.Policy, 0, len(raw))
	for i, p := range raw {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("policy-%d", i)
		}
		rules := make([]model.PolicyRule, 0, len(p.Rules))
		for j, r := range p.Rules {
			rid := r.ID
			if rid == "" {
				rid = fmt.Sprintf("%s_rule_%d", id, j)
			}
			rules = append(rules, model.PolicyRule{
				ID: rid, Enabled: r.Enabled, Action: r.Action, Priority: r.Priority,
				IdleTimeout: r.IdleTimeout, HardTimeout: r.HardTimeout,
				Match: matchFromRaw(r.Match),
			})
		}
		policies = append(policies, model.Policy{
			ID: id, Type: model.NormalizeType(p.Type), Enabled: p.Enabled, Rules: rules, Data: p.Data,
		})
	}

	c.mu.Lock()
	changed := !samePolicySet(c.policies, policies) || c.lastNotifiedDown
	c.policies = policies
	c.lastNotifiedDown = false
	callbacks := append([]ChangeCallback{}, c.callbacks...)
	connected := c.lastSuccessful
	c.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb(policies, connected)
		}
	}

	return policies, nil
}

func matchFromRaw(m map[string]interface{}) model.PolicyRuleMatch {
	get := func(k string) string {
		if v, ok := m[k].(string); ok {
			return v
		}
		return ""
	}
	getPort := func(k string) *int {
		switch v := m[k].(type) {
		case float64:
			n := int(v)
			return &n
		case int:
			return &v
		}
		return nil
	}
	return model.PolicyRuleMatch{
		SrcIP: get("src_ip"), SrcType: get("src_type"),
		DstIP: get("dst_ip"), DstType: get("dst_type"),
		Protocol: get("protocol"), SrcPort: getPort("src_port"), DstPort: getPort("dst_port"),
	}
}

func samePolicySet(a, b []model.Policy) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Type != b[i].Type || a[i].Enabled != b[i].Enabled || len(a[i].Rules) != len(b[i].Rules) {
			return false
		}
	}
	return true
}

// CheckStatus returns the outcome of the most recent fetch.
func (c *Client) CheckStatus() (connected bool, policies []model.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccessful, c.policies
}

// validationResult is the response of ValidatePolicy.
type validationResult struct {
	Status  string          `json:"status"` // approved | adjusted | denied
	Policy  json.RawMessage `json:"policy,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ValidatePolicy validates a policy payload against the Policy Engine.
func (c *Client) ValidatePolicy(ctx context.Context, policyType string, data map[string]interface{}) (status string, message string, err error) {
	body := map[string]interface{}{"type": policyType, "data": data}
	var result validationResult
	err = c.http.PostJSON(ctx, "/api/v1/validate_policy", body, &result)
	if err != nil {
		var bad *httpclient.ErrBadStatus
		if errors.As(err, &bad) {
			err = c.http.PostJSON(ctx, "/api/validate_policy", body, &result)
		}
	}
	if err != nil {
		return "", "", err
	}
	return result.Status, result.Message, nil
}

// AuthorizeFlow checks whether a flow is authorized. On network failure the
// contract is default-allow.
func (c *Client) AuthorizeFlow(ctx context.Context, srcIP, dstIP, protocol string, port int) bool {
	body := map[string]interface{}{"src_ip": srcIP, "dst_ip": dstIP, "protocol": protocol, "port": port}
	var result struct {
		Authorized bool `json:"authorized"`
	}
	if err := c.http.PostJSON(ctx, "/api/authorize_flow", body, &result); err != nil {
		c.log.WithError(err).Warn("authorize_flow failed, defaulting to allow")
		return true
	}
	return result.Authorized
}

// ClientPriority returns a client's priority. Defaults to low on failure.
func (c *Client) ClientPriority(ctx context.Context, clientID string) string {
	var result struct {
		Priority string `json:"priority"`
	}
	if err := c.http.GetJSON(ctx, "/api/client_priority/"+clientID, &result); err != nil {
		c.log.WithError(err).Warn("client_priority failed, defaulting to low")
		return "low"
	}
	if result.Priority == "" {
		return "low"
	}
	return result.Priority
}

// CheckStartupGate calls the startup policy gate consumed by the scheduler
// at process start.
func (c *Client) CheckStartupGate(ctx context.Context, component, action string) (allowed bool, err error) {
	var result struct {
		Allowed bool `json:"allowed"`
	}
	path := fmt.Sprintf("/check?component=%s&action=%s", component, action)
	if err := c.http.GetJSON(ctx, path, &result); err != nil {
		return false, err
	}
	return result.Allowed, nil
}
