// Package sdnclient is the REST adapter to an OpenFlow-controller-hosted
// HTTP API (component C2): switches, ports, flows, stats, and flow
// add/remove, with DPID normalization and symbolic action translation.
package sdnclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// OpenFlow 1.3 symbolic port values substituted during action translation.
const (
	portNormal     = 0xfffffffa
	portController = 0xfffffffd
	portAll        = 0xffffffff
	portLocal      = 0xfffffffe
	portInPort     = 0xfffffff8
)

var symbolicPorts = map[string]uint32{
	"NORMAL":     portNormal,
	"CONTROLLER": portController,
	"ALL":        portAll,
	"LOCAL":      portLocal,
	"IN_PORT":    portInPort,
}

// ErrMalformedDPID is returned when a DPID cannot be parsed in any
// recognized form.
var ErrMalformedDPID = errors.New("malformed dpid")

// ErrControllerUnreachable wraps connection-level failures to the controller.
type ErrControllerUnreachable struct{ Err error }

func (e *ErrControllerUnreachable) Error() string { return fmt.Sprintf("sdn controller unreachable: %v", e.Err) }
func (e *ErrControllerUnreachable) Unwrap() error  { return e.Err }

// Client talks to the OpenFlow controller's REST surface.
type Client struct {
	http *httpclient.Client
	log  *logger.Logger
}

// New creates a Client bound to baseURL. m may be nil.
func New(baseURL string, log *logger.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = logger.NewDefault("sdnclient")
	}
	return &Client{
		http: httpclient.New(httpclient.Options{BaseURL: baseURL, Target: "sdn_controller", Log: log, Metrics: m}),
		log:  log,
	}
}

// NormalizeDPID accepts an integer, decimal string, 0x-prefixed hex, or
// bare hex DPID and returns its 16-lowercase-hex canonical form plus the
// integer value used on flowentry/* POSTs.
func NormalizeDPID(raw interface{}) (canonical string, integer uint64, err error) {
	switch v := raw.(type) {
	case float64:
		integer = uint64(v)
	case int:
		integer = uint64(v)
	case int64:
		integer = uint64(v)
	case uint64:
		integer = v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return "", 0, ErrMalformedDPID
		}
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			n, e := strconv.ParseUint(s[2:], 16, 64)
			if e != nil {
				return "", 0, ErrMalformedDPID
			}
			integer = n
		} else if looksHex16(s) {
			n, e := strconv.ParseUint(s, 16, 64)
			if e != nil {
				return "", 0, ErrMalformedDPID
			}
			integer = n
		} else if n, e := strconv.ParseUint(s, 10, 64); e == nil {
			integer = n
		} else if n, e := strconv.ParseUint(s, 16, 64); e == nil {
			integer = n
		} else {
			return "", 0, ErrMalformedDPID
		}
	default:
		return "", 0, ErrMalformedDPID
	}
	return fmt.Sprintf("%016x", integer), integer, nil
}

// looksHex16 reports whether s is plausibly a bare hex DPID: 16 hex digits,
// or any string containing a letter a-f and only hex digits.
func looksHex16(s string) bool {
	if len(s) == 16 {
		for _, r := range s {
			if !isHexDigit(r) {
				return false
			}
		}
		return true
	}
	hasAlpha := false
	for _, r := range s {
		if !isHexDigit(r) {
			return false
		}
		if (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') {
			hasAlpha = true
		}
	}
	return hasAlpha
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// GetSwitches returns every switch DPID reported by the controller.
func (c *Client) GetSwitches(ctx context.Context) ([]model.Switch, error) {
	raw, err := c.http.RawGET(ctx, "/stats/switches")
	if err != nil {
		return nil, wrapUnreachable(err)
	}

	var switches []model.Switch
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		canonical, integer, derr := NormalizeDPID(v.Value())
		if derr != nil {
			c.log.WithField("raw_dpid", v.Raw).Warn("skipping malformed dpid")
			return true
		}
		switches = append(switches, model.Switch{DPID: canonical, DPIDInt: integer, Connected: true})
		return true
	})
	return switches, nil
}

// GetPorts returns the port list for one switch via /stats/portdesc/<dpid>.
func (c *Client) GetPorts(ctx context.Context, dpid string) ([]model.Port, error) {
	_, integer, err := NormalizeDPID(dpid)
	if err != nil {
		return nil, err
	}
	raw, err := c.http.RawGET(ctx, fmt.Sprintf("/stats/portdesc/%d", integer))
	if err != nil {
		return nil, wrapUnreachable(err)
	}

	var ports []model.Port
	result := gjson.ParseBytes(raw)
	entries := result.Get(fmt.Sprintf("%d", integer))
	if !entries.Exists() {
		entries = result
	}
	entries.ForEach(func(_, v gjson.Result) bool {
		ports = append(ports, model.Port{
			PortNo: uint32(v.Get("port_no").Uint()),
			Name:   v.Get("name").String(),
		})
		return true
	})
	return ports, nil
}

// GetPortStats returns running counters for every port on dpid.
func (c *Client) GetPortStats(ctx context.Context, dpid string) ([]model.PortStats, error) {
	canonical, integer, err := NormalizeDPID(dpid)
	if err != nil {
		return nil, err
	}
	raw, err := c.http.RawGET(ctx, fmt.Sprintf("/stats/port/%d", integer))
	if err != nil {
		return nil, wrapUnreachable(err)
	}

	var stats []model.PortStats
	result := gjson.ParseBytes(raw)
	entries := result.Get(fmt.Sprintf("%d", integer))
	if !entries.Exists() {
		entries = result
	}
	entries.ForEach(func(_, v gjson.Result) bool {
		stats = append(stats, model.PortStats{
			DPID:      canonical,
			PortNo:    uint32(v.Get("port_no").Uint()),
			RxBytes:   v.Get("rx_bytes").Uint(),
			TxBytes:   v.Get("tx_bytes").Uint(),
			RxPackets: v.Get("rx_packets").Uint(),
			TxPackets: v.Get("tx_packets").Uint(),
			RxErrors:  v.Get("rx_errors").Uint(),
			TxErrors:  v.Get("tx_errors").Uint(),
		})
		return true
	})
	return stats, nil
}

// GetFlows returns flow entries currently installed on dpid.
func (c *Client) GetFlows(ctx context.Context, dpid string) ([]model.FlowEntry, error) {
	canonical, integer, err := NormalizeDPID(dpid)
	if err != nil {
		return nil, err
	}
	raw, err := c.http.RawGET(ctx, fmt.Sprintf("/stats/flow/%d", integer))
	if err != nil {
		return nil, wrapUnreachable(err)
	}

	var flows []model.FlowEntry
	result := gjson.ParseBytes(raw)
	entries := result.Get(fmt.Sprintf("%d", integer))
	if !entries.Exists() {
		entries = result
	}
	entries.ForEach(func(_, v gjson.Result) bool {
		var match map[string]interface{}
		_ = json.Unmarshal([]byte(v.Get("match").Raw), &match)
		flows = append(flows, model.FlowEntry{
			DPID:     canonical,
			Priority: int(v.Get("priority").Int()),
			Match:    match,
			Actions:  parseActions(v.Get("actions")),
		})
		return true
	})
	return flows, nil
}

func parseActions(v gjson.Result) []model.FlowAction {
	var actions []model.FlowAction
	v.ForEach(func(_, a gjson.Result) bool {
		actions = append(actions, model.FlowAction{Type: a.String()})
		return true
	})
	return actions
}

// GetTopologyLinks queries the optional /v1.0/topology/links endpoint.
// Some controller applications lack it; a 404 is reported to the caller as
// a plain error so the event monitor can demote it to INFO.
func (c *Client) GetTopologyLinks(ctx context.Context) ([]model.Link, error) {
	raw, err := c.http.RawGET(ctx, "/v1.0/topology/links")
	if err != nil {
		return nil, err
	}
	var links []model.Link
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		src := firstNonEmpty(v.Get("src.dpid").String(), v.Get("src").String())
		dst := firstNonEmpty(v.Get("dst.dpid").String(), v.Get("dst").String())
		links = append(links, model.Link{Source: src, Target: dst, Type: "direct"})
		return true
	})
	return links, nil
}

// GetTopologyHosts queries the optional /v1.0/topology/hosts endpoint.
func (c *Client) GetTopologyHosts(ctx context.Context) ([]model.Host, error) {
	raw, err := c.http.RawGET(ctx, "/v1.0/topology/hosts")
	if err != nil {
		return nil, err
	}
	var hosts []model.Host
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		ipv4 := v.Get("ipv4.0").String()
		if ipv4 == "" {
			ipv4 = v.Get("ipv4").String()
		}
		if ipv4 == "" {
			ipv4 = v.Get("address").String()
		}
		hosts = append(hosts, model.Host{MAC: v.Get("mac").String(), IPv4: ipv4})
		return true
	})
	return hosts, nil
}

// AddFlowRequest is the body of POST /stats/flowentry/add.
type AddFlowRequest struct {
	DPID        uint64
	Priority    int
	Match       map[string]interface{}
	Actions     []model.FlowAction
	IdleTimeout int
	HardTimeout int
}

// AddFlow installs a flow rule. Never retried: a 4xx here reflects a
// malformed request, not a transient failure.
func (c *Client) AddFlow(ctx context.Context, req AddFlowRequest) error {
	body := map[string]interface{}{
		"dpid":         req.DPID,
		"cookie":       0,
		"table_id":     0,
		"priority":     req.Priority,
		"match":        req.Match,
		"actions":      translateActions(req.Actions),
		"idle_timeout": req.IdleTimeout,
		"hard_timeout": req.HardTimeout,
		"ofp_version":  "0x04",
	}
	if err := c.http.PostJSON(ctx, "/stats/flowentry/add", body, nil); err != nil {
		return wrapUnreachable(err)
	}
	return nil
}

// DeleteFlow removes a flow rule matching the same dpid/match/priority used
// to install it.
func (c *Client) DeleteFlow(ctx context.Context, req AddFlowRequest) error {
	body := map[string]interface{}{
		"dpid":     req.DPID,
		"priority": req.Priority,
		"match":    req.Match,
	}
	if err := c.http.PostJSON(ctx, "/stats/flowentry/delete", body, nil); err != nil {
		return wrapUnreachable(err)
	}
	return nil
}

// ClearFlows removes every flow on dpid.
func (c *Client) ClearFlows(ctx context.Context, dpid uint64) error {
	if err := c.http.Delete(ctx, fmt.Sprintf("/stats/flowentry/clear/%d", dpid)); err != nil {
		return wrapUnreachable(err)
	}
	return nil
}

// translateActions substitutes symbolic port names, treats FORWARD as an
// alias of OUTPUT, and passes unknown names through with a caller-visible
// warning responsibility left to the compiler layer.
func translateActions(actions []model.FlowAction) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(actions))
	for _, a := range actions {
		actionType := a.Type
		if strings.EqualFold(actionType, "FORWARD") {
			actionType = "OUTPUT"
		}
		entry := map[string]interface{}{"type": strings.ToUpper(actionType)}
		if a.Port != "" {
			if port, ok := symbolicPorts[strings.ToUpper(a.Port)]; ok {
				entry["port"] = port
			} else if n, err := strconv.ParseUint(a.Port, 10, 32); err == nil {
				entry["port"] = n
			} else {
				entry["port"] = a.Port
			}
		}
		out = append(out, entry)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func wrapUnreachable(err error) error {
	var unreachable *httpclient.ErrUnreachable
	if errors.As(err, &unreachable) {
		return &ErrControllerUnreachable{Err: err}
	}
	return err
}
