package flowmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/pkg/config"
)

func newTestManager() *Manager {
	cfg := config.Defaults()
	cfg.NodeIPs = map[string]string{"FL_SERVER": "10.0.0.2"}
	return New(nil, cfg, nil)
}

func TestBuildMatchResolvesTypeToken(t *testing.T) {
	m := newTestManager()
	match, srcSpecific, _, protoSpecific := m.buildMatch(model.PolicyRule{
		Match: model.PolicyRuleMatch{SrcType: "fl-server", Protocol: "tcp"},
	})
	assert.Equal(t, "10.0.0.2", match["ipv4_src"])
	assert.True(t, srcSpecific)
	assert.True(t, protoSpecific)
	assert.Equal(t, 6, match["ip_proto"])
}

func TestBuildMatchGenericClientResolvesToAny(t *testing.T) {
	m := newTestManager()
	match, srcSpecific, _, _ := m.buildMatch(model.PolicyRule{Match: model.PolicyRuleMatch{SrcType: "fl-client"}})
	_, hasSrc := match["ipv4_src"]
	assert.False(t, hasSrc)
	assert.False(t, srcSpecific)
}

func TestComputePriorityMatchesSpec(t *testing.T) {
	p := computePriority(true, true, true, true, true)
	assert.Equal(t, 100+10+10+10+5+5, p)
}

func TestTranslateRuleAction(t *testing.T) {
	require.Equal(t, []model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}}, translateRuleAction("allow"))
	assert.Nil(t, translateRuleAction("deny"))
	assert.Equal(t, []model.FlowAction{{Type: "OUTPUT", Port: "CONTROLLER"}}, translateRuleAction("alert"))
}

func TestBuildMatchReportsNoConstraintsForBareRule(t *testing.T) {
	m := newTestManager()
	match, srcSpecific, dstSpecific, protoSpecific := m.buildMatch(model.PolicyRule{Action: "deny"})
	assert.Contains(t, match, "eth_type") // baseline match is never literally empty
	assert.False(t, srcSpecific || dstSpecific || protoSpecific)
}
