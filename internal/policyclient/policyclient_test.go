package policyclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
)

func TestSamePolicySetDetectsChange(t *testing.T) {
	a := []model.Policy{{ID: "p1", Type: "network_security", Enabled: true, Rules: []model.PolicyRule{{ID: "r1"}}}}
	b := []model.Policy{{ID: "p1", Type: "network_security", Enabled: true, Rules: []model.PolicyRule{{ID: "r1"}}}}
	assert.True(t, samePolicySet(a, b))

	c := []model.Policy{{ID: "p1", Type: "network_security", Enabled: false, Rules: []model.PolicyRule{{ID: "r1"}}}}
	assert.False(t, samePolicySet(a, c))
}

func TestMatchFromRawExtractsPorts(t *testing.T) {
	m := matchFromRaw(map[string]interface{}{"src_ip": "10.0.0.1", "dst_port": float64(22)})
	assert.Equal(t, "10.0.0.1", m.SrcIP)
	if assert.NotNil(t, m.DstPort) {
		assert.Equal(t, 22, *m.DstPort)
	}
}

// TestFetchPoliciesNotifiesCallbacksOnFailure confirms a failed fetch still
// invokes registered callbacks with connected=false, so the flow manager's
// disconnected-state fallback protocol actually runs instead of only being
// reachable from a code path that never executes.
func TestFetchPoliciesNotifiesCallbacksOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, nil)

	var mu sync.Mutex
	var gotConnected []bool
	c.OnChange(func(_ []model.Policy, connected bool) {
		mu.Lock()
		defer mu.Unlock()
		gotConnected = append(gotConnected, connected)
	})

	_, err := c.FetchPolicies(context.Background())
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotConnected, 1)
	assert.False(t, gotConnected[0])
}
