package netmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
)

func TestDeltaMbpsZeroOnFirstSample(t *testing.T) {
	m := New(nil, nil)
	rx, tx := m.deltaMbps("dpid-1", model.PortStats{RxBytes: 1000, TxBytes: 500}, time.Now())
	assert.Zero(t, rx)
	assert.Zero(t, tx)
}

func TestDeltaMbpsComputesRate(t *testing.T) {
	m := New(nil, nil)
	t0 := time.Now()
	m.deltaMbps("dpid-1", model.PortStats{RxBytes: 0, TxBytes: 0}, t0)
	rx, tx := m.deltaMbps("dpid-1", model.PortStats{RxBytes: 1_000_000, TxBytes: 500_000}, t0.Add(1*time.Second))
	assert.InDelta(t, 8.0, rx, 1e-6)
	assert.InDelta(t, 4.0, tx, 1e-6)
}

func TestDeltaMbpsNeverNegative(t *testing.T) {
	m := New(nil, nil)
	t0 := time.Now()
	m.deltaMbps("dpid-1", model.PortStats{RxBytes: 1000}, t0)
	rx, _ := m.deltaMbps("dpid-1", model.PortStats{RxBytes: 500}, t0.Add(time.Second))
	assert.GreaterOrEqual(t, rx, 0.0)
}
