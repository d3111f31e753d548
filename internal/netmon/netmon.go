// Package netmon maintains a live SDN topology view and derives per-port
// bandwidth from successive controller stats polls (component C4).
package netmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/internal/sdnclient"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Monitor owns the port-stats history used to derive bandwidth; it is
// mutated only by this monitor's own worker.
type Monitor struct {
	controller *sdnclient.Client
	log        *logger.Logger

	mu          sync.Mutex
	history     map[string]statSample // key: "<dpid>-<port_no>"
	knownDPIDs  map[string]bool
}

type statSample struct {
	stats model.PortStats
	at    time.Time
}

// New creates a Monitor bound to an SDN controller client.
func New(controller *sdnclient.Client, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("netmon")
	}
	return &Monitor{
		controller: controller,
		log:        log,
		history:    make(map[string]statSample),
		knownDPIDs: make(map[string]bool),
	}
}

// GetLiveTopology concurrently queries the controller for switches, links,
// and hosts, assembling a single shaped snapshot. Link/host endpoint
// absence (older controller apps) degrades to an empty list, not an error.
func (m *Monitor) GetLiveTopology(ctx context.Context) model.TopologySnapshot {
	var wg sync.WaitGroup
	var switches []model.Switch
	var links []model.Link
	var hosts []model.Host

	wg.Add(3)
	go func() {
		defer wg.Done()
		sw, err := m.controller.GetSwitches(ctx)
		if err != nil {
			m.log.WithError(err).Warn("live topology: failed to fetch switches")
			return
		}
		switches = sw
	}()
	go func() {
		defer wg.Done()
		l, err := m.controller.GetTopologyLinks(ctx)
		if err != nil {
			m.log.WithError(err).Info("live topology: links endpoint unavailable")
			return
		}
		links = l
	}()
	go func() {
		defer wg.Done()
		h, err := m.controller.GetTopologyHosts(ctx)
		if err != nil {
			m.log.WithError(err).Info("live topology: hosts endpoint unavailable")
			return
		}
		hosts = h
	}()
	wg.Wait()

	return model.TopologySnapshot{
		Timestamp: time.Now().UTC(),
		Switches:  switches,
		Links:     links,
		Hosts:     hosts,
	}
}

// CollectMetrics polls port stats for every known switch and derives
// per-port and aggregate bandwidth using active-port averaging: only ports
// with total_mbps > 0 contribute to the average, preventing zero dilution.
func (m *Monitor) CollectMetrics(ctx context.Context) map[string]interface{} {
	now := time.Now().UTC()
	switches, err := m.controller.GetSwitches(ctx)
	if err != nil {
		m.log.WithError(err).Warn("collect metrics: failed to list switches")
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}

	m.trackSwitchSet(switches)

	var totalRx, totalTx, activeSum float64
	activeCount := 0
	perSwitch := make(map[string]interface{}, len(switches))

	for _, sw := range switches {
		stats, err := m.controller.GetPortStats(ctx, sw.DPID)
		if err != nil {
			m.log.WithField("dpid", sw.DPID).WithError(err).Warn("collect metrics: port stats failed")
			continue
		}

		var swRx, swTx, swActiveSum float64
		swActiveCount := 0
		for _, st := range stats {
			key := fmt.Sprintf("%s-%d", sw.DPID, st.PortNo)
			rxMbps, txMbps := m.deltaMbps(key, st, now)
			total := rxMbps + txMbps

			swRx += rxMbps
			swTx += txMbps
			if total > 0 {
				swActiveSum += total
				swActiveCount++
			}
		}

		totalRx += swRx
		totalTx += swTx
		activeSum += swActiveSum
		activeCount += swActiveCount

		avg := 0.0
		if swActiveCount > 0 {
			avg = swActiveSum / float64(swActiveCount)
		}
		perSwitch[sw.DPID] = map[string]interface{}{
			"rx_mbps": swRx, "tx_mbps": swTx, "average_mbps": avg, "port_count": len(stats),
		}
	}

	networkAvg := 0.0
	if activeCount > 0 {
		networkAvg = activeSum / float64(activeCount)
	}

	return map[string]interface{}{
		"timestamp":    now.Format(time.RFC3339),
		"switch_count": len(switches),
		"total_rx_mbps": totalRx,
		"total_tx_mbps": totalTx,
		"average_mbps":  networkAvg,
		"switches":      perSwitch,
	}
}

// deltaMbps computes rx/tx Mbps from the previous sample for key, never
// returning a negative value; elapsed time <= 0 yields 0.
func (m *Monitor) deltaMbps(key string, current model.PortStats, now time.Time) (rxMbps, txMbps float64) {
	m.mu.Lock()
	prev, ok := m.history[key]
	m.history[key] = statSample{stats: current, at: now}
	m.mu.Unlock()

	if !ok {
		return 0, 0
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}

	rxDelta := deltaUint(current.RxBytes, prev.stats.RxBytes)
	txDelta := deltaUint(current.TxBytes, prev.stats.TxBytes)

	rxMbps = maxFloat(0, (rxDelta*8)/(elapsed*1_000_000))
	txMbps = maxFloat(0, (txDelta*8)/(elapsed*1_000_000))
	return rxMbps, txMbps
}

func deltaUint(cur, prev uint64) float64 {
	if cur < prev {
		return 0 // counter reset
	}
	return float64(cur - prev)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// trackSwitchSet logs DPID additions/removals against the previously known
// set and purges per-port history for vanished switches to avoid state leaks.
func (m *Monitor) trackSwitchSet(current []model.Switch) {
	currentSet := make(map[string]bool, len(current))
	for _, sw := range current {
		currentSet[sw.DPID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for dpid := range currentSet {
		if !m.knownDPIDs[dpid] {
			m.log.WithField("dpid", dpid).Info("switch connected")
		}
	}
	for dpid := range m.knownDPIDs {
		if !currentSet[dpid] {
			m.log.WithField("dpid", dpid).Info("switch disconnected")
			for key := range m.history {
				if len(key) > len(dpid) && key[:len(dpid)] == dpid {
					delete(m.history, key)
				}
			}
		}
	}
	m.knownDPIDs = currentSet
}
