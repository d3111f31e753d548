package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/fl-testbed-observer/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // any origin is accepted; the CORS middleware only sets headers and rejects nothing
}

// subscribeRequest is the client's {type, interval_ms} message; interval is
// clamped to [1000, 30000]ms so a misbehaving client can't hammer storage.
type subscribeRequest struct {
	Type       string `json:"type"`
	IntervalMS int    `json:"interval_ms"`
}

const (
	minPushInterval = time.Second
	maxPushInterval = 30 * time.Second
)

// serveWebSocket upgrades the connection and pushes the requested metric
// stream on the client-chosen cadence until the connection closes.
func serveWebSocket(s *Server, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.c.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if interval < minPushInterval {
		interval = minPushInterval
	}
	if interval > maxPushInterval {
		interval = maxPushInterval
	}
	if req.Type == "" {
		req.Type = "fl_server"
	}

	go s.drainClientMessages(ctx, cancel, conn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := s.snapshotForStream(ctx, req.Type)
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

// drainClientMessages discards inbound frames (pings, reconfigure requests
// are not supported mid-stream) and cancels ctx once the client disconnects.
func (s *Server) drainClientMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) snapshotForStream(ctx context.Context, streamType string) interface{} {
	switch streamType {
	case "fl_server", "fl_training":
		if latest := s.c.Store.GetLatestFLMetrics(ctx); latest != nil {
			return shapeFLDashboard(*latest)
		}
		return map[string]interface{}{"status": "idle"}
	case "network_topology":
		if s.c.Netmon != nil {
			return s.c.Netmon.GetLiveTopology(ctx)
		}
		return emptyTopology()
	case "events":
		rows := s.c.Store.LoadEvents(ctx, storage.EventFilter{Limit: 20, SortDesc: true})
		out := make([]map[string]interface{}, len(rows))
		for i, e := range rows {
			out[i] = e.MarshalDashboard()
		}
		return out
	default:
		return map[string]interface{}{"error": "unknown stream type"}
	}
}
