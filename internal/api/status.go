package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/bridge"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Snapshot is one message of the status feed.
type Snapshot struct {
	Time       time.Time                `json:"time"`
	Devices    []bridge.DeviceStatus    `json:"devices"`
	Recordings []bridge.RecordingStatus `json:"recordings"`
	Scans      []bridge.ScanStatus      `json:"scans"`
}

func (h *Handlers) snapshot() Snapshot {
	return Snapshot{
		Time:       time.Now(),
		Devices:    h.bridge.Devices(),
		Recordings: h.bridge.Recordings(),
		Scans:      h.bridge.Scans(),
	}
}

// StatusFeed handles GET /v1/status/ws. A snapshot is pushed on connect
// and then every status interval until the client goes away.
func (h *Handlers) StatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("status feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The client never sends anything useful; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.statusInterval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(h.snapshot()); err != nil {
			h.logger.Debug("status feed closed", zap.Error(err))
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
