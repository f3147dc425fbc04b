package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/syncd"
)

// Handler bridges syncer lifecycle events to the WebSocket server,
// formatting them as dashboard messages. It satisfies syncd.Listener.
type Handler struct {
	server *Server
	logger *log.Logger
}

var _ syncd.Listener = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// WatermarkAdvanced broadcasts a committed batch's progress.
func (h *Handler) WatermarkAdvanced(stream source.Stream, cursor int64, rows int) {
	data := WatermarkData{
		Stream: string(stream),
		Cursor: cursor,
		Rows:   rows,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal watermark data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeWatermark,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// CycleCompleted broadcasts a cycle summary plus the full status
// snapshot.
func (h *Handler) CycleCompleted(status syncd.Status, duration time.Duration) {
	var rows int64
	for _, st := range status.Streams {
		rows += st.RowsSynced
	}

	data := CycleCompleteData{
		CyclesRun:      status.CyclesRun,
		RowsSynced:     rows,
		Duration:       duration,
		WatcherHealthy: status.WatcherHealthy,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal cycle data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeCycleComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	h.broadcastStatus(status)
}

// broadcastStatus sends a status snapshot to all clients
func (h *Handler) broadcastStatus(status syncd.Status) {
	dataJSON, err := json.Marshal(status)
	if err != nil {
		h.logger.Printf("Failed to marshal status: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
