package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/offboardhq/offboard/internal/schema"
	qsync "github.com/offboardhq/offboard/internal/sync"
)

// EnqueuedData contains information about a newly queued mutation
type EnqueuedData struct {
	MutationID string `json:"mutation_id"`
	BoardID    string `json:"board_id"`
	View       string `json:"view"`
	ItemID     string `json:"item_id"`
}

// SyncedData contains information about an accepted mutation
type SyncedData struct {
	MutationID string `json:"mutation_id"`
	BoardID    string `json:"board_id"`
	View       string `json:"view"`
	ItemID     string `json:"item_id"`
	Attempts   int    `json:"attempts"`
}

// ConflictData contains information about a rejected mutation
type ConflictData struct {
	MutationID string          `json:"mutation_id"`
	BoardID    string          `json:"board_id"`
	View       string          `json:"view"`
	ItemID     string          `json:"item_id"`
	Reason     string          `json:"reason"`
	Remote     json.RawMessage `json:"remote,omitempty"`
}

// ResolvedData contains information about a conflict resolution
type ResolvedData struct {
	MutationID string `json:"mutation_id"`
	Action     string `json:"action"`
}

// PassCompleteData contains the result of one sync pass
type PassCompleteData struct {
	BoardID    string `json:"board_id"`
	View       string `json:"view"`
	Synced     int    `json:"synced"`
	Conflicted int    `json:"conflicted"`
	Held       int    `json:"held"`
	Errored    int    `json:"errored"`
}

// StatsData contains cumulative queue statistics
type StatsData struct {
	Enqueued  int `json:"enqueued"`
	Synced    int `json:"synced"`
	Conflicts int `json:"conflicts"`
	Resolved  int `json:"resolved"`
	Passes    int `json:"passes"`
}

// Handler formats queue events as dashboard messages.
// It bridges between daemon events and the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger

	statsMu sync.Mutex
	stats   StatsData
}

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

// MutationEnqueued handles mutation enqueue events.
func (h *Handler) MutationEnqueued(m *schema.Mutation) {
	h.logger.Printf("Mutation enqueued: %s (%s/%s item %s)", m.ID, m.BoardID, m.View, m.ItemID)

	h.statsMu.Lock()
	h.stats.Enqueued++
	h.statsMu.Unlock()

	h.broadcastData(MessageTypeEnqueued, EnqueuedData{
		MutationID: m.ID,
		BoardID:    m.BoardID,
		View:       m.View,
		ItemID:     m.ItemID,
	})
	h.broadcastStats()
}

// PassCompleted handles sync pass completion events, fanning the result
// out into per-mutation synced/conflict messages plus a pass summary.
func (h *Handler) PassCompleted(key schema.QueueKey, result *qsync.Result) {
	h.logger.Printf("Pass complete for %s: %d synced, %d conflicted", key, len(result.Processed), len(result.Conflicts))

	h.statsMu.Lock()
	h.stats.Passes++
	h.stats.Synced += len(result.Processed)
	h.stats.Conflicts += len(result.Conflicts)
	h.statsMu.Unlock()

	for _, m := range result.Processed {
		h.broadcastData(MessageTypeSynced, SyncedData{
			MutationID: m.ID,
			BoardID:    m.BoardID,
			View:       m.View,
			ItemID:     m.ItemID,
			Attempts:   m.Attempts,
		})
	}

	for _, m := range result.Conflicts {
		data := ConflictData{
			MutationID: m.ID,
			BoardID:    m.BoardID,
			View:       m.View,
			ItemID:     m.ItemID,
		}
		if m.Conflict != nil {
			data.Reason = m.Conflict.Reason
			data.Remote = m.Conflict.Remote
		}
		h.broadcastData(MessageTypeConflict, data)
	}

	h.broadcastData(MessageTypePassComplete, PassCompleteData{
		BoardID:    key.BoardID,
		View:       key.View,
		Synced:     len(result.Processed),
		Conflicted: len(result.Conflicts),
		Held:       len(result.Held),
		Errored:    result.Errored,
	})
	h.broadcastStats()
}

// MutationResolved handles conflict resolution events.
func (h *Handler) MutationResolved(id string, action qsync.Action) {
	h.logger.Printf("Mutation resolved: %s (%s)", id, action)

	h.statsMu.Lock()
	h.stats.Resolved++
	h.statsMu.Unlock()

	h.broadcastData(MessageTypeResolved, ResolvedData{
		MutationID: id,
		Action:     string(action),
	})
	h.broadcastStats()
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats
}

// broadcastData marshals one payload and broadcasts it.
func (h *Handler) broadcastData(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.statsMu.Lock()
	stats := h.stats
	h.statsMu.Unlock()

	h.broadcastData(MessageTypeStats, stats)
}
