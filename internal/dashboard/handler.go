package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/queue"
	"github.com/repcue/localsync/internal/syncer"
)

// StatsData contains running totals since the handler was created.
type StatsData struct {
	Delivered   int `json:"delivered"`
	Conflicts   int `json:"conflicts"`
	Rejected    int `json:"rejected"`
	Rescheduled int `json:"rescheduled"`
	Pulled      int `json:"pulled"`
	Claimed     int `json:"claimed"`
	Errors      int `json:"errors"`

	// ActionRequired counts failures that retrying will not fix.
	ActionRequired int `json:"action_required"`

	Queue        queue.Stats `json:"queue"`
	LastEventAt  *time.Time  `json:"last_event_at,omitempty"`
	LastSyncedAt *time.Time  `json:"last_synced_at,omitempty"`
}

// SyncCompleteData summarizes a full sync pass.
type SyncCompleteData struct {
	Enqueued  int           `json:"enqueued"`
	Delivered int           `json:"delivered"`
	Conflicts int           `json:"conflicts"`
	Applied   int           `json:"applied"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Handler turns sync events into dashboard messages. It implements
// syncer.Notifier and is safe for concurrent use.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler connected to server. New clients receive the
// current totals as their welcome message.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server: server,
		logger: logger.Named("dashboard"),
	}
	server.setWelcome(h.statsMessage)
	return h
}

// Notify implements syncer.Notifier.
func (h *Handler) Notify(e syncer.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.Lock()
	switch e.Type {
	case syncer.EventDelivered:
		h.stats.Delivered += countOf(e)
	case syncer.EventConflict:
		h.stats.Conflicts += countOf(e)
	case syncer.EventRejected:
		h.stats.Rejected += countOf(e)
	case syncer.EventRescheduled:
		h.stats.Rescheduled += countOf(e)
	case syncer.EventPulled:
		h.stats.Pulled += countOf(e)
	case syncer.EventClaimed:
		h.stats.Claimed += countOf(e)
	case syncer.EventError:
		h.stats.Errors++
	}
	if e.ActionRequired {
		h.stats.ActionRequired++
	}
	at := e.At
	h.stats.LastEventAt = &at
	h.mu.Unlock()

	if e.ActionRequired {
		h.logger.Warn("sync needs attention",
			zap.String("type", string(e.Type)), zap.String("kind", e.Kind),
			zap.String("id", e.ID), zap.String("error", e.Error))
	}

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeSyncEvent, Timestamp: e.At, Data: data})
}

// OnSyncComplete broadcasts the summary of a sync pass followed by the
// updated totals.
func (h *Handler) OnSyncComplete(report syncer.Report, duration time.Duration, syncErr error) {
	data := SyncCompleteData{
		Enqueued:  report.Scan.Enqueued,
		Delivered: report.Deliver.Delivered,
		Conflicts: report.Deliver.Conflicts,
		Applied:   report.Pull.Applied,
		Duration:  duration,
	}
	now := time.Now().UTC()
	if syncErr != nil {
		data.Error = syncErr.Error()
	} else {
		h.mu.Lock()
		h.stats.LastSyncedAt = &now
		h.mu.Unlock()
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("failed to marshal sync summary", zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeSyncComplete, Timestamp: now, Data: dataJSON})
	h.server.Broadcast(h.statsMessage())
}

// OnQueueStats records the current queue depth and broadcasts the totals.
func (h *Handler) OnQueueStats(st queue.Stats) {
	h.mu.Lock()
	h.stats.Queue = st
	h.mu.Unlock()
	h.server.Broadcast(h.statsMessage())
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) statsMessage() Message {
	data, _ := json.Marshal(h.Stats())
	return Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// countOf treats an event without a count as one record.
func countOf(e syncer.Event) int {
	if e.Count > 0 {
		return e.Count
	}
	return 1
}
