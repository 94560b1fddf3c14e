package realtime

import (
	"context"
	"strings"
	"time"

	"groupchat/internal/apperr"
)

const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

const maxStatusLength = 32

// presence is the aggregate state of one user. The connection count is len(Hub.byUser[user]):
// status is StatusOffline exactly when it is zero
type presence struct {
	status string

	// preferred is the last explicit status; it is announced on the next first connection
	preferred string
}

type statusWrite struct {
	userID string
	status string
	at     time.Time
}

// SetStatus sets an explicit status such as away or busy. It is announced to everybody at once
// when the user is online and remembered for the next connection otherwise.
// Offline cannot be set explicitly; it follows from having no connections
func (h *Hub) SetStatus(userID, status string) error {
	status = strings.TrimSpace(status)
	switch {
	case status == "":
		return apperr.Validation("status must not be empty")
	case status == StatusOffline:
		return apperr.Validation("status offline cannot be set explicitly")
	case len(status) > maxStatusLength:
		return apperr.Validation("status must be at most %d characters", maxStatusLength)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.presenceLocked(userID)
	p.preferred = status
	if len(h.byUser[userID]) == 0 {
		h.logger.Debugf("User %s set status %s while offline", userID, status)
		return nil
	}

	p.status = status
	h.announceLocked(userID, status)

	return nil
}

// Status returns the live status of user
func (h *Hub) Status(userID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.statusLocked(userID)
}

// Presence returns the live status of user together with its connection count
func (h *Hub) Presence(userID string) (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.statusLocked(userID), len(h.byUser[userID])
}

func (h *Hub) statusLocked(userID string) string {
	p, ok := h.presence[userID]
	if !ok || len(h.byUser[userID]) == 0 {
		return StatusOffline
	}
	return p.status
}

func (h *Hub) presenceLocked(userID string) *presence {
	p, ok := h.presence[userID]
	if !ok {
		p = &presence{status: StatusOffline}
		h.presence[userID] = p
	}
	return p
}

func (h *Hub) wentOnlineLocked(userID string) {
	p := h.presenceLocked(userID)
	p.status = StatusOnline
	if p.preferred != "" {
		p.status = p.preferred
	}
	h.metrics.OnlineUsers.Inc()
	h.announceLocked(userID, p.status)
}

func (h *Hub) wentOfflineLocked(userID string) {
	h.presenceLocked(userID).status = StatusOffline
	h.metrics.OnlineUsers.Dec()
	h.announceLocked(userID, StatusOffline)
}

// announceLocked broadcasts a status change to every connection and queues its durable write
func (h *Hub) announceLocked(userID, status string) {
	h.deliverLocked(h.conns, Event{Name: EventUserStatus, Data: StatusPayload{UserID: userID, Status: status}}, "")
	h.enqueueStatusLocked(userID, status)
}

func (h *Hub) enqueueStatusLocked(userID, status string) {
	if h.statusq == nil || h.statusDone {
		return
	}

	select {
	case h.statusq <- statusWrite{userID: userID, status: status, at: time.Now().UTC()}:
	default:
		h.logger.Warnf("Status queue is full, dropping %s status of user %s", status, userID)
	}
}

// Run writes queued status transitions to the status store and mirror in order. It returns
// once the hub is closed and the queue is drained. ctx bounds every write; pass a context
// that outlives Close so the final offline writes are not lost
func (h *Hub) Run(ctx context.Context) {
	if h.statusq == nil {
		return
	}

	for w := range h.statusq {
		h.writeStatus(ctx, w)
	}
}

func (h *Hub) writeStatus(ctx context.Context, w statusWrite) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.writeTimeout)
	defer cancel()

	if h.cfg.statusStore != nil {
		if err := h.cfg.statusStore.UpdateUserStatus(ctx, w.userID, w.status); err != nil {
			h.logger.Errorf("Storing status %s of user %s: %v", w.status, w.userID, err)
		}
	}
	if h.cfg.statusMirror != nil {
		if err := h.cfg.statusMirror.Record(ctx, w.userID, w.status, w.at); err != nil {
			h.logger.Errorf("Mirroring status %s of user %s: %v", w.status, w.userID, err)
		}
	}
}
