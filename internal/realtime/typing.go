package realtime

import (
	"time"

	"groupchat/internal/apperr"
)

type typingKey struct {
	userID    string
	channelID string
}

// typingState is the indicator of one user in one channel. gen grows on every refresh so that
// a watchdog armed by an older start recognizes it is stale
type typingState struct {
	connID string
	gen    uint64
	timer  *time.Timer
}

// StartTyping marks the user of conn as typing in channel and (re)arms the watchdog that stops
// the indicator after the typing TTL. conn must be subscribed to channel.
// The event goes to the other subscribers of channel
func (h *Hub) StartTyping(conn *Conn, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return nil
	}
	if _, ok := conn.channels[channelID]; !ok {
		return apperr.Forbidden("not subscribed to this channel")
	}

	key := typingKey{conn.UserID(), channelID}
	st, typing := h.typing[key]
	if typing {
		st.timer.Stop()
	} else {
		st = &typingState{}
		h.typing[key] = st
	}
	st.gen++
	st.connID = conn.id
	gen := st.gen
	st.timer = time.AfterFunc(h.cfg.typingTTL, func() { h.expireTyping(key, gen) })

	if typing && h.cfg.suppressRepeatedStart {
		return nil
	}

	h.deliverLocked(h.topics[channelID],
		Event{Name: EventTypingStart, Data: TypingPayload{UserID: key.userID, ChannelID: channelID}}, conn.id)

	return nil
}

// StopTyping clears the indicator of the user of conn in channel. The stop event is published
// whether or not the user was typing
func (h *Hub) StopTyping(conn *Conn, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return nil
	}
	if _, ok := conn.channels[channelID]; !ok {
		return apperr.Forbidden("not subscribed to this channel")
	}

	h.stopTypingLocked(typingKey{conn.UserID(), channelID}, conn.id)

	return nil
}

// Typing reports whether user is marked typing in channel
func (h *Hub) Typing(userID, channelID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.typing[typingKey{userID, channelID}]
	return ok
}

func (h *Hub) expireTyping(key typingKey, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.typing[key]
	if !ok || st.gen != gen {
		return
	}

	h.metrics.TypingExpired.Inc()
	h.logger.Debugf("Typing of user %s in channel %s expired", key.userID, key.channelID)
	h.stopTypingLocked(key, st.connID)
}

// stopTypingLocked clears key and publishes the stop event to every subscriber but except
func (h *Hub) stopTypingLocked(key typingKey, except string) {
	if st, ok := h.typing[key]; ok {
		st.timer.Stop()
		delete(h.typing, key)
	}

	h.deliverLocked(h.topics[key.channelID],
		Event{Name: EventTypingStop, Data: TypingPayload{UserID: key.userID, ChannelID: key.channelID}}, except)
}

// stopConnTypingLocked force-stops every indicator started from conn
func (h *Hub) stopConnTypingLocked(conn *Conn) {
	for key, st := range h.typing {
		if st.connID == conn.id {
			h.stopTypingLocked(key, conn.id)
		}
	}
}
