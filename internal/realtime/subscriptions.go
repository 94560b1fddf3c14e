package realtime

import (
	"context"
	"sort"

	"groupchat/internal/apperr"
)

// Subscribe makes conn receive the events of channel. The user must be a member of the
// channel's server; unknown channels fail with a not found error
func (h *Hub) Subscribe(ctx context.Context, conn *Conn, channelID string) error {
	userID := conn.UserID()

	for {
		if err := ctx.Err(); err != nil {
			return apperr.Internal("subscription canceled", err)
		}

		epoch := h.epoch(userID)
		serverID, err := h.resolver.AuthorizeChannel(ctx, userID, channelID)
		if err != nil {
			return err
		}

		h.mu.Lock()
		if h.epochLocked(userID) != epoch {
			h.mu.Unlock()
			continue
		}
		if !conn.closed {
			h.joinLocked(conn, serverID, []string{channelID})
		}
		h.mu.Unlock()

		return nil
	}
}

// Unsubscribe stops delivery of channel to conn. It never fails, subscribed or not.
// A typing indicator conn holds in channel is stopped
func (h *Hub) Unsubscribe(conn *Conn, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if st, ok := h.typing[typingKey{conn.UserID(), channelID}]; ok && st.connID == conn.id {
		h.stopTypingLocked(typingKey{conn.UserID(), channelID}, conn.id)
	}
	h.unsubscribeLocked(conn, channelID)
}

// ReleaseAll unsubscribes conn from every channel
func (h *Hub) ReleaseAll(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.releaseAllLocked(conn)
}

// Publish delivers ev to every connection subscribed to channel and returns how many got it
func (h *Hub) Publish(channelID string, ev Event) int {
	return h.PublishFrom(channelID, ev, "")
}

// PublishFrom is Publish skipping the connection with id except
func (h *Hub) PublishFrom(channelID string, ev Event, except string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.deliverLocked(h.topics[channelID], ev, except)
}

// Subscribed reports whether conn currently receives channel
func (h *Hub) Subscribed(conn *Conn, channelID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := conn.channels[channelID]
	return ok
}

// Channels returns the channels conn receives, sorted
func (h *Hub) Channels(conn *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channels := make([]string, 0, len(conn.channels))
	for ch := range conn.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	return channels
}

// Subscribers returns the ids of the connections receiving channel
func (h *Hub) Subscribers(channelID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.topics[channelID]))
	for id := range h.topics[channelID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// GrantServer subscribes every live connection of user to channels, the channels of server, and
// marks server so that channels created in it later reach those connections too.
// Call it after the membership has been stored
func (h *Hub) GrantServer(userID, serverID string, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.epochs[userID]++
	for _, c := range h.byUser[userID] {
		if !c.closed {
			h.joinLocked(c, serverID, channels)
		}
	}

	h.logger.Debugf("Granted %d channels of server %s to live connections of user %s", len(channels), serverID, userID)
}

// RevokeServer prunes the subscriptions and typing indicators every live connection of user holds
// in server. The channels are known to the hub, so it never consults the store and cannot fail.
// Call it after the membership has been removed
func (h *Hub) RevokeServer(userID, serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.epochs[userID]++
	n := 0
	for _, c := range h.byUser[userID] {
		n += h.leaveLocked(c, serverID)
	}

	h.logger.Debugf("Revoked server %s from live connections of user %s (%d subscriptions)", serverID, userID, n)
}

// AddChannel subscribes every live connection that receives server to its new channel
func (h *Hub) AddChannel(serverID, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.layout++
	n := 0
	for _, c := range h.conns {
		if _, ok := c.servers[serverID]; ok && !c.closed {
			h.subscribeLocked(c, serverID, channelID)
			n++
		}
	}

	h.logger.Debugf("Subscribed %d connections to new channel %s of server %s", n, channelID, serverID)
}

// RemoveChannel stops every typing indicator in channel and drops all its subscriptions
func (h *Hub) RemoveChannel(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.layout++
	for key, st := range h.typing {
		if key.channelID == channelID {
			h.stopTypingLocked(key, st.connID)
		}
	}
	n := 0
	for _, c := range h.topics[channelID] {
		h.unsubscribeLocked(c, channelID)
		n++
	}

	h.logger.Debugf("Removed channel %s from %d connections", channelID, n)
}

// RemoveServer prunes server from every live connection, as if all its members had left
func (h *Hub) RemoveServer(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.layout++
	// every member still hears the stops before anyone is unsubscribed
	for key, st := range h.typing {
		if c, ok := h.conns[st.connID]; ok && c.channels[key.channelID] == serverID {
			h.stopTypingLocked(key, st.connID)
		}
	}
	n := 0
	for _, c := range h.conns {
		n += h.leaveLocked(c, serverID)
	}

	h.logger.Debugf("Removed server %s from live connections (%d subscriptions)", serverID, n)
}

// joinLocked marks server on conn and subscribes it to channels
func (h *Hub) joinLocked(conn *Conn, serverID string, channels []string) {
	conn.servers[serverID] = struct{}{}
	for _, ch := range channels {
		h.subscribeLocked(conn, serverID, ch)
	}
}

// leaveLocked stops the typing indicators of conn's user and unsubscribes conn in every channel
// of server, then unmarks server. It returns the number of dropped subscriptions
func (h *Hub) leaveLocked(conn *Conn, serverID string) int {
	delete(conn.servers, serverID)

	n := 0
	for ch, srv := range conn.channels {
		if srv != serverID {
			continue
		}
		key := typingKey{conn.UserID(), ch}
		if st, ok := h.typing[key]; ok {
			h.stopTypingLocked(key, st.connID)
		}
		h.unsubscribeLocked(conn, ch)
		n++
	}

	return n
}

func (h *Hub) subscribeLocked(conn *Conn, serverID, channelID string) {
	topic, ok := h.topics[channelID]
	if !ok {
		topic = make(map[string]*Conn)
		h.topics[channelID] = topic
	}
	topic[conn.id] = conn
	conn.channels[channelID] = serverID
}

func (h *Hub) unsubscribeLocked(conn *Conn, channelID string) {
	delete(conn.channels, channelID)

	topic, ok := h.topics[channelID]
	if !ok {
		return
	}
	delete(topic, conn.id)
	if len(topic) == 0 {
		delete(h.topics, channelID)
	}
}

func (h *Hub) releaseAllLocked(conn *Conn) {
	for ch := range conn.channels {
		h.unsubscribeLocked(conn, ch)
	}
}
