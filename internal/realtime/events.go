package realtime

import "encoding/json"

// Client to server events
const (
	EventChannelJoin   = "channel:join"
	EventChannelLeave  = "channel:leave"
	EventMessageSend   = "message:send"
	EventMessageEdit   = "message:edit"
	EventMessageDelete = "message:delete"
)

// Server to client events. Typing events flow both ways
const (
	EventMessageNew     = "message:new"
	EventMessageUpdated = "message:updated"
	EventMessageDeleted = "message:deleted"
	EventUserStatus     = "user:status"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventError          = "error"
)

// Event is one framed event: {"event": "...", "data": {...}}
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type TypingPayload struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

type DeletedPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}
