// Package chat implements the message lifecycle: create, edit, delete and list. Every mutation is
// authorized, persisted and only then published to the channel, whatever transport it came from
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/metrics"
	"groupchat/internal/realtime"
	"groupchat/internal/storage"
)

const (
	MaxContentLength = 2000
	DefaultPageSize  = 50
	MaxPageSize      = 100
	defaultTimeout   = 5 * time.Second
)

// Store is the persistence the engine needs
type Store interface {
	CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error)
	GetMessage(ctx context.Context, id string) (storage.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) (storage.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, channelID string, offset, limit int) ([]storage.Message, error)
}

// Authorizer answers membership questions
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, userID, channelID string) (string, error)
	CanModerate(ctx context.Context, userID, serverID string) (bool, error)
}

// Publisher fans an event out to the subscribers of a channel
type Publisher interface {
	Publish(channelID string, ev realtime.Event) int
}

type Option interface {
	apply(*Engine)
}

type optionFunc func(e *Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// Timeout bounds every operation including its persistence calls
func Timeout(d time.Duration) Option {
	return optionFunc(func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	})
}

func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(e *Engine) {
		e.metrics = m
	})
}

type Engine struct {
	logger    *zap.SugaredLogger
	store     Store
	members   Authorizer
	publisher Publisher
	metrics   *metrics.Metrics
	timeout   time.Duration
}

func NewEngine(logger *zap.SugaredLogger, store Store, members Authorizer, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		store:     store,
		members:   members,
		publisher: publisher,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	return e
}

// CreateRequest carries a new message. Type defaults to text
type CreateRequest struct {
	ChannelID string
	AuthorID  string
	Content   string
	Type      string
	File      *storage.File
}

// Create stores a message from a member of the channel's server and publishes message:new
// with the author's display information
func (e *Engine) Create(ctx context.Context, req CreateRequest) (msg storage.Message, err error) {
	defer e.record("create", &err)

	nm, err := validateCreate(req)
	if err != nil {
		return storage.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if _, err = e.members.AuthorizeChannel(ctx, req.AuthorID, req.ChannelID); err != nil {
		return storage.Message{}, err
	}

	start := time.Now()
	msg, err = e.store.CreateMessage(ctx, nm)
	e.metrics.ObservePersist("create", start)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrChannelNotExist):
			return storage.Message{}, apperr.NotFound("channel not found")
		case errors.Is(err, storage.ErrUserNotExist):
			return storage.Message{}, apperr.NotFound("author not found")
		}
		e.logger.Errorf("Creating message in channel %s: %v", req.ChannelID, err)
		return storage.Message{}, apperr.Internal("could not create message", err)
	}

	e.publisher.Publish(msg.ChannelID, realtime.Event{Name: realtime.EventMessageNew, Data: msg})
	e.logger.Debugf("Created message %s in channel %s", msg.ID, msg.ChannelID)

	return msg, nil
}

// Edit replaces the content of a message. Only its author may do so; moderators have no override
func (e *Engine) Edit(ctx context.Context, messageID, editorID, content string) (msg storage.Message, err error) {
	defer e.record("edit", &err)

	if err = validateContent(content); err != nil {
		return storage.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, err := e.getMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, err
	}
	if current.AuthorID != editorID {
		return storage.Message{}, apperr.Forbidden("only the author can edit this message")
	}

	start := time.Now()
	msg, err = e.store.UpdateMessageContent(ctx, messageID, content)
	e.metrics.ObservePersist("edit", start)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			return storage.Message{}, apperr.NotFound("message not found")
		}
		e.logger.Errorf("Editing message %s: %v", messageID, err)
		return storage.Message{}, apperr.Internal("could not edit message", err)
	}

	e.publisher.Publish(msg.ChannelID, realtime.Event{Name: realtime.EventMessageUpdated, Data: msg})
	e.logger.Debugf("Edited message %s", msg.ID)

	return msg, nil
}

// Delete removes a message for good. The author and the admins and owner of the server may do so
func (e *Engine) Delete(ctx context.Context, messageID, actorID string) (err error) {
	defer e.record("delete", &err)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return err
	}

	if msg.AuthorID != actorID {
		ok, err := e.members.CanModerate(ctx, actorID, msg.ServerID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbidden("only the author or a server moderator can delete this message")
		}
	}

	start := time.Now()
	err = e.store.DeleteMessage(ctx, messageID)
	e.metrics.ObservePersist("delete", start)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			return apperr.NotFound("message not found")
		}
		e.logger.Errorf("Deleting message %s: %v", messageID, err)
		return apperr.Internal("could not delete message", err)
	}

	e.publisher.Publish(msg.ChannelID, realtime.Event{
		Name: realtime.EventMessageDeleted,
		Data: realtime.DeletedPayload{MessageID: msg.ID, ChannelID: msg.ChannelID},
	})
	e.logger.Debugf("Deleted message %s from channel %s by %s", msg.ID, msg.ChannelID, actorID)

	return nil
}

// Get returns one message to a member of its server
func (e *Engine) Get(ctx context.Context, messageID, userID string) (storage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, err
	}
	if _, err := e.members.AuthorizeChannel(ctx, userID, msg.ChannelID); err != nil {
		return storage.Message{}, err
	}

	return msg, nil
}

// List returns page (from 1) of the channel's history, newest page first, each page ordered
// oldest to newest. A page size of zero or less means DefaultPageSize
func (e *Engine) List(ctx context.Context, channelID string, page, pageSize int) (messages []storage.Message, err error) {
	defer e.record("list", &err)

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	messages, err = e.store.ListMessages(ctx, channelID, (page-1)*pageSize, pageSize)
	e.metrics.ObservePersist("list", start)
	if err != nil {
		e.logger.Errorf("Listing messages of channel %s: %v", channelID, err)
		return nil, apperr.Internal("could not list messages", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if messages == nil {
		messages = []storage.Message{}
	}

	return messages, nil
}

// ListFor is List for a reader who must be a member of the channel's server
func (e *Engine) ListFor(ctx context.Context, userID, channelID string, page, pageSize int) ([]storage.Message, error) {
	if _, err := e.members.AuthorizeChannel(ctx, userID, channelID); err != nil {
		return nil, err
	}
	return e.List(ctx, channelID, page, pageSize)
}

func (e *Engine) getMessage(ctx context.Context, id string) (storage.Message, error) {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			return storage.Message{}, apperr.NotFound("message not found")
		}
		e.logger.Errorf("Reading message %s: %v", id, err)
		return storage.Message{}, apperr.Internal("could not read message", err)
	}
	return msg, nil
}

func (e *Engine) record(op string, err *error) {
	result := "ok"
	if *err != nil {
		result = apperr.KindOf(*err).String()
	}
	e.metrics.MessageOps.WithLabelValues(op, result).Inc()
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content must not be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperr.Validation("content must be at most %d characters", MaxContentLength)
	}
	return nil
}

func validateCreate(req CreateRequest) (storage.NewMessage, error) {
	if err := validateContent(req.Content); err != nil {
		return storage.NewMessage{}, err
	}

	nm := storage.NewMessage{
		ChannelID: req.ChannelID,
		AuthorID:  req.AuthorID,
		Content:   req.Content,
		Type:      req.Type,
	}
	if nm.Type == "" {
		nm.Type = storage.MessageText
	}

	switch nm.Type {
	case storage.MessageText:
		if req.File != nil {
			return storage.NewMessage{}, apperr.Validation("text messages cannot carry a file")
		}
	case storage.MessageImage, storage.MessageFile:
		if req.File == nil || strings.TrimSpace(req.File.URL) == "" {
			return storage.NewMessage{}, apperr.Validation("%s messages require fileUrl", nm.Type)
		}
		if req.File.Size < 0 {
			return storage.NewMessage{}, apperr.Validation("fileSize must not be negative")
		}
		f := *req.File
		nm.File = &f
	default:
		return storage.NewMessage{}, apperr.Validation("type must be one of text, image, file")
	}

	return nm, nil
}
