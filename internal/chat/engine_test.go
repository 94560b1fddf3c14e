package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/auth"
	"groupchat/internal/membership"
	"groupchat/internal/metrics"
	"groupchat/internal/realtime"
	"groupchat/internal/storage"
	"groupchat/internal/storage/storagetest"
	ltesting "groupchat/internal/testing"
)

type published struct {
	channelID string
	event     realtime.Event
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(channelID string, ev realtime.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{channelID, ev})
	return 1
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

func bootstrap(t *testing.T) (storagetest.Fixture, *Engine, *recorder) {
	f := storagetest.Seed(t)
	rec := &recorder{}
	e := NewEngine(zap.NewNop().Sugar(), f.Store, membership.NewResolver(f.Store), rec)
	return f, e, rec
}

func TestCreate(t *testing.T) {
	f, e, rec := bootstrap(t)

	msg, err := e.Create(context.Background(), CreateRequest{
		ChannelID: f.General.ID,
		AuthorID:  f.Member.ID,
		Content:   "hello",
	})
	require.NoError(t, err)
	require.Equal(t, storage.MessageText, msg.Type)
	require.Equal(t, f.Member.Username, msg.Author.Username)
	require.False(t, msg.Edited)

	events := rec.all()
	require.Len(t, events, 1)
	require.Equal(t, f.General.ID, events[0].channelID)
	require.Equal(t, realtime.EventMessageNew, events[0].event.Name)
	require.Equal(t, msg, events[0].event.Data)
}

func TestCreateAuthorization(t *testing.T) {
	f, e, rec := bootstrap(t)
	ctx := context.Background()

	_, err := e.Create(ctx, CreateRequest{ChannelID: f.General.ID, AuthorID: f.Outsider.ID, Content: "hi"})
	require.True(t, apperr.IsForbidden(err))

	_, err = e.Create(ctx, CreateRequest{ChannelID: "missing", AuthorID: f.Member.ID, Content: "hi"})
	require.True(t, apperr.IsNotFound(err))

	require.Empty(t, rec.all())
}

func TestCreateValidation(t *testing.T) {
	f, e, rec := bootstrap(t)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty", CreateRequest{Content: ""}},
		{"blank", CreateRequest{Content: " \n\t"}},
		{"too long", CreateRequest{Content: ltesting.RandStringN(MaxContentLength + 1)}},
		{"unknown type", CreateRequest{Content: "x", Type: "voice"}},
		{"image without url", CreateRequest{Content: "x", Type: storage.MessageImage}},
		{"file with blank url", CreateRequest{Content: "x", Type: storage.MessageFile, File: &storage.File{URL: " "}}},
		{"negative size", CreateRequest{Content: "x", Type: storage.MessageFile, File: &storage.File{URL: "u", Size: -1}}},
		{"text with file", CreateRequest{Content: "x", File: &storage.File{URL: "u"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ChannelID, tt.req.AuthorID = f.General.ID, f.Member.ID
			_, err := e.Create(context.Background(), tt.req)
			require.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
	require.Empty(t, rec.all())
}

func TestCreateLengthCountsCharacters(t *testing.T) {
	f, e, _ := bootstrap(t)

	content := strings.Repeat("é", MaxContentLength)
	msg, err := e.Create(context.Background(), CreateRequest{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: content})
	require.NoError(t, err)
	require.Equal(t, content, msg.Content)
}

func TestCreateFileMessage(t *testing.T) {
	f, e, _ := bootstrap(t)

	msg, err := e.Create(context.Background(), CreateRequest{
		ChannelID: f.General.ID,
		AuthorID:  f.Member.ID,
		Content:   "cat.png",
		Type:      storage.MessageImage,
		File:      &storage.File{URL: "https://cdn.example.com/cat.png", Name: "cat.png", Size: 1024},
	})
	require.NoError(t, err)
	require.Equal(t, &storage.File{URL: "https://cdn.example.com/cat.png", Name: "cat.png", Size: 1024}, msg.File)
}

func TestEditAndDeleteAuthorization(t *testing.T) {
	f, e, rec := bootstrap(t)
	ctx := context.Background()

	msg, err := e.Create(ctx, CreateRequest{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: "hello"})
	require.NoError(t, err)

	edited, err := e.Edit(ctx, msg.ID, f.Member.ID, "hello world")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.Equal(t, msg.AuthorID, edited.AuthorID)
	require.Equal(t, msg.ChannelID, edited.ChannelID)

	_, err = e.Edit(ctx, msg.ID, f.Owner.ID, "owned")
	require.True(t, apperr.IsForbidden(err))
	_, err = e.Edit(ctx, msg.ID, f.Admin.ID, "moderated")
	require.True(t, apperr.IsForbidden(err))

	other, err := e.Create(ctx, CreateRequest{ChannelID: f.General.ID, AuthorID: f.Owner.ID, Content: "mine"})
	require.NoError(t, err)
	require.True(t, apperr.IsForbidden(e.Delete(ctx, other.ID, f.Member.ID)))

	require.NoError(t, e.Delete(ctx, msg.ID, f.Admin.ID))
	require.True(t, apperr.IsNotFound(e.Delete(ctx, msg.ID, f.Admin.ID)))
	_, err = e.Edit(ctx, msg.ID, f.Member.ID, "too late")
	require.True(t, apperr.IsNotFound(err))

	require.NoError(t, e.Delete(ctx, other.ID, f.Owner.ID))

	var names []string
	for _, p := range rec.all() {
		names = append(names, p.event.Name)
	}
	require.Equal(t, []string{
		realtime.EventMessageNew,
		realtime.EventMessageUpdated,
		realtime.EventMessageNew,
		realtime.EventMessageDeleted,
		realtime.EventMessageDeleted,
	}, names)
	require.Equal(t, realtime.DeletedPayload{MessageID: msg.ID, ChannelID: f.General.ID}, rec.all()[3].event.Data)
}

func TestList(t *testing.T) {
	f, e, _ := bootstrap(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		msg, err := e.Create(ctx, CreateRequest{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: ltesting.RandString()})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := e.List(ctx, f.General.ID, 1, 3)
	require.NoError(t, err)
	require.Equal(t, ids[4:], messageIDs(page))

	page, err = e.List(ctx, f.General.ID, 3, 3)
	require.NoError(t, err)
	require.Equal(t, ids[:1], messageIDs(page))

	page, err = e.List(ctx, f.General.ID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, ids, messageIDs(page))

	page, err = e.List(ctx, f.General.ID, 9, 50)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Empty(t, page)

	_, err = e.ListFor(ctx, f.Outsider.ID, f.General.ID, 1, 50)
	require.True(t, apperr.IsForbidden(err))
}

func TestGet(t *testing.T) {
	f, e, _ := bootstrap(t)
	ctx := context.Background()

	msg, err := e.Create(ctx, CreateRequest{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: "hello"})
	require.NoError(t, err)

	got, err := e.Get(ctx, msg.ID, f.Admin.ID)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)

	_, err = e.Get(ctx, msg.ID, f.Outsider.ID)
	require.True(t, apperr.IsForbidden(err))
	_, err = e.Get(ctx, "missing", f.Admin.ID)
	require.True(t, apperr.IsNotFound(err))
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) CreateMessage(context.Context, storage.NewMessage) (storage.Message, error) {
	return storage.Message{}, s.err
}

func (s failingStore) UpdateMessageContent(context.Context, string, string) (storage.Message, error) {
	return storage.Message{}, s.err
}

func (s failingStore) DeleteMessage(context.Context, string) error {
	return s.err
}

func TestPersistenceFailureDoesNotPublish(t *testing.T) {
	f := storagetest.Seed(t)
	ctx := context.Background()
	msg, err := f.Store.CreateMessage(ctx, storage.NewMessage{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: "x", Type: storage.MessageText})
	require.NoError(t, err)

	rec := &recorder{}
	m := metrics.New()
	store := failingStore{Store: f.Store, err: context.DeadlineExceeded}
	e := NewEngine(zap.NewNop().Sugar(), store, membership.NewResolver(f.Store), rec, WithMetrics(m))

	_, err = e.Create(ctx, CreateRequest{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: "hello"})
	require.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, "internal error", apperr.PublicMessage(err))

	_, err = e.Edit(ctx, msg.ID, f.Member.ID, "changed")
	require.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	err = e.Delete(ctx, msg.ID, f.Member.ID)
	require.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	require.Empty(t, rec.all())
	require.Equal(t, float64(1), testutil.ToFloat64(m.MessageOps.WithLabelValues("create", "internal")))
}

type slowStore struct {
	Store
}

func (slowStore) CreateMessage(ctx context.Context, _ storage.NewMessage) (storage.Message, error) {
	<-ctx.Done()
	return storage.Message{}, ctx.Err()
}

func TestTimeout(t *testing.T) {
	f := storagetest.Seed(t)
	rec := &recorder{}
	e := NewEngine(zap.NewNop().Sugar(), slowStore{f.Store}, membership.NewResolver(f.Store), rec, Timeout(20*time.Millisecond))

	start := time.Now()
	_, err := e.Create(context.Background(), CreateRequest{ChannelID: f.General.ID, AuthorID: f.Member.ID, Content: "hello"})
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, rec.all())
}

// The scenarios below run the engine against a live hub

type live struct {
	f        storagetest.Fixture
	hub      *realtime.Hub
	engine   *Engine
	verifier *auth.Verifier
}

func newLive(t *testing.T) *live {
	f := storagetest.Seed(t)
	v := auth.NewVerifier("secret", "")
	resolver := membership.NewResolver(f.Store)
	hub := realtime.NewHub(zap.NewNop().Sugar(), v, resolver)
	t.Cleanup(hub.Close)

	return &live{f: f, hub: hub, engine: NewEngine(zap.NewNop().Sugar(), f.Store, resolver, hub), verifier: v}
}

func (l *live) connect(t *testing.T, u storage.User) *realtime.Conn {
	token, err := l.verifier.Issue(auth.Identity{UserID: u.ID, Username: u.Username}, time.Hour)
	require.NoError(t, err)
	c, err := l.hub.Admit(context.Background(), "test", token)
	require.NoError(t, err)
	return c
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func messages(t *testing.T, c *realtime.Conn, event string) []frame {
	var out []frame
	for {
		select {
		case payload, ok := <-c.Send():
			if !ok {
				return out
			}
			var f frame
			require.NoError(t, json.Unmarshal(payload, &f))
			if f.Event == event {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func decode(t *testing.T, f frame) storage.Message {
	var m storage.Message
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func TestScenarioCreateAndEdit(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	u1 := l.connect(t, l.f.Member)
	u2 := l.connect(t, l.f.Admin)
	require.True(t, l.hub.Subscribed(u1, l.f.General.ID))

	msg, err := l.engine.Create(ctx, CreateRequest{ChannelID: l.f.General.ID, AuthorID: l.f.Member.ID, Content: "hello", Type: "text"})
	require.NoError(t, err)

	for _, c := range []*realtime.Conn{u1, u2} {
		got := messages(t, c, realtime.EventMessageNew)
		require.Len(t, got, 1)
		m := decode(t, got[0])
		require.Equal(t, "hello", m.Content)
		require.Equal(t, l.f.Member.ID, m.Author.ID)
		require.Equal(t, l.f.Member.Username, m.Author.Username)
		require.False(t, m.Edited)
	}

	_, err = l.engine.Edit(ctx, msg.ID, l.f.Member.ID, "hello world")
	require.NoError(t, err)
	for _, c := range []*realtime.Conn{u1, u2} {
		got := messages(t, c, realtime.EventMessageUpdated)
		require.Len(t, got, 1)
		m := decode(t, got[0])
		require.Equal(t, "hello world", m.Content)
		require.True(t, m.Edited)
	}

	_, err = l.engine.Edit(ctx, msg.ID, l.f.Admin.ID, "hijacked")
	require.True(t, apperr.IsForbidden(err))
	require.Empty(t, messages(t, u1, realtime.EventMessageUpdated))

	stored, err := l.f.Store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "hello world", stored.Content)
}

func TestScenarioModeratorDelete(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	u1 := l.connect(t, l.f.Member)
	admin := l.connect(t, l.f.Admin)
	outsider := l.connect(t, l.f.Outsider)

	msg, err := l.engine.Create(ctx, CreateRequest{ChannelID: l.f.General.ID, AuthorID: l.f.Member.ID, Content: "hello"})
	require.NoError(t, err)

	require.NoError(t, l.engine.Delete(ctx, msg.ID, l.f.Admin.ID))
	for _, c := range []*realtime.Conn{u1, admin} {
		got := messages(t, c, realtime.EventMessageDeleted)
		require.Len(t, got, 1)
		var p realtime.DeletedPayload
		require.NoError(t, json.Unmarshal(got[0].Data, &p))
		require.Equal(t, realtime.DeletedPayload{MessageID: msg.ID, ChannelID: l.f.General.ID}, p)
	}
	require.Empty(t, messages(t, outsider, realtime.EventMessageDeleted))

	page, err := l.engine.List(ctx, l.f.General.ID, 1, 50)
	require.NoError(t, err)
	require.NotContains(t, messageIDs(page), msg.ID)
}

func messageIDs(messages []storage.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}
