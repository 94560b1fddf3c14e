package community

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/membership"
	"groupchat/internal/storage"
	"groupchat/internal/storage/storagetest"
)

type call struct {
	op       string
	userID   string
	serverID string
	channels []string
}

type subsRecorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *subsRecorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *subsRecorder) GrantServer(userID, serverID string, channels []string) {
	r.add(call{"grant", userID, serverID, channels})
}

func (r *subsRecorder) RevokeServer(userID, serverID string) {
	r.add(call{"revoke", userID, serverID, nil})
}

func (r *subsRecorder) AddChannel(serverID, channelID string) {
	r.add(call{"add", "", serverID, []string{channelID}})
}

func (r *subsRecorder) RemoveChannel(channelID string) {
	r.add(call{"remove", "", "", []string{channelID}})
}

func (r *subsRecorder) RemoveServer(serverID string) {
	r.add(call{"drop", "", serverID, nil})
}

func (r *subsRecorder) all() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func bootstrap(t *testing.T) (storagetest.Fixture, *Service, *subsRecorder) {
	f := storagetest.Seed(t)
	rec := &subsRecorder{}
	s := NewService(zap.NewNop().Sugar(), f.Store, membership.NewResolver(f.Store), rec)
	return f, s, rec
}

func TestCreateServer(t *testing.T) {
	f, s, rec := bootstrap(t)

	sc, err := s.CreateServer(context.Background(), f.Member.ID, "  guild ")
	require.NoError(t, err)
	require.Equal(t, "guild", sc.Server.Name)
	require.Equal(t, []call{{"grant", f.Member.ID, sc.Server.ID, []string{sc.Channels[0].ID}}}, rec.all())

	for _, name := range []string{"", "x", "   ", string(make([]byte, MaxNameLength+1))} {
		_, err = s.CreateServer(context.Background(), f.Member.ID, name)
		require.True(t, apperr.IsValidation(err), "name %q", name)
	}

	_, err = s.CreateServer(context.Background(), "missing", "guild")
	require.True(t, apperr.IsNotFound(err))
	require.Len(t, rec.all(), 1)
}

func TestUpdateAndDeleteServerOwnerOnly(t *testing.T) {
	f, s, rec := bootstrap(t)
	ctx := context.Background()

	for _, u := range []storage.User{f.Admin, f.Member, f.Outsider} {
		_, err := s.UpdateServer(ctx, u.ID, f.Server.ID, "renamed")
		require.True(t, apperr.IsForbidden(err))
		require.True(t, apperr.IsForbidden(s.DeleteServer(ctx, u.ID, f.Server.ID)))
	}
	_, err := s.UpdateServer(ctx, f.Owner.ID, "missing", "renamed")
	require.True(t, apperr.IsNotFound(err))

	srv, err := s.UpdateServer(ctx, f.Owner.ID, f.Server.ID, "renamed")
	require.NoError(t, err)
	require.Equal(t, "renamed", srv.Name)

	d, err := s.GetServer(ctx, f.Server.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", d.Server.Name)
	require.Len(t, d.Members, 3)
	require.Len(t, d.Channels, 2)
	require.Empty(t, rec.all())

	require.NoError(t, s.DeleteServer(ctx, f.Owner.ID, f.Server.ID))
	require.Equal(t, []call{{"drop", "", f.Server.ID, nil}}, rec.all())

	_, err = s.GetServer(ctx, f.Server.ID)
	require.True(t, apperr.IsNotFound(err))
}

func TestJoinLeave(t *testing.T) {
	f, s, rec := bootstrap(t)
	ctx := context.Background()

	m, err := s.Join(ctx, f.Outsider.ID, f.Server.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RoleMember, m.Role)

	_, err = s.Join(ctx, f.Outsider.ID, f.Server.ID)
	require.True(t, apperr.IsValidation(err))
	_, err = s.Join(ctx, f.Outsider.ID, "missing")
	require.True(t, apperr.IsNotFound(err))

	require.NoError(t, s.Leave(ctx, f.Outsider.ID, f.Server.ID))
	require.True(t, apperr.IsNotFound(s.Leave(ctx, f.Outsider.ID, f.Server.ID)))
	require.True(t, apperr.IsForbidden(s.Leave(ctx, f.Owner.ID, f.Server.ID)))

	require.Equal(t, []call{
		{"grant", f.Outsider.ID, f.Server.ID, []string{f.General.ID, f.Random.ID}},
		{"revoke", f.Outsider.ID, f.Server.ID, nil},
	}, rec.all())
}

// cancelAfterAdd cancels the caller's context as soon as the membership is stored, the way a
// client hanging up mid-request would
type cancelAfterAdd struct {
	*storage.Memory
	cancel context.CancelFunc
}

func (s cancelAfterAdd) AddMember(ctx context.Context, serverID, userID string) (storage.Membership, error) {
	m, err := s.Memory.AddMember(ctx, serverID, userID)
	s.cancel()
	return m, err
}

func (s cancelAfterAdd) ListServerChannels(ctx context.Context, serverID string) ([]storage.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.ListServerChannels(ctx, serverID)
}

func TestJoinGrantsAfterCallerGoesAway(t *testing.T) {
	f := storagetest.Seed(t)
	rec := &subsRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cancelAfterAdd{Memory: f.Store, cancel: cancel}
	s := NewService(zap.NewNop().Sugar(), store, membership.NewResolver(f.Store), rec)

	_, err := s.Join(ctx, f.Outsider.ID, f.Server.ID)
	require.NoError(t, err)
	require.Equal(t, []call{{"grant", f.Outsider.ID, f.Server.ID, []string{f.General.ID, f.Random.ID}}}, rec.all())
}

// failingRefresh serves the first channel listing and fails every later one
type failingRefresh struct {
	*storage.Memory
	mu    sync.Mutex
	calls int
}

func (s *failingRefresh) ListServerChannels(ctx context.Context, serverID string) ([]storage.Channel, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if n > 1 {
		return nil, errors.New("connection reset")
	}
	return s.Memory.ListServerChannels(ctx, serverID)
}

func TestJoinFallsBackToChannelsReadBefore(t *testing.T) {
	f := storagetest.Seed(t)
	rec := &subsRecorder{}
	s := NewService(zap.NewNop().Sugar(), &failingRefresh{Memory: f.Store}, membership.NewResolver(f.Store), rec)

	_, err := s.Join(context.Background(), f.Outsider.ID, f.Server.ID)
	require.NoError(t, err)
	require.Equal(t, []call{{"grant", f.Outsider.ID, f.Server.ID, []string{f.General.ID, f.Random.ID}}}, rec.all())
}

// brokenLookups stores memberships but cannot list channels at all
type brokenLookups struct {
	*storage.Memory
}

func (brokenLookups) ListServerChannels(context.Context, string) ([]storage.Channel, error) {
	return nil, errors.New("connection reset")
}

func TestLeaveNeedsNoChannelLookup(t *testing.T) {
	f := storagetest.Seed(t)
	rec := &subsRecorder{}
	s := NewService(zap.NewNop().Sugar(), brokenLookups{f.Store}, membership.NewResolver(f.Store), rec)

	require.NoError(t, s.Leave(context.Background(), f.Member.ID, f.Server.ID))
	require.Equal(t, []call{{"revoke", f.Member.ID, f.Server.ID, nil}}, rec.all())
}

func TestChannelManagement(t *testing.T) {
	f, s, rec := bootstrap(t)
	ctx := context.Background()

	_, err := s.CreateChannel(ctx, f.Member.ID, f.Server.ID, storage.NewChannel{Name: "memes"})
	require.True(t, apperr.IsForbidden(err))
	_, err = s.CreateChannel(ctx, f.Outsider.ID, f.Server.ID, storage.NewChannel{Name: "memes"})
	require.True(t, apperr.IsForbidden(err))
	_, err = s.CreateChannel(ctx, f.Admin.ID, "missing", storage.NewChannel{Name: "memes"})
	require.True(t, apperr.IsNotFound(err))
	_, err = s.CreateChannel(ctx, f.Admin.ID, f.Server.ID, storage.NewChannel{Name: "memes", Type: "video"})
	require.True(t, apperr.IsValidation(err))

	ch, err := s.CreateChannel(ctx, f.Admin.ID, f.Server.ID, storage.NewChannel{Name: "memes"})
	require.NoError(t, err)
	require.Equal(t, 2, ch.Position)
	require.Equal(t, storage.ChannelText, ch.Type)

	got, err := s.GetChannel(ctx, f.Member.ID, ch.ID)
	require.NoError(t, err)
	require.Equal(t, ch, got)
	_, err = s.GetChannel(ctx, f.Outsider.ID, ch.ID)
	require.True(t, apperr.IsForbidden(err))

	channels, err := s.ListChannels(ctx, f.Member.ID, f.Server.ID)
	require.NoError(t, err)
	require.Len(t, channels, 3)
	_, err = s.ListChannels(ctx, f.Outsider.ID, f.Server.ID)
	require.True(t, apperr.IsForbidden(err))

	name, voice := "voice-chat", storage.ChannelVoice
	_, err = s.UpdateChannel(ctx, f.Member.ID, ch.ID, storage.ChannelUpdate{Name: &name})
	require.True(t, apperr.IsForbidden(err))
	updated, err := s.UpdateChannel(ctx, f.Owner.ID, ch.ID, storage.ChannelUpdate{Name: &name, Type: &voice})
	require.NoError(t, err)
	require.Equal(t, "voice-chat", updated.Name)
	require.Equal(t, storage.ChannelVoice, updated.Type)

	require.True(t, apperr.IsForbidden(s.DeleteChannel(ctx, f.Member.ID, ch.ID)))
	require.NoError(t, s.DeleteChannel(ctx, f.Admin.ID, ch.ID))
	require.True(t, apperr.IsNotFound(s.DeleteChannel(ctx, f.Admin.ID, ch.ID)))

	require.Equal(t, []call{
		{"add", "", f.Server.ID, []string{ch.ID}},
		{"remove", "", "", []string{ch.ID}},
	}, rec.all())
}
