package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"groupchat/internal/apperr"
	"groupchat/internal/storage"
	"groupchat/internal/storage/storagetest"
)

func TestServersFor(t *testing.T) {
	f := storagetest.Seed(t)
	r := NewResolver(f.Store)
	ctx := context.Background()

	servers, err := r.ServersFor(ctx, f.Member.ID)
	require.NoError(t, err)
	require.Equal(t, map[string][]string{f.Server.ID: {f.General.ID, f.Random.ID}}, servers)

	// a server whose channels are all gone is still listed
	require.NoError(t, f.Store.DeleteChannel(ctx, f.General.ID))
	require.NoError(t, f.Store.DeleteChannel(ctx, f.Random.ID))
	servers, err = r.ServersFor(ctx, f.Member.ID)
	require.NoError(t, err)
	require.Equal(t, map[string][]string{f.Server.ID: {}}, servers)

	servers, err = r.ServersFor(ctx, f.Outsider.ID)
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestRoles(t *testing.T) {
	f := storagetest.Seed(t)
	r := NewResolver(f.Store)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     storage.User
		member   bool
		moderate bool
	}{
		{"owner", f.Owner, true, true},
		{"admin", f.Admin, true, true},
		{"member", f.Member, true, false},
		{"outsider", f.Outsider, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			member, err := r.IsMember(ctx, tt.user.ID, f.Server.ID)
			require.NoError(t, err)
			require.Equal(t, tt.member, member)

			moderate, err := r.CanModerate(ctx, tt.user.ID, f.Server.ID)
			require.NoError(t, err)
			require.Equal(t, tt.moderate, moderate)
		})
	}
}

func TestAuthorizeChannel(t *testing.T) {
	f := storagetest.Seed(t)
	r := NewResolver(f.Store)
	ctx := context.Background()

	serverID, err := r.AuthorizeChannel(ctx, f.Member.ID, f.Random.ID)
	require.NoError(t, err)
	require.Equal(t, f.Server.ID, serverID)

	_, err = r.AuthorizeChannel(ctx, f.Outsider.ID, f.General.ID)
	require.True(t, apperr.IsForbidden(err))

	_, err = r.AuthorizeChannel(ctx, f.Member.ID, "missing")
	require.True(t, apperr.IsNotFound(err))
}

type brokenStore struct {
	Store
}

func (brokenStore) GetServerMembership(context.Context, string, string) (storage.Membership, error) {
	return storage.Membership{}, errors.New("connection reset")
}

func TestStoreFailureIsInternal(t *testing.T) {
	r := NewResolver(brokenStore{})

	_, err := r.IsMember(context.Background(), "u", "s")
	require.Error(t, err)
	require.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	require.Equal(t, "internal error", apperr.PublicMessage(err))
}
