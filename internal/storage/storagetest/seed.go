// Package storagetest builds populated in-memory stores for tests of the packages above storage
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"groupchat/internal/storage"
	ltesting "groupchat/internal/testing"
)

// Fixture is one server with two channels and four users:
// Owner owns the server, Admin and Member belong to it, Outsider does not
type Fixture struct {
	Store    *storage.Memory
	Server   storage.Server
	General  storage.Channel
	Random   storage.Channel
	Owner    storage.User
	Admin    storage.User
	Member   storage.User
	Outsider storage.User
}

func User(t testing.TB, m *storage.Memory) storage.User {
	t.Helper()
	name := ltesting.RandString()
	u, err := m.CreateUser(context.Background(), name, name+"@example.com")
	require.NoError(t, err)
	return u
}

// Seed populates a fresh Memory store
func Seed(t testing.TB) Fixture {
	t.Helper()
	ctx := context.Background()
	m := storage.NewMemory()

	f := Fixture{
		Store:    m,
		Owner:    User(t, m),
		Admin:    User(t, m),
		Member:   User(t, m),
		Outsider: User(t, m),
	}

	sc, err := m.CreateServer(ctx, ltesting.RandString(), f.Owner.ID)
	require.NoError(t, err)
	f.Server, f.General = sc.Server, sc.Channels[0]

	f.Random, err = m.CreateChannel(ctx, f.Server.ID, storage.NewChannel{Name: "random"})
	require.NoError(t, err)

	_, err = m.AddMember(ctx, f.Server.ID, f.Admin.ID)
	require.NoError(t, err)
	require.NoError(t, m.SetRole(ctx, f.Server.ID, f.Admin.ID, storage.RoleAdmin))
	_, err = m.AddMember(ctx, f.Server.ID, f.Member.ID)
	require.NoError(t, err)

	return f
}
