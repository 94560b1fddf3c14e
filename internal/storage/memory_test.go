package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryListMessagesBounds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, err := m.CreateUser(ctx, "u", "u@example.com")
	require.NoError(t, err)
	sc, err := m.CreateServer(ctx, "srv", u.ID)
	require.NoError(t, err)

	_, err = m.CreateMessage(ctx, NewMessage{ChannelID: sc.Channels[0].ID, AuthorID: u.ID, Content: "one", Type: MessageText})
	require.NoError(t, err)

	page, err := m.ListMessages(ctx, sc.Channels[0].ID, 5, 50)
	require.NoError(t, err)
	require.Empty(t, page)

	page, err = m.ListMessages(ctx, sc.Channels[0].ID, 0, 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
}
