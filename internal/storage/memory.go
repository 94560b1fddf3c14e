package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process implementation of the Store methods. It backs tests
// and the single binary "serve --memory" mode
type Memory struct {
	mu       sync.RWMutex
	users    map[string]User
	servers  map[string]Server
	channels map[string]Channel
	members  map[string]map[string]Membership // server id -> user id -> membership
	joined   map[string]map[string]int64      // server id -> user id -> join sequence
	messages map[string]storedMessage
	seq      int64
}

type storedMessage struct {
	Message
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		servers:  make(map[string]Server),
		channels: make(map[string]Channel),
		members:  make(map[string]map[string]Membership),
		joined:   make(map[string]map[string]int64),
		messages: make(map[string]storedMessage),
	}
}

func (m *Memory) CreateUser(_ context.Context, username, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username || u.Email == email {
			return User{}, ErrUserExists
		}
	}

	u := User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Status:    "offline",
		CreatedAt: time.Now().UTC(),
	}
	m.users[u.ID] = u

	return u, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotExist
	}
	return u, nil
}

func (m *Memory) UpdateUserStatus(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotExist
	}
	u.Status = status
	m.users[userID] = u

	return nil
}

func (m *Memory) CreateServer(_ context.Context, name, ownerID string) (ServerChannels, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[ownerID]; !ok {
		return ServerChannels{}, ErrUserNotExist
	}

	srv := Server{ID: uuid.NewString(), Name: name, OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	ch := Channel{ID: uuid.NewString(), ServerID: srv.ID, Name: "general", Type: ChannelText, Position: 0}

	m.servers[srv.ID] = srv
	m.channels[ch.ID] = ch
	m.members[srv.ID] = map[string]Membership{
		ownerID: {UserID: ownerID, ServerID: srv.ID, Role: RoleOwner},
	}
	m.seq++
	m.joined[srv.ID] = map[string]int64{ownerID: m.seq}

	return ServerChannels{Server: srv, Channels: []Channel{ch}}, nil
}

// GetServer returns server with its members, oldest first, and its channels
func (m *Memory) GetServer(_ context.Context, id string) (ServerDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.servers[id]
	if !ok {
		return ServerDetails{}, ErrServerNotExist
	}

	members := make([]Member, 0, len(m.members[id]))
	for userID, ms := range m.members[id] {
		u := m.users[userID]
		members = append(members, Member{
			UserID:   userID,
			Role:     ms.Role,
			Username: u.Username,
			Avatar:   u.Avatar,
			Status:   u.Status,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := m.joined[id][members[i].UserID], m.joined[id][members[j].UserID]
		if a == b {
			return members[i].UserID < members[j].UserID
		}
		return a < b
	})

	return ServerDetails{Server: srv, Members: members, Channels: m.serverChannels(id)}, nil
}

func (m *Memory) UpdateServer(_ context.Context, id, name string) (Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[id]
	if !ok {
		return Server{}, ErrServerNotExist
	}
	srv.Name = name
	m.servers[id] = srv

	return srv, nil
}

// DeleteServer removes server with its memberships, channels and their messages
func (m *Memory) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[id]; !ok {
		return ErrServerNotExist
	}
	for _, c := range m.serverChannels(id) {
		m.deleteChannel(c.ID)
	}
	delete(m.members, id)
	delete(m.joined, id)
	delete(m.servers, id)

	return nil
}

// CreateChannel appends a channel to server; its position is the number of channels before it
func (m *Memory) CreateChannel(_ context.Context, serverID string, nc NewChannel) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[serverID]; !ok {
		return Channel{}, ErrServerNotExist
	}
	if nc.Type == "" {
		nc.Type = ChannelText
	}

	ch := Channel{
		ID:       uuid.NewString(),
		ServerID: serverID,
		Name:     nc.Name,
		Type:     nc.Type,
		Position: len(m.serverChannels(serverID)),
	}
	m.channels[ch.ID] = ch

	return ch, nil
}

func (m *Memory) UpdateChannel(_ context.Context, id string, upd ChannelUpdate) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrChannelNotExist
	}
	if upd.Name != nil {
		ch.Name = *upd.Name
	}
	if upd.Type != nil {
		ch.Type = *upd.Type
	}
	m.channels[id] = ch

	return ch, nil
}

// DeleteChannel removes a channel and its messages
func (m *Memory) DeleteChannel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return ErrChannelNotExist
	}
	m.deleteChannel(id)

	return nil
}

func (m *Memory) deleteChannel(id string) {
	for msgID, sm := range m.messages {
		if sm.ChannelID == id {
			delete(m.messages, msgID)
		}
	}
	delete(m.channels, id)
}

// SetRole changes the role of an existing member
func (m *Memory) SetRole(_ context.Context, serverID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.members[serverID][userID]
	if !ok {
		return ErrMembershipNotExist
	}
	ms.Role = role
	m.members[serverID][userID] = ms

	return nil
}

func (m *Memory) GetServerMembership(_ context.Context, userID, serverID string) (Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.members[serverID][userID]
	if !ok {
		return Membership{}, ErrMembershipNotExist
	}
	return ms, nil
}

func (m *Memory) AddMember(_ context.Context, serverID, userID string) (Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[serverID]; !ok {
		return Membership{}, ErrServerNotExist
	}
	if _, ok := m.users[userID]; !ok {
		return Membership{}, ErrUserNotExist
	}
	if _, ok := m.members[serverID][userID]; ok {
		return Membership{}, ErrMemberExists
	}

	ms := Membership{UserID: userID, ServerID: serverID, Role: RoleMember}
	m.members[serverID][userID] = ms
	m.seq++
	m.joined[serverID][userID] = m.seq

	return ms, nil
}

func (m *Memory) RemoveMember(_ context.Context, serverID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[serverID]
	if !ok {
		return ErrServerNotExist
	}
	if srv.OwnerID == userID {
		return ErrOwnerCannotLeave
	}
	if _, ok := m.members[serverID][userID]; !ok {
		return ErrMembershipNotExist
	}
	delete(m.members[serverID], userID)
	delete(m.joined[serverID], userID)

	return nil
}

func (m *Memory) ListUserServersWithChannels(_ context.Context, userID string) ([]ServerChannels, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ServerChannels
	for serverID, members := range m.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		result = append(result, ServerChannels{
			Server:   m.servers[serverID],
			Channels: m.serverChannels(serverID),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Server, result[j].Server
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	return result, nil
}

func (m *Memory) ListServerChannels(_ context.Context, serverID string) ([]Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.servers[serverID]; !ok {
		return nil, ErrServerNotExist
	}
	return m.serverChannels(serverID), nil
}

func (m *Memory) serverChannels(serverID string) []Channel {
	var channels []Channel
	for _, c := range m.channels {
		if c.ServerID == serverID {
			channels = append(channels, c)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Position < channels[j].Position })
	return channels
}

func (m *Memory) GetChannel(_ context.Context, id string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrChannelNotExist
	}
	return c, nil
}

func (m *Memory) CreateMessage(_ context.Context, nm NewMessage) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[nm.ChannelID]
	if !ok {
		return Message{}, ErrChannelNotExist
	}
	u, ok := m.users[nm.AuthorID]
	if !ok {
		return Message{}, ErrUserNotExist
	}

	now := time.Now().UTC()
	msg := Message{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		ServerID:  ch.ServerID,
		AuthorID:  u.ID,
		Author:    Author{ID: u.ID, Username: u.Username, Avatar: u.Avatar},
		Content:   nm.Content,
		Type:      nm.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if nm.File != nil {
		f := *nm.File
		msg.File = &f
	}

	m.seq++
	m.messages[msg.ID] = storedMessage{Message: msg, seq: m.seq}

	return msg, nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sm, ok := m.messages[id]
	if !ok {
		return Message{}, ErrMessageNotExist
	}
	return sm.Message, nil
}

func (m *Memory) UpdateMessageContent(_ context.Context, id, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, ok := m.messages[id]
	if !ok {
		return Message{}, ErrMessageNotExist
	}
	sm.Content = content
	sm.Edited = true
	sm.UpdatedAt = time.Now().UTC()
	m.messages[id] = sm

	return sm.Message, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return ErrMessageNotExist
	}
	delete(m.messages, id)

	return nil
}

// ListMessages returns at most limit messages of channel skipping offset, newest first
func (m *Memory) ListMessages(_ context.Context, channelID string, offset, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []storedMessage
	for _, sm := range m.messages {
		if sm.ChannelID == channelID {
			all = append(all, sm)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}

	messages := make([]Message, len(all))
	for i, sm := range all {
		messages[i] = sm.Message
	}

	return messages, nil
}
