// Package membership answers which channels a user may receive and what a user may do in a server.
// Every answer comes from the persistence layer; nothing is cached
package membership

import (
	"context"
	"errors"

	"groupchat/internal/apperr"
	"groupchat/internal/storage"
)

// Store is the part of the persistence layer the Resolver reads
type Store interface {
	GetServerMembership(ctx context.Context, userID, serverID string) (storage.Membership, error)
	ListUserServersWithChannels(ctx context.Context, userID string) ([]storage.ServerChannels, error)
	GetChannel(ctx context.Context, id string) (storage.Channel, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ServersFor returns the channel ids of every server the user belongs to, keyed by server id.
// A server without channels maps to an empty slice
func (r *Resolver) ServersFor(ctx context.Context, userID string) (map[string][]string, error) {
	servers, err := r.store.ListUserServersWithChannels(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("could not list servers", err)
	}

	result := make(map[string][]string, len(servers))
	for _, s := range servers {
		ids := make([]string, len(s.Channels))
		for i, c := range s.Channels {
			ids[i] = c.ID
		}
		result[s.Server.ID] = ids
	}

	return result, nil
}

// Role returns the user's role in server, or "" when the user is not a member
func (r *Resolver) Role(ctx context.Context, userID, serverID string) (string, error) {
	m, err := r.store.GetServerMembership(ctx, userID, serverID)
	if err != nil {
		if errors.Is(err, storage.ErrMembershipNotExist) {
			return "", nil
		}
		return "", apperr.Internal("could not read membership", err)
	}

	return m.Role, nil
}

func (r *Resolver) IsMember(ctx context.Context, userID, serverID string) (bool, error) {
	role, err := r.Role(ctx, userID, serverID)
	return role != "", err
}

// CanModerate is true for admins and the owner
func (r *Resolver) CanModerate(ctx context.Context, userID, serverID string) (bool, error) {
	role, err := r.Role(ctx, userID, serverID)
	return role == storage.RoleAdmin || role == storage.RoleOwner, err
}

// ChannelServer returns the id of the server owning channel
func (r *Resolver) ChannelServer(ctx context.Context, channelID string) (string, error) {
	c, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, storage.ErrChannelNotExist) {
			return "", apperr.NotFound("channel not found")
		}
		return "", apperr.Internal("could not read channel", err)
	}

	return c.ServerID, nil
}

// AuthorizeChannel resolves the server of channel and checks that user belongs to it.
// It fails with a not found error for unknown channels and a forbidden error for non-members
func (r *Resolver) AuthorizeChannel(ctx context.Context, userID, channelID string) (string, error) {
	serverID, err := r.ChannelServer(ctx, channelID)
	if err != nil {
		return "", err
	}

	ok, err := r.IsMember(ctx, userID, serverID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Forbidden("not a member of this server")
	}

	return serverID, nil
}
