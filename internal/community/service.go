// Package community manages servers, their memberships and their channels. Every change that
// alters who may receive a channel is applied to the live subscriptions right after it is stored
package community

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/storage"
)

const (
	MinNameLength  = 2
	MaxNameLength  = 50
	defaultTimeout = 5 * time.Second
)

// Store is the persistence the service needs
type Store interface {
	CreateServer(ctx context.Context, name, ownerID string) (storage.ServerChannels, error)
	GetServer(ctx context.Context, id string) (storage.ServerDetails, error)
	UpdateServer(ctx context.Context, id, name string) (storage.Server, error)
	DeleteServer(ctx context.Context, id string) error
	AddMember(ctx context.Context, serverID, userID string) (storage.Membership, error)
	RemoveMember(ctx context.Context, serverID, userID string) error
	ListServerChannels(ctx context.Context, serverID string) ([]storage.Channel, error)
	GetChannel(ctx context.Context, id string) (storage.Channel, error)
	CreateChannel(ctx context.Context, serverID string, nc storage.NewChannel) (storage.Channel, error)
	UpdateChannel(ctx context.Context, id string, upd storage.ChannelUpdate) (storage.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
}

// Roles answers what a user is in a server
type Roles interface {
	Role(ctx context.Context, userID, serverID string) (string, error)
}

// Subscriptions keeps live connections in step with memberships and channels.
// None of its methods touches the store, so none of them can fail
type Subscriptions interface {
	GrantServer(userID, serverID string, channels []string)
	RevokeServer(userID, serverID string)
	AddChannel(serverID, channelID string)
	RemoveChannel(channelID string)
	RemoveServer(serverID string)
}

type Option interface {
	apply(*Service)
}

type optionFunc func(s *Service)

func (f optionFunc) apply(s *Service) { f(s) }

// Timeout bounds the persistence calls of every operation
func Timeout(d time.Duration) Option {
	return optionFunc(func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	})
}

type Service struct {
	logger  *zap.SugaredLogger
	store   Store
	roles   Roles
	subs    Subscriptions
	timeout time.Duration
}

func NewService(logger *zap.SugaredLogger, store Store, roles Roles, subs Subscriptions, opts ...Option) *Service {
	s := &Service{
		logger:  logger,
		store:   store,
		roles:   roles,
		subs:    subs,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt.apply(s)
	}

	return s
}

// CreateServer creates a server owned by ownerID with a general channel. Live connections of the
// owner receive it at once
func (s *Service) CreateServer(ctx context.Context, ownerID, name string) (storage.ServerChannels, error) {
	name, err := validateName(name)
	if err != nil {
		return storage.ServerChannels{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sc, err := s.store.CreateServer(ctx, name, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.ServerChannels{}, apperr.NotFound("user not found")
		}
		s.logger.Errorf("Creating server %q: %v", name, err)
		return storage.ServerChannels{}, apperr.Internal("could not create server", err)
	}

	s.subs.GrantServer(ownerID, sc.Server.ID, channelIDs(sc.Channels))
	s.logger.Debugf("Created server %s owned by %s", sc.Server.ID, ownerID)

	return sc, nil
}

// GetServer returns a server with its members and channels
func (s *Service) GetServer(ctx context.Context, serverID string) (storage.ServerDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return storage.ServerDetails{}, s.serverError("read", serverID, err)
	}

	return d, nil
}

// UpdateServer renames a server. Only its owner may do so
func (s *Service) UpdateServer(ctx context.Context, userID, serverID, name string) (storage.Server, error) {
	name, err := validateName(name)
	if err != nil {
		return storage.Server{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireRole(ctx, userID, serverID, "only the server owner can update the server", storage.RoleOwner); err != nil {
		return storage.Server{}, err
	}

	srv, err := s.store.UpdateServer(ctx, serverID, name)
	if err != nil {
		return storage.Server{}, s.serverError("update", serverID, err)
	}

	return srv, nil
}

// DeleteServer removes a server with everything in it. Only its owner may do so.
// Every live subscription to its channels is dropped
func (s *Service) DeleteServer(ctx context.Context, userID, serverID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireRole(ctx, userID, serverID, "only the server owner can delete the server", storage.RoleOwner); err != nil {
		return err
	}

	if err := s.store.DeleteServer(ctx, serverID); err != nil {
		return s.serverError("delete", serverID, err)
	}

	s.subs.RemoveServer(serverID)
	s.logger.Infof("Deleted server %s", serverID)

	return nil
}

// Join makes userID a member of server. Live connections of the user receive its channels at once
func (s *Service) Join(ctx context.Context, userID, serverID string) (storage.Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	channels, err := s.store.ListServerChannels(ctx, serverID)
	if err != nil {
		return storage.Membership{}, s.serverError("read", serverID, err)
	}

	m, err := s.store.AddMember(ctx, serverID, userID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrServerNotExist):
			return storage.Membership{}, apperr.NotFound("server not found")
		case errors.Is(err, storage.ErrUserNotExist):
			return storage.Membership{}, apperr.NotFound("user not found")
		case errors.Is(err, storage.ErrMemberExists):
			return storage.Membership{}, apperr.Validation("already a member of this server")
		}
		s.logger.Errorf("Adding %s to server %s: %v", userID, serverID, err)
		return storage.Membership{}, apperr.Internal("could not join server", err)
	}

	// the membership is stored now: a caller going away must not cost the user its subscriptions,
	// and a failed refresh falls back to the channels read before
	refreshCtx, cancelRefresh := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancelRefresh()
	if fresh, err := s.store.ListServerChannels(refreshCtx, serverID); err == nil {
		channels = fresh
	} else {
		s.logger.Warnf("Refreshing channels of server %s after join: %v", serverID, err)
	}

	s.subs.GrantServer(userID, serverID, channelIDs(channels))
	s.logger.Debugf("User %s joined server %s", userID, serverID)

	return m, nil
}

// Leave ends the membership of userID in server. The owner cannot leave. Live connections of the
// user stop receiving the server's channels whatever happens after the membership is removed
func (s *Service) Leave(ctx context.Context, userID, serverID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.RemoveMember(ctx, serverID, userID); err != nil {
		switch {
		case errors.Is(err, storage.ErrServerNotExist):
			return apperr.NotFound("server not found")
		case errors.Is(err, storage.ErrMembershipNotExist):
			return apperr.NotFound("not a member of this server")
		case errors.Is(err, storage.ErrOwnerCannotLeave):
			return apperr.Forbidden("the owner cannot leave the server")
		}
		s.logger.Errorf("Removing %s from server %s: %v", userID, serverID, err)
		return apperr.Internal("could not leave server", err)
	}

	s.subs.RevokeServer(userID, serverID)
	s.logger.Debugf("User %s left server %s", userID, serverID)

	return nil
}

// ListChannels returns the channels of server, ordered by position, to one of its members
func (s *Service) ListChannels(ctx context.Context, userID, serverID string) ([]storage.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireRole(ctx, userID, serverID, "not a member of this server",
		storage.RoleOwner, storage.RoleAdmin, storage.RoleMember); err != nil {
		return nil, err
	}

	channels, err := s.store.ListServerChannels(ctx, serverID)
	if err != nil {
		return nil, s.serverError("read", serverID, err)
	}
	if channels == nil {
		channels = []storage.Channel{}
	}

	return channels, nil
}

// CreateChannel appends a channel to server. Admins and the owner may do so. Every live connection
// that receives the server is subscribed to the new channel
func (s *Service) CreateChannel(ctx context.Context, userID, serverID string, nc storage.NewChannel) (storage.Channel, error) {
	var err error
	if nc.Name, err = validateName(nc.Name); err != nil {
		return storage.Channel{}, err
	}
	if err = validateChannelType(nc.Type); err != nil {
		return storage.Channel{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err = s.requireRole(ctx, userID, serverID, "only server admins and owners can create channels",
		storage.RoleOwner, storage.RoleAdmin); err != nil {
		return storage.Channel{}, err
	}

	ch, err := s.store.CreateChannel(ctx, serverID, nc)
	if err != nil {
		return storage.Channel{}, s.serverError("create channel in", serverID, err)
	}

	s.subs.AddChannel(serverID, ch.ID)
	s.logger.Debugf("Created channel %s in server %s", ch.ID, serverID)

	return ch, nil
}

// GetChannel returns a channel to a member of its server
func (s *Service) GetChannel(ctx context.Context, userID, channelID string) (storage.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return storage.Channel{}, err
	}
	if err := s.requireRole(ctx, userID, ch.ServerID, "not a member of this server",
		storage.RoleOwner, storage.RoleAdmin, storage.RoleMember); err != nil {
		return storage.Channel{}, err
	}

	return ch, nil
}

// UpdateChannel changes the name or type of a channel. Admins and the owner may do so
func (s *Service) UpdateChannel(ctx context.Context, userID, channelID string, upd storage.ChannelUpdate) (storage.Channel, error) {
	if upd.Name != nil {
		name, err := validateName(*upd.Name)
		if err != nil {
			return storage.Channel{}, err
		}
		upd.Name = &name
	}
	if upd.Type != nil {
		if err := validateChannelType(*upd.Type); err != nil {
			return storage.Channel{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return storage.Channel{}, err
	}
	if err := s.requireRole(ctx, userID, ch.ServerID, "only server admins and owners can update channels",
		storage.RoleOwner, storage.RoleAdmin); err != nil {
		return storage.Channel{}, err
	}

	ch, err = s.store.UpdateChannel(ctx, channelID, upd)
	if err != nil {
		if errors.Is(err, storage.ErrChannelNotExist) {
			return storage.Channel{}, apperr.NotFound("channel not found")
		}
		s.logger.Errorf("Updating channel %s: %v", channelID, err)
		return storage.Channel{}, apperr.Internal("could not update channel", err)
	}

	return ch, nil
}

// DeleteChannel removes a channel and its messages. Admins and the owner may do so.
// Typing indicators in it are stopped and its subscriptions dropped
func (s *Service) DeleteChannel(ctx context.Context, userID, channelID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.requireRole(ctx, userID, ch.ServerID, "only server admins and owners can delete channels",
		storage.RoleOwner, storage.RoleAdmin); err != nil {
		return err
	}

	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		if errors.Is(err, storage.ErrChannelNotExist) {
			return apperr.NotFound("channel not found")
		}
		s.logger.Errorf("Deleting channel %s: %v", channelID, err)
		return apperr.Internal("could not delete channel", err)
	}

	s.subs.RemoveChannel(channelID)
	s.logger.Debugf("Deleted channel %s of server %s", channelID, ch.ServerID)

	return nil
}

func (s *Service) channel(ctx context.Context, id string) (storage.Channel, error) {
	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrChannelNotExist) {
			return storage.Channel{}, apperr.NotFound("channel not found")
		}
		s.logger.Errorf("Reading channel %s: %v", id, err)
		return storage.Channel{}, apperr.Internal("could not read channel", err)
	}
	return ch, nil
}

// requireRole fails with a forbidden error carrying msg unless the user holds one of roles in
// server. Unknown servers fail with a not found error
func (s *Service) requireRole(ctx context.Context, userID, serverID, msg string, roles ...string) error {
	role, err := s.roles.Role(ctx, userID, serverID)
	if err != nil {
		return err
	}

	if role == "" {
		if _, err := s.store.ListServerChannels(ctx, serverID); err != nil {
			return s.serverError("read", serverID, err)
		}
	}
	for _, r := range roles {
		if role == r {
			return nil
		}
	}

	return apperr.Forbidden("%s", msg)
}

func (s *Service) serverError(op, serverID string, err error) error {
	if errors.Is(err, storage.ErrServerNotExist) {
		return apperr.NotFound("server not found")
	}
	s.logger.Errorf("Could not %s server %s: %v", op, serverID, err)
	return apperr.Internal("could not "+op+" server", err)
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < MinNameLength || n > MaxNameLength {
		return "", apperr.Validation("name must be %d to %d characters", MinNameLength, MaxNameLength)
	}
	return name, nil
}

func validateChannelType(t string) error {
	switch t {
	case "", storage.ChannelText, storage.ChannelVoice:
		return nil
	}
	return apperr.Validation("type must be one of text, voice")
}

func channelIDs(channels []storage.Channel) []string {
	ids := make([]string, len(channels))
	for i, c := range channels {
		ids[i] = c.ID
	}
	return ids
}
