package storage

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"groupchat/internal/storage/zapadapter"
)

//go:embed schema.sql
var schema string

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotExist       = errors.New("user does not exist")
	ErrServerNotExist     = errors.New("server does not exist")
	ErrChannelNotExist    = errors.New("channel does not exist")
	ErrMessageNotExist    = errors.New("message does not exist")
	ErrMembershipNotExist = errors.New("membership does not exist")
	ErrMemberExists       = errors.New("user is already a member of this server")
	ErrOwnerCannotLeave   = errors.New("server owner cannot leave the server")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, dsn string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

// Migrate applies the embedded schema; every statement is idempotent
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Info("Applying schema")
	_, err := s.db.Exec(ctx, schema)
	return err
}

// validID reports whether id can be used as a uuid parameter. Anything else cannot exist
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func pgCode(err error) (string, string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	return "", "", false
}

// CreateUser creates user and returns it
func (s *Store) CreateUser(ctx context.Context, username, email string) (User, error) {
	s.logger.Debugf("Creating user (%s)", username)

	u := User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Status:    "offline",
		CreatedAt: time.Now().UTC(),
	}
	sql := "insert into users (id, username, email, status, created_at) values ($1, $2, $3, $4, $5)"
	_, err := s.db.Exec(ctx, sql, u.ID, u.Username, u.Email, u.Status, u.CreatedAt)
	if err != nil {
		if code, _, ok := pgCode(err); ok && code == pgerrcode.UniqueViolation {
			return User{}, ErrUserExists
		}
		return User{}, err
	}

	s.logger.Debugf("Created user (%s) with id %s", username, u.ID)

	return u, nil
}

// GetUserByID returns a user by id
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	if !validID(id) {
		return User{}, ErrUserNotExist
	}

	var (
		u      User
		avatar pgtype.Text
	)
	sql := "select id, username, email, avatar, status, created_at from users where id = $1"
	err := s.db.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Username, &u.Email, &avatar, &u.Status, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}
	u.Avatar = textValue(avatar)

	return u, nil
}

// UpdateUserStatus stores the last known status of a user
func (s *Store) UpdateUserStatus(ctx context.Context, userID, status string) error {
	if !validID(userID) {
		return ErrUserNotExist
	}

	tag, err := s.db.Exec(ctx, "update users set status = $2 where id = $1", userID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}

	return nil
}

// CreateServer performs a transaction creating the server record, the owner membership
// and the default "general" text channel (bulk copied), and returns the server with its channels
func (s *Store) CreateServer(ctx context.Context, name, ownerID string) (ServerChannels, error) {
	s.logger.Debugf("Creating server (%s) owned by %s", name, ownerID)

	if !validID(ownerID) {
		return ServerChannels{}, ErrUserNotExist
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ServerChannels{}, err
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	now := time.Now().UTC()
	srv := Server{ID: uuid.NewString(), Name: name, OwnerID: ownerID, CreatedAt: now}

	sql := "insert into servers (id, name, owner_id, created_at) values ($1, $2, $3, $4)"
	if _, err = tx.Exec(ctx, sql, srv.ID, srv.Name, srv.OwnerID, srv.CreatedAt); err != nil {
		if code, _, ok := pgCode(err); ok && code == pgerrcode.ForeignKeyViolation {
			return ServerChannels{}, ErrUserNotExist
		}
		return ServerChannels{}, err
	}

	sql = "insert into server_members (user_id, server_id, role, joined_at) values ($1, $2, $3, $4)"
	if _, err = tx.Exec(ctx, sql, ownerID, srv.ID, RoleOwner, now); err != nil {
		return ServerChannels{}, err
	}

	channels := []Channel{{ID: uuid.NewString(), ServerID: srv.ID, Name: "general", Type: ChannelText, Position: 0}}
	if _, err = tx.CopyFrom(ctx, pgx.Identifier{"channels"}, channelColumns, copyFromChannels(channels)); err != nil {
		return ServerChannels{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return ServerChannels{}, err
	}

	s.logger.Debugf("Created server (%s) with id %s", name, srv.ID)

	return ServerChannels{Server: srv, Channels: channels}, nil
}

// GetServer returns server with its members in joining order and its channels ordered by position
func (s *Store) GetServer(ctx context.Context, id string) (ServerDetails, error) {
	if !validID(id) {
		return ServerDetails{}, ErrServerNotExist
	}

	var d ServerDetails
	sql := "select id, name, owner_id, created_at from servers where id = $1"
	err := s.db.QueryRow(ctx, sql, id).Scan(&d.Server.ID, &d.Server.Name, &d.Server.OwnerID, &d.Server.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServerDetails{}, ErrServerNotExist
		}
		return ServerDetails{}, err
	}

	sql = `select u.id, m.role, u.username, u.avatar, u.status
			 from server_members m
			 join users u
			   on u.id = m.user_id
			where m.server_id = $1
			order by m.joined_at, u.id`

	rows, err := s.db.Query(ctx, sql, id)
	if err != nil {
		return ServerDetails{}, err
	}
	defer rows.Close()

	d.Members = []Member{}
	for rows.Next() {
		var (
			m      Member
			avatar pgtype.Text
		)
		if err = rows.Scan(&m.UserID, &m.Role, &m.Username, &avatar, &m.Status); err != nil {
			return ServerDetails{}, err
		}
		m.Avatar = textValue(avatar)
		d.Members = append(d.Members, m)
	}
	if rows.Err() != nil {
		return ServerDetails{}, rows.Err()
	}

	if d.Channels, err = s.channelsOf(ctx, id); err != nil {
		return ServerDetails{}, err
	}

	return d, nil
}

// UpdateServer renames server
func (s *Store) UpdateServer(ctx context.Context, id, name string) (Server, error) {
	if !validID(id) {
		return Server{}, ErrServerNotExist
	}

	var srv Server
	sql := "update servers set name = $2 where id = $1 returning id, name, owner_id, created_at"
	err := s.db.QueryRow(ctx, sql, id, name).Scan(&srv.ID, &srv.Name, &srv.OwnerID, &srv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Server{}, ErrServerNotExist
		}
		return Server{}, err
	}

	return srv, nil
}

// DeleteServer removes server; memberships, channels and messages go with it
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	s.logger.Debugf("Deleting server (id: %s)", id)

	if !validID(id) {
		return ErrServerNotExist
	}

	tag, err := s.db.Exec(ctx, "delete from servers where id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotExist
	}

	return nil
}

// SetRole changes the role of an existing member
func (s *Store) SetRole(ctx context.Context, serverID, userID, role string) error {
	if !validID(serverID) || !validID(userID) {
		return ErrMembershipNotExist
	}

	sql := "update server_members set role = $3 where user_id = $2 and server_id = $1"
	tag, err := s.db.Exec(ctx, sql, serverID, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMembershipNotExist
	}

	return nil
}

// GetServerMembership returns the membership of user in server
func (s *Store) GetServerMembership(ctx context.Context, userID, serverID string) (Membership, error) {
	if !validID(userID) || !validID(serverID) {
		return Membership{}, ErrMembershipNotExist
	}

	m := Membership{UserID: userID, ServerID: serverID}
	sql := "select role from server_members where user_id = $1 and server_id = $2"
	err := s.db.QueryRow(ctx, sql, userID, serverID).Scan(&m.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrMembershipNotExist
		}
		return Membership{}, err
	}

	return m, nil
}

// AddMember adds user to server with the member role
func (s *Store) AddMember(ctx context.Context, serverID, userID string) (Membership, error) {
	if !validID(serverID) {
		return Membership{}, ErrServerNotExist
	}
	if !validID(userID) {
		return Membership{}, ErrUserNotExist
	}

	sql := "insert into server_members (user_id, server_id, role, joined_at) values ($1, $2, $3, $4)"
	_, err := s.db.Exec(ctx, sql, userID, serverID, RoleMember, time.Now().UTC())
	if err != nil {
		if code, constraint, ok := pgCode(err); ok {
			switch code {
			case pgerrcode.UniqueViolation:
				return Membership{}, ErrMemberExists
			case pgerrcode.ForeignKeyViolation:
				switch constraint {
				case "server_members_server_id_fkey":
					return Membership{}, ErrServerNotExist
				case "server_members_user_id_fkey":
					return Membership{}, ErrUserNotExist
				}
			}
		}
		return Membership{}, err
	}

	return Membership{UserID: userID, ServerID: serverID, Role: RoleMember}, nil
}

// RemoveMember deletes the membership of user in server. The owner cannot leave
func (s *Store) RemoveMember(ctx context.Context, serverID, userID string) error {
	if !validID(serverID) {
		return ErrServerNotExist
	}
	if !validID(userID) {
		return ErrMembershipNotExist
	}

	var ownerID string
	err := s.db.QueryRow(ctx, "select owner_id from servers where id = $1", serverID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrServerNotExist
		}
		return err
	}
	if ownerID == userID {
		return ErrOwnerCannotLeave
	}

	tag, err := s.db.Exec(ctx, "delete from server_members where user_id = $1 and server_id = $2", userID, serverID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMembershipNotExist
	}

	return nil
}

// ListUserServersWithChannels returns every server user is a member of, with channels ordered by position
func (s *Store) ListUserServersWithChannels(ctx context.Context, userID string) ([]ServerChannels, error) {
	s.logger.Debugf("Retrieving servers for user (id: %s)", userID)

	if !validID(userID) {
		return nil, nil
	}

	sql := `select servers.id,
				   servers.name,
				   servers.owner_id,
				   servers.created_at,
				   channels.id,
				   channels.name,
				   channels.type,
				   channels.position
			  from server_members
			  join servers
				on servers.id = server_members.server_id
			  left join channels
				on channels.server_id = servers.id
			 where server_members.user_id = $1
			 order by servers.created_at, servers.id, channels.position`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ServerChannels
	for rows.Next() {
		var (
			srv                  Server
			chID, chName, chType pgtype.Text
			chPos                pgtype.Int4
		)
		err = rows.Scan(&srv.ID, &srv.Name, &srv.OwnerID, &srv.CreatedAt, &chID, &chName, &chType, &chPos)
		if err != nil {
			return nil, err
		}

		if len(result) == 0 || result[len(result)-1].Server.ID != srv.ID {
			result = append(result, ServerChannels{Server: srv})
		}
		if chID.Status == pgtype.Present {
			last := &result[len(result)-1]
			last.Channels = append(last.Channels, Channel{
				ID:       chID.String,
				ServerID: srv.ID,
				Name:     chName.String,
				Type:     chType.String,
				Position: int(chPos.Int),
			})
		}
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d servers", len(result))

	return result, nil
}

// ListServerChannels returns the channels of server ordered by position
func (s *Store) ListServerChannels(ctx context.Context, serverID string) ([]Channel, error) {
	if !validID(serverID) {
		return nil, ErrServerNotExist
	}

	var i int8
	err := s.db.QueryRow(ctx, "select 1 from servers where id = $1", serverID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServerNotExist
		}
		return nil, err
	}

	return s.channelsOf(ctx, serverID)
}

func (s *Store) channelsOf(ctx context.Context, serverID string) ([]Channel, error) {
	sql := "select id, server_id, name, type, position from channels where server_id = $1 order by position"
	rows, err := s.db.Query(ctx, sql, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err = rows.Scan(&c.ID, &c.ServerID, &c.Name, &c.Type, &c.Position); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}

	return channels, rows.Err()
}

// CreateChannel appends a channel to server; its position is the number of channels before it
func (s *Store) CreateChannel(ctx context.Context, serverID string, nc NewChannel) (Channel, error) {
	s.logger.Debugf("Creating channel (%s) in server (id: %s)", nc.Name, serverID)

	if !validID(serverID) {
		return Channel{}, ErrServerNotExist
	}
	if nc.Type == "" {
		nc.Type = ChannelText
	}

	c := Channel{ID: uuid.NewString(), ServerID: serverID, Name: nc.Name, Type: nc.Type}
	sql := `insert into channels (id, server_id, name, type, position)
			select $1::uuid, $2::uuid, $3::text, $4::text, count(*)
			  from channels
			 where server_id = $2
			returning position`

	err := s.db.QueryRow(ctx, sql, c.ID, c.ServerID, c.Name, c.Type).Scan(&c.Position)
	if err != nil {
		if code, _, ok := pgCode(err); ok && code == pgerrcode.ForeignKeyViolation {
			return Channel{}, ErrServerNotExist
		}
		return Channel{}, err
	}

	return c, nil
}

// UpdateChannel changes the fields of upd that are set
func (s *Store) UpdateChannel(ctx context.Context, id string, upd ChannelUpdate) (Channel, error) {
	if !validID(id) {
		return Channel{}, ErrChannelNotExist
	}

	var c Channel
	sql := `update channels
			   set name = coalesce($2, name),
				   type = coalesce($3, type)
			 where id = $1
			returning id, server_id, name, type, position`

	err := s.db.QueryRow(ctx, sql, id, optText(upd.Name), optText(upd.Type)).
		Scan(&c.ID, &c.ServerID, &c.Name, &c.Type, &c.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotExist
		}
		return Channel{}, err
	}

	return c, nil
}

// DeleteChannel removes a channel together with its messages
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrChannelNotExist
	}

	tag, err := s.db.Exec(ctx, "delete from channels where id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotExist
	}

	return nil
}

// GetChannel returns a channel by id
func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	if !validID(id) {
		return Channel{}, ErrChannelNotExist
	}

	var c Channel
	sql := "select id, server_id, name, type, position from channels where id = $1"
	err := s.db.QueryRow(ctx, sql, id).Scan(&c.ID, &c.ServerID, &c.Name, &c.Type, &c.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotExist
		}
		return Channel{}, err
	}

	return c, nil
}

const messageColumns = `m.id, m.channel_id, c.server_id, m.author_id, u.username, u.avatar,
		   m.content, m.type, m.file_url, m.file_name, m.file_size, m.edited, m.created_at, m.updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (Message, error) {
	var (
		m                         Message
		avatar, fileURL, fileName pgtype.Text
		fileSize                  pgtype.Int8
	)
	err := row.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.Author.Username, &avatar,
		&m.Content, &m.Type, &fileURL, &fileName, &fileSize, &m.Edited, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Message{}, err
	}

	m.Author.ID = m.AuthorID
	m.Author.Avatar = textValue(avatar)
	if fileURL.Status == pgtype.Present {
		m.File = &File{URL: fileURL.String, Name: textValue(fileName)}
		if fileSize.Status == pgtype.Present {
			m.File.Size = fileSize.Int
		}
	}

	return m, nil
}

func optText(p *string) *pgtype.Text {
	if p == nil {
		return &pgtype.Text{Status: pgtype.Null}
	}
	return &pgtype.Text{String: *p, Status: pgtype.Present}
}

func textValue(t pgtype.Text) string {
	if t.Status != pgtype.Present {
		return ""
	}
	return t.String
}

// CreateMessage creates new message in database and returns it with its author's display information
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	s.logger.Debugf("Creating message from user (id: %s) in channel (id: %s)", nm.AuthorID, nm.ChannelID)

	if !validID(nm.ChannelID) {
		return Message{}, ErrChannelNotExist
	}
	if !validID(nm.AuthorID) {
		return Message{}, ErrUserNotExist
	}

	var fileURL, fileName pgtype.Text
	var fileSize pgtype.Int8
	if nm.File != nil {
		fileURL = pgtype.Text{String: nm.File.URL, Status: pgtype.Present}
		fileName = pgtype.Text{String: nm.File.Name, Status: pgtype.Present}
		fileSize = pgtype.Int8{Int: nm.File.Size, Status: pgtype.Present}
	} else {
		fileURL.Status, fileName.Status, fileSize.Status = pgtype.Null, pgtype.Null, pgtype.Null
	}

	now := time.Now().UTC()
	sql := `with m as (
				insert into messages (id, channel_id, author_id, content, type, file_url, file_name, file_size,
									  edited, created_at, updated_at)
				values ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $9)
				returning *
			)
			select ` + messageColumns + `
			  from m
			  join channels c on c.id = m.channel_id
			  join users u on u.id = m.author_id`

	row := s.db.QueryRow(ctx, sql, uuid.NewString(), nm.ChannelID, nm.AuthorID, nm.Content, nm.Type,
		&fileURL, &fileName, &fileSize, now)
	m, err := scanMessage(row)
	if err != nil {
		if code, constraint, ok := pgCode(err); ok && code == pgerrcode.ForeignKeyViolation {
			switch constraint {
			case "messages_channel_id_fkey":
				return Message{}, ErrChannelNotExist
			case "messages_author_id_fkey":
				return Message{}, ErrUserNotExist
			}
		}
		return Message{}, err
	}

	return m, nil
}

// GetMessage returns a message by id
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	if !validID(id) {
		return Message{}, ErrMessageNotExist
	}

	sql := `select ` + messageColumns + `
			  from messages m
			  join channels c on c.id = m.channel_id
			  join users u on u.id = m.author_id
			 where m.id = $1`

	m, err := scanMessage(s.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// UpdateMessageContent replaces the content of a message and marks it edited
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) (Message, error) {
	if !validID(id) {
		return Message{}, ErrMessageNotExist
	}

	sql := `with m as (
				update messages set content = $2, edited = true, updated_at = $3
				 where id = $1
				returning *
			)
			select ` + messageColumns + `
			  from m
			  join channels c on c.id = m.channel_id
			  join users u on u.id = m.author_id`

	m, err := scanMessage(s.db.QueryRow(ctx, sql, id, content, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// DeleteMessage removes a message permanently
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrMessageNotExist
	}

	tag, err := s.db.Exec(ctx, "delete from messages where id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotExist
	}

	return nil
}

// ListMessages returns at most limit messages of channel skipping offset, newest first
func (s *Store) ListMessages(ctx context.Context, channelID string, offset, limit int) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for channel (id: %s)", channelID)

	if !validID(channelID) {
		return nil, nil
	}

	sql := `select ` + messageColumns + `
			  from messages m
			  join channels c on c.id = m.channel_id
			  join users u on u.id = m.author_id
			 where m.channel_id = $1
			 order by m.created_at desc, m.seq desc
			offset $2
			 limit $3`

	rows, err := s.db.Query(ctx, sql, channelID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}
