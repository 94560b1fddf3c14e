package storage

import "time"

// Membership roles
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Channel types
const (
	ChannelText  = "text"
	ChannelVoice = "voice"
)

// Message types
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageFile  = "file"
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Author is the display information embedded in every message
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Channel struct {
	ID       string `json:"id"`
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// NewChannel holds the fields supplied when a channel is created. Type defaults to text
type NewChannel struct {
	Name string
	Type string
}

// ChannelUpdate changes the non-nil fields of a channel
type ChannelUpdate struct {
	Name *string
	Type *string
}

// Member is a membership with the member's display information
type Member struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Status   string `json:"status"`
}

// ServerDetails is a server with its members and channels
type ServerDetails struct {
	Server   Server    `json:"server"`
	Members  []Member  `json:"members"`
	Channels []Channel `json:"channels"`
}

type Membership struct {
	UserID   string `json:"userId"`
	ServerID string `json:"serverId"`
	Role     string `json:"role"`
}

// ServerChannels is one server of a user together with its channels
type ServerChannels struct {
	Server   Server    `json:"server"`
	Channels []Channel `json:"channels"`
}

// File is the optional attachment metadata of image and file messages
type File struct {
	URL  string `json:"fileUrl"`
	Name string `json:"fileName,omitempty"`
	Size int64  `json:"fileSize,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	ServerID  string    `json:"serverId"`
	AuthorID  string    `json:"authorId"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	File      *File     `json:"file,omitempty"`
	Edited    bool      `json:"edited"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMessage holds the fields supplied when a message is created
type NewMessage struct {
	ChannelID string
	AuthorID  string
	Content   string
	Type      string
	File      *File
}
