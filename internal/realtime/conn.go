package realtime

import "groupchat/internal/auth"

// Conn is one admitted connection. The transport drains Send and writes every frame to the peer;
// the channel is closed when the hub tears the connection down
type Conn struct {
	id       string
	identity auth.Identity
	addr     string
	send     chan []byte

	// guarded by Hub.mu; channels maps each subscribed channel to its server and servers holds
	// every server whose new channels the connection receives
	channels map[string]string
	servers  map[string]struct{}
	closed   bool
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	return c.identity.UserID
}

func (c *Conn) Identity() auth.Identity {
	return c.identity
}

func (c *Conn) Addr() string {
	return c.addr
}

// Send returns the outgoing frame queue
func (c *Conn) Send() <-chan []byte {
	return c.send
}

// trySend queues payload without blocking. Callers hold Hub.mu
func (c *Conn) trySend(payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}
