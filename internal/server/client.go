package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/auth"
	"groupchat/internal/realtime"
	"groupchat/internal/storage/zapadapter"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client pumps frames between one websocket and its realtime.Conn
type client struct {
	ws     *websocket.Conn
	conn   *realtime.Conn
	h      *handler
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.SugaredLogger
}

// serveWS upgrades the request and admits the connection. The credential is taken from the
// Authorization header or the token query parameter; when it is rejected the socket is closed
// with a policy violation and nothing else is sent
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearerOrQuery(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("WebSocket upgrade failed: %v", err)
		return
	}

	conn, err := h.hub.Admit(r.Context(), r.RemoteAddr, token)
	if err != nil {
		h.logger.Infof("Rejected websocket from %s: %v", r.RemoteAddr, err)
		reason := apperr.PublicMessage(err)
		code := websocket.ClosePolicyViolation
		if !apperr.IsAuth(err) {
			code = websocket.CloseInternalServerErr
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(zapadapter.NewContextWithConnID(context.Background(), conn.ID()))
	c := &client{
		ws:     ws,
		conn:   conn,
		h:      h,
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With("conn_id", conn.ID(), "user_id", conn.UserID()),
	}
	ws.SetReadLimit(h.readLimit)

	go c.writePump()
	go c.readPump()
}

func bearerOrQuery(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token := auth.BearerToken(header); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// setupReadConnection configures read deadlines and pong handler for the websocket
func (c *client) setupReadConnection() {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debugf("Error setting initial read deadline: %v", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the reason the read loop ends
func (c *client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Infof("Frame exceeded maximum size of %d bytes", c.h.readLimit)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debugf("Client disconnected: %v", err)
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		c.logger.Debugf("Connection closed: %v", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Infof("Unexpected websocket close: %v", err)
	default:
		c.logger.Debugf("Websocket read error: %v", err)
	}
}

// readPump dispatches inbound frames until the peer goes away, then tears the connection down
func (c *client) readPump() {
	defer func() {
		c.h.hub.Remove(c.conn)
		c.cancel()
		_ = c.ws.Close()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.dispatch(raw)
	}
}

// writePump writes every queued frame and pings the peer. It sends a close frame once the hub
// closes the queue
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.conn.Send():
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugf("Error writing frame: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugf("Error writing ping: %v", err)
				return
			}
		}
	}
}

// dispatch routes one inbound {"event": ..., "data": {...}} frame. Failures are reported to this
// connection only, as an error event
func (c *client) dispatch(raw []byte) {
	parser := c.h.parsers.framePool.Get()
	defer c.h.parsers.framePool.Put(parser)

	v, err := parser.ParseBytes(raw)
	if err != nil {
		c.reject(apperr.Validation("malformed frame"))
		return
	}

	event, err := optString(v, "event")
	if err != nil {
		c.reject(err)
		return
	}
	data := v.Get("data")

	if err := c.handle(event, data); err != nil {
		c.reject(err)
	}
}

func (c *client) handle(event string, data *fastjson.Value) error {
	hub, engine := c.h.hub, c.h.engine

	switch event {
	case realtime.EventChannelJoin:
		channelID, err := reqString(data, "channelId")
		if err != nil {
			return err
		}
		return hub.Subscribe(c.ctx, c.conn, channelID)

	case realtime.EventChannelLeave:
		channelID, err := reqString(data, "channelId")
		if err != nil {
			return err
		}
		hub.Unsubscribe(c.conn, channelID)
		return nil

	case realtime.EventMessageSend:
		req, err := parseMessage(data)
		if err != nil {
			return err
		}
		if req.ChannelID, err = reqString(data, "channelId"); err != nil {
			return err
		}
		req.AuthorID = c.conn.UserID()
		_, err = engine.Create(c.ctx, req)
		return err

	case realtime.EventMessageEdit:
		messageID, err := reqString(data, "messageId")
		if err != nil {
			return err
		}
		content, err := optString(data, "content")
		if err != nil {
			return err
		}
		_, err = engine.Edit(c.ctx, messageID, c.conn.UserID(), content)
		return err

	case realtime.EventMessageDelete:
		messageID, err := reqString(data, "messageId")
		if err != nil {
			return err
		}
		return engine.Delete(c.ctx, messageID, c.conn.UserID())

	case realtime.EventTypingStart, realtime.EventTypingStop:
		channelID, err := reqString(data, "channelId")
		if err != nil {
			return err
		}
		if event == realtime.EventTypingStart {
			return hub.StartTyping(c.conn, channelID)
		}
		return hub.StopTyping(c.conn, channelID)

	case "":
		return apperr.Validation("field %q is required", "event")
	}

	return apperr.Validation("unknown event %q", event)
}

// reject sends err to this connection as an error event
func (c *client) reject(err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		c.logger.Errorf("Handling frame: %v", err)
	} else {
		c.logger.Debugf("Rejected frame: %v", err)
	}

	c.h.hub.SendTo(c.conn, realtime.Event{
		Name: realtime.EventError,
		Data: realtime.ErrorPayload{Message: apperr.PublicMessage(err), Code: apperr.KindOf(err).String()},
	})
}
