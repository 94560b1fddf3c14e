package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/auth"
	"groupchat/internal/chat"
	"groupchat/internal/community"
	"groupchat/internal/realtime"
	"groupchat/internal/storage"
	"groupchat/internal/storage/zapadapter"
)

const maxNameLength = 100

type parsers struct {
	userPool    fastjson.ParserPool
	serverPool  fastjson.ParserPool
	channelPool fastjson.ParserPool
	messagePool fastjson.ParserPool
	statusPool  fastjson.ParserPool
	framePool   fastjson.ParserPool
}

type handler struct {
	logger    *zap.SugaredLogger
	store     Store
	verifier  *auth.Verifier
	community *community.Service
	hub       *realtime.Hub
	engine    *chat.Engine
	lastSeen  LastSeen
	tokenTTL  time.Duration
	readLimit int64
	upgrader  websocket.Upgrader
	parsers   parsers
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v and writes it with status
func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// writeError writes err as {"error": ..., "code": ...} with the status of its kind
func writeError(w http.ResponseWriter, err error) {
	payload, _ := json.Marshal(errorResponse{
		Error: apperr.PublicMessage(err),
		Code:  apperr.KindOf(err).String(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_, _ = w.Write(payload)
}

// fail writes err and logs it when it is not the client's fault
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Desugar().Error("request failed", append(zapadapter.Fields(r.Context()), zap.Error(err))...)
	}
	writeError(w, err)
}

// identity returns the caller put into the context by authenticate
func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

// optString returns the string field name of v, "" when it is absent or null
func optString(v *fastjson.Value, name string) (string, error) {
	f := v.Get(name)
	if f == nil || f.Type() == fastjson.TypeNull {
		return "", nil
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", apperr.Validation("field %q must be a string", name)
	}
	return string(b), nil
}

// optField is optString telling an absent field from an empty one
func optField(v *fastjson.Value, name string) (*string, error) {
	if f := v.Get(name); f == nil || f.Type() == fastjson.TypeNull {
		return nil, nil
	}
	s, err := optString(v, name)
	return &s, err
}

// reqString is optString for fields that must be present and non-blank
func reqString(v *fastjson.Value, name string) (string, error) {
	s, err := optString(v, name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", apperr.Validation("field %q is required", name)
	}
	return s, nil
}

// parseMessage reads the content and attachment fields shared by REST bodies and message:send frames
func parseMessage(v *fastjson.Value) (chat.CreateRequest, error) {
	var req chat.CreateRequest
	var err error

	if req.Content, err = optString(v, "content"); err != nil {
		return req, err
	}
	if req.Type, err = optString(v, "type"); err != nil {
		return req, err
	}

	fileURL, err := optString(v, "fileUrl")
	if err != nil {
		return req, err
	}
	fileName, err := optString(v, "fileName")
	if err != nil {
		return req, err
	}
	var fileSize int64
	if f := v.Get("fileSize"); f != nil && f.Type() != fastjson.TypeNull {
		if fileSize, err = f.Int64(); err != nil {
			return req, apperr.Validation("field %q must be an integer", "fileSize")
		}
	}
	if fileURL != "" || fileName != "" || fileSize != 0 {
		req.File = &storage.File{URL: fileURL, Name: fileName, Size: fileSize}
	}

	return req, nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.hub.Len(),
	})
}

// createUser handles POST /users, it returns the user together with a token for it
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.userPool.Get()
	defer h.parsers.userPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	username, err := reqString(v, "username")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if utf8.RuneCountInString(username) > maxNameLength {
		h.fail(w, r, apperr.Validation("field %q must be at most %d characters", "username", maxNameLength))
		return
	}
	email, err := reqString(v, "email")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !strings.Contains(email, "@") {
		h.fail(w, r, apperr.Validation("field %q must be an email address", "email"))
		return
	}

	user, err := h.store.CreateUser(r.Context(), strings.TrimSpace(username), strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			h.fail(w, r, apperr.Validation("user already exists"))
			return
		}
		h.fail(w, r, apperr.Internal("could not create user", err))
		return
	}

	token, err := h.verifier.Issue(auth.Identity{UserID: user.ID, Email: user.Email, Username: user.Username}, h.tokenTTL)
	if err != nil {
		h.fail(w, r, apperr.Internal("could not issue token", err))
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUserByID(r.Context(), identity(r).UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			h.fail(w, r, apperr.NotFound("user not found"))
			return
		}
		h.fail(w, r, apperr.Internal("could not read user", err))
		return
	}

	user.Status = h.hub.Status(user.ID)
	h.writeJSON(w, http.StatusOK, user)
}

// setStatus handles PUT /users/me/status {"status": "away"}
func (h *handler) setStatus(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.statusPool.Get()
	defer h.parsers.statusPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	status, err := optString(v, "status")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	userID := identity(r).UserID
	if err := h.hub.SetStatus(userID, status); err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, realtime.StatusPayload{UserID: userID, Status: h.hub.Status(userID)})
}

type presenceResponse struct {
	UserID      string           `json:"userId"`
	Status      string           `json:"status"`
	Connections int              `json:"connections"`
	LastSeen    *lastSeenPayload `json:"lastSeen,omitempty"`
}

type lastSeenPayload struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func (h *handler) presence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if _, err := h.store.GetUserByID(r.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			h.fail(w, r, apperr.NotFound("user not found"))
			return
		}
		h.fail(w, r, apperr.Internal("could not read user", err))
		return
	}

	status, conns := h.hub.Presence(userID)
	resp := presenceResponse{UserID: userID, Status: status, Connections: conns}

	if h.lastSeen != nil {
		rec, ok, err := h.lastSeen.Get(r.Context(), userID)
		if err != nil {
			h.logger.Errorf("Reading last seen of user %s: %v", userID, err)
		} else if ok {
			resp.LastSeen = &lastSeenPayload{Status: rec.Status, At: rec.At}
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// createServer handles POST /servers {"name": "..."}; the caller becomes its owner
func (h *handler) createServer(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.serverPool.Get()
	defer h.parsers.serverPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	name, err := reqString(v, "name")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	sc, err := h.community.CreateServer(r.Context(), identity(r).UserID, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, sc)
}

func (h *handler) myServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListUserServersWithChannels(r.Context(), identity(r).UserID)
	if err != nil {
		h.fail(w, r, apperr.Internal("could not list servers", err))
		return
	}
	if servers == nil {
		servers = []storage.ServerChannels{}
	}

	h.writeJSON(w, http.StatusOK, servers)
}

// getServer handles GET /servers/{id}, the server with its members and channels
func (h *handler) getServer(w http.ResponseWriter, r *http.Request) {
	d, err := h.community.GetServer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

// updateServer handles PUT /servers/{id} {"name": "..."}
func (h *handler) updateServer(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.serverPool.Get()
	defer h.parsers.serverPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	name, err := reqString(v, "name")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	srv, err := h.community.UpdateServer(r.Context(), identity(r).UserID, mux.Vars(r)["id"], name)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, srv)
}

func (h *handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.community.DeleteServer(r.Context(), identity(r).UserID, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// joinServer handles POST /servers/{id}/join. Live connections of the caller start receiving the
// server's channels at once
func (h *handler) joinServer(w http.ResponseWriter, r *http.Request) {
	m, err := h.community.Join(r.Context(), identity(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}

// leaveServer handles POST /servers/{id}/leave. The owner cannot leave
func (h *handler) leaveServer(w http.ResponseWriter, r *http.Request) {
	if err := h.community.Leave(r.Context(), identity(r).UserID, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// queryInt reads an optional positive integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperr.Validation("query parameter %q must be a positive integer", name)
	}
	return n, nil
}

// listMessages handles GET /channels/{id}/messages?page=1&pageSize=50
func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.engine.ListFor(r.Context(), identity(r).UserID, mux.Vars(r)["id"], page, pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	req, err := parseMessage(v)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req.ChannelID = mux.Vars(r)["id"]
	req.AuthorID = identity(r).UserID

	msg, err := h.engine.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.engine.Get(r.Context(), mux.Vars(r)["id"], identity(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

// editMessage handles PUT /messages/{id} {"content": "..."}
func (h *handler) editMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	content, err := optString(v, "content")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msg, err := h.engine.Edit(r.Context(), mux.Vars(r)["id"], identity(r).UserID, content)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), mux.Vars(r)["id"], identity(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// serverChannels handles GET /servers/{id}/channels for members of the server
func (h *handler) serverChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.community.ListChannels(r.Context(), identity(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, channels)
}

// createChannel handles POST /servers/{id}/channels {"name": "...", "type": "text"}
func (h *handler) createChannel(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.channelPool.Get()
	defer h.parsers.channelPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	var nc storage.NewChannel
	var err error
	if nc.Name, err = reqString(v, "name"); err != nil {
		h.fail(w, r, err)
		return
	}
	if nc.Type, err = optString(v, "type"); err != nil {
		h.fail(w, r, err)
		return
	}

	ch, err := h.community.CreateChannel(r.Context(), identity(r).UserID, mux.Vars(r)["id"], nc)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ch)
}

func (h *handler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.community.GetChannel(r.Context(), identity(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ch)
}

// updateChannel handles PUT /channels/{id}; absent fields keep their value
func (h *handler) updateChannel(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.channelPool.Get()
	defer h.parsers.channelPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	var upd storage.ChannelUpdate
	var err error
	if upd.Name, err = optField(v, "name"); err != nil {
		h.fail(w, r, err)
		return
	}
	if upd.Type, err = optField(v, "type"); err != nil {
		h.fail(w, r, err)
		return
	}

	ch, err := h.community.UpdateChannel(r.Context(), identity(r).UserID, mux.Vars(r)["id"], upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ch)
}

func (h *handler) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.community.DeleteChannel(r.Context(), identity(r).UserID, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
