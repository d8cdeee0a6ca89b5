package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"collab-blocks/pkg/db"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/logging"
	"collab-blocks/pkg/metrics"
	"collab-blocks/pkg/room"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	joinAttempts = 3
)

// Handlers contains all HTTP and WebSocket handlers
type Handlers struct {
	roomManager *room.RoomManager
	docs        db.IDocumentStore
	versions    history.Store
	log         logging.Logger

	readLimit int64
	rate      rate.Limit
	burst     int
}

type Option func(*Handlers)

func WithLogger(l logging.Logger) Option { return func(h *Handlers) { h.log = l } }

// WithReadLimit caps the size of one websocket frame.
func WithReadLimit(n int64) Option { return func(h *Handlers) { h.readLimit = n } }

// WithRateLimit caps the frames per second one connection may send.
// Excess frames are delayed, not dropped.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handlers) {
		h.rate = rate.Limit(perSecond)
		h.burst = burst
	}
}

// NewHandlers creates a new handlers instance. docs and versions may be nil
// on servers that only relay.
func NewHandlers(roomManager *room.RoomManager, docs db.IDocumentStore, versions history.Store, opts ...Option) *Handlers {
	h := &Handlers{
		roomManager: roomManager,
		docs:        docs,
		versions:    versions,
		log:         logging.Nop(),
		readLimit:   1 << 20,
		rate:        rate.Inf,
		burst:       1,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.burst < 1 {
		h.burst = 1
	}
	return h
}

// Register mounts every route on r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/ws/{objectId}", h.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms/{objectId}/users", h.GetRoomUsers).Methods(http.MethodGet)
	api.HandleFunc("/documents/{objectId}/content", h.GetDocumentContent).Methods(http.MethodGet)
	if h.docs != nil {
		api.HandleFunc("/documents", h.CreateDocument).Methods(http.MethodPost)
		api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
		api.HandleFunc("/documents/{objectId}", h.GetDocument).Methods(http.MethodGet)
		api.HandleFunc("/documents/{objectId}", h.UpdateDocument).Methods(http.MethodPatch)
		api.HandleFunc("/documents/{objectId}", h.DeleteDocument).Methods(http.MethodDelete)
	}
	if h.versions != nil {
		api.HandleFunc("/documents/{objectId}/versions", h.CreateSnapshot).Methods(http.MethodPost)
		api.HandleFunc("/documents/{objectId}/versions/{versionId}/preview", h.PreviewVersion).Methods(http.MethodGet)
		api.HandleFunc("/documents/{objectId}/versions/{versionId}/restore", h.RestoreVersion).Methods(http.MethodPost)

		r.HandleFunc("/collab/{objectId}/history", h.CreateVersion).Methods(http.MethodPost)
		r.HandleFunc("/collab/{objectId}/history", h.ListVersions).Methods(http.MethodGet)
		r.HandleFunc("/collab/{objectId}/history/{versionId}", h.GetVersion).Methods(http.MethodGet)
		r.HandleFunc("/collab/{objectId}/history/{versionId}", h.DeleteVersion).Methods(http.MethodDelete)
	}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are checked by the CORS layer
	},
}

// HandleWebSocket attaches a client to the room of {objectId}. The socket
// carries binary sync and awareness frames in both directions.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	objectID := mux.Vars(r)["objectId"]
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "Anonymous"
	}

	rm, err := h.roomManager.GetOrCreateRoom(r.Context(), objectID)
	if err != nil {
		h.log.Error(r.Context(), "open room", "room", objectID, "err", err)
		http.Error(w, "Failed to open room", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade", "err", err)
		return
	}
	client := room.NewClient(conn, username)

	for attempt := 1; !rm.Join(client); attempt++ {
		// the room closed between lookup and join
		if attempt == joinAttempts {
			h.log.Error(r.Context(), "join room", "room", objectID, "err", room.ErrRoomClosed)
			conn.Close()
			return
		}
		if rm, err = h.roomManager.GetOrCreateRoom(context.Background(), objectID); err != nil {
			h.log.Error(r.Context(), "open room", "room", objectID, "err", err)
			conn.Close()
			return
		}
	}

	go h.writePump(rm, client)
	go h.readPump(rm, client)
}

// readPump hands frames from the websocket to the room.
func (h *Handlers) readPump(rm *room.Room, c *room.Client) {
	ctx := context.Background()
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error(ctx, "panic in readPump", "client", c.ID, "panic", rec, "stack", string(debug.Stack()))
		}
		rm.Leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(h.readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	limiter := rate.NewLimiter(h.rate, h.burst)

	for {
		mt, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn(ctx, "websocket closed", "client", c.ID, "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			metrics.MalformedFrames.WithLabelValues("frame").Inc()
			h.log.Warn(ctx, "ignoring non-binary frame", "client", c.ID)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if !rm.Deliver(c, message) {
			return
		}
	}
}

// writePump handles writing messages to the WebSocket
func (h *Handlers) writePump(rm *room.Room, c *room.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the room dropped us
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				h.log.Warn(context.Background(), "websocket write", "client", c.ID, "err", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-rm.Done():
			return
		}
	}
}

// CreateDocument creates a new document
func (h *Handlers) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	doc, err := h.docs.CreateDocument(r.Context(), req.Title)
	if err != nil {
		h.log.Error(r.Context(), "create document", "err", err)
		http.Error(w, "Failed to create document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// ListDocuments returns a list of documents
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.ListDocuments(r.Context())
	if err != nil {
		h.log.Error(r.Context(), "list documents", "err", err)
		http.Error(w, "Failed to list documents", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// GetDocument retrieves a document's metadata by ID
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.GetDocument(r.Context(), mux.Vars(r)["objectId"])
	if err != nil {
		h.documentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handlers) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req db.DocumentUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	doc, err := h.docs.UpdateDocument(r.Context(), mux.Vars(r)["objectId"], &req)
	if err != nil {
		h.documentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteDocument deletes a document with its update log and versions
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.DeleteDocument(r.Context(), mux.Vars(r)["objectId"]); err != nil {
		h.documentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) documentError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrDocumentNotFound) {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}
	h.log.Error(r.Context(), "document store", "err", err)
	http.Error(w, "Document store error", http.StatusInternalServerError)
}

// GetDocumentContent returns the current block tree of a document.
func (h *Handlers) GetDocumentContent(w http.ResponseWriter, r *http.Request) {
	tree, err := h.roomManager.Snapshot(r.Context(), mux.Vars(r)["objectId"])
	if err != nil {
		h.log.Error(r.Context(), "load document", "err", err)
		http.Error(w, "Failed to load document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// GetRoomUsers returns the list of users in a room
func (h *Handlers) GetRoomUsers(w http.ResponseWriter, r *http.Request) {
	objectID := mux.Vars(r)["objectId"]
	users := []room.User{}
	if rm, ok := h.roomManager.Room(objectID); ok {
		users = rm.GetUsers()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": objectID,
		"users":   users,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
