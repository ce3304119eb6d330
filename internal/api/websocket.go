package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docproc-dashboard/backend/internal/models"
	"github.com/docproc-dashboard/backend/internal/session"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WebSocket message types for the session event stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeSnapshot = "snapshot"
	MsgTypeAlert    = "alert"
	MsgTypeClosed   = "closed"
	MsgTypePong     = "pong"
	MsgTypeError    = "error"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = (wsPongWait * 9) / 10
	wsSendBacklog = 32
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// EventHub fans session snapshots and alerts out to WebSocket subscribers.
// Snapshots older than the last one delivered for a session are dropped.
type EventHub struct {
	upgrader       websocket.Upgrader
	maxMessageSize int64
	logger         *slog.Logger

	mu        sync.Mutex
	subs      map[string]map[*subscriber]struct{}
	revisions map[string]uint64
}

// NewEventHub creates a hub. maxMessageSize bounds inbound client messages.
func NewEventHub(maxMessageSize int64, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxMessageSize: maxMessageSize,
		logger:         logger,
		subs:           make(map[string]map[*subscriber]struct{}),
		revisions:      make(map[string]uint64),
	}
}

// Presenter returns the presenter for one session. It matches
// session.PresenterFactory.
func (h *EventHub) Presenter(sessionID string) session.Presenter {
	return &hubPresenter{hub: h, sessionID: sessionID}
}

type hubPresenter struct {
	hub       *EventHub
	sessionID string
}

func (p *hubPresenter) SnapshotChanged(snap models.Snapshot) {
	p.hub.publishSnapshot(p.sessionID, snap)
}

func (p *hubPresenter) Alert(note models.Notification) {
	p.hub.broadcast(p.sessionID, newMessage(MsgTypeAlert, p.sessionID, note))
}

// publishSnapshot delivers snap unless a newer revision already went out.
// The revision check and the delivery share one critical section so
// concurrent publishers cannot reorder snapshots.
func (h *EventHub) publishSnapshot(sessionID string, snap models.Snapshot) {
	data, ok := h.encode(sessionID, newMessage(MsgTypeSnapshot, sessionID, snap))
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if last, seen := h.revisions[sessionID]; seen && snap.Revision <= last {
		h.logger.Debug("events.snapshot.stale", "session_id", sessionID, "revision", snap.Revision, "last", last)
		return
	}
	h.revisions[sessionID] = snap.Revision
	h.deliverLocked(sessionID, data)
}

func (h *EventHub) broadcast(sessionID string, msg WSMessage) {
	data, ok := h.encode(sessionID, msg)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(sessionID, data)
}

func (h *EventHub) encode(sessionID string, msg WSMessage) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("events.encode_error", "session_id", sessionID, "type", msg.Type, "error", err)
		return nil, false
	}
	return data, true
}

func (h *EventHub) deliverLocked(sessionID string, data []byte) {
	for sub := range h.subs[sessionID] {
		select {
		case sub.send <- data:
		default:
			// a subscriber that cannot keep up would miss revisions
			h.logger.Warn("events.subscriber.slow", "session_id", sessionID)
			delete(h.subs[sessionID], sub)
			sub.stop()
		}
	}
}

// Subscribers returns the number of connections listening to a session.
func (h *EventHub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// CloseSession tells every subscriber of a session that it is gone and
// disconnects them.
func (h *EventHub) CloseSession(sessionID string) {
	data, _ := json.Marshal(newMessage(MsgTypeClosed, sessionID, nil))

	h.mu.Lock()
	subs := h.subs[sessionID]
	delete(h.subs, sessionID)
	delete(h.revisions, sessionID)
	h.mu.Unlock()

	for sub := range subs {
		select {
		case sub.send <- data:
		default:
		}
		sub.stop()
	}
}

// Prune closes the streams of sessions for which live reports false.
func (h *EventHub) Prune(live func(sessionID string) bool) int {
	h.mu.Lock()
	var gone []string
	for id := range h.revisions {
		if !live(id) {
			gone = append(gone, id)
		}
	}
	for id := range h.subs {
		if _, tracked := h.revisions[id]; !tracked && !live(id) {
			gone = append(gone, id)
		}
	}
	h.mu.Unlock()

	for _, id := range gone {
		h.CloseSession(id)
	}
	return len(gone)
}

// Close disconnects every subscriber. Used on shutdown.
func (h *EventHub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, subs := range all {
		for sub := range subs {
			sub.stop()
		}
	}
}

func (h *EventHub) subscribe(sessionID string, conn *websocket.Conn) *subscriber {
	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, wsSendBacklog),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	if subs, ok := h.subs[sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
	sub.stop()
}

// EventsHandlerImpl implements the EventsHandler interface
type EventsHandlerImpl struct {
	hub      *EventHub
	sessions *session.Manager
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *EventHub, sessions *session.Manager) EventsHandler {
	return &EventsHandlerImpl{hub: hub, sessions: sessions}
}

// HandleEvents upgrades to a WebSocket and streams the session's snapshots
// and alerts. The current snapshot is sent first.
func (h *EventsHandlerImpl) HandleEvents(c echo.Context) error {
	id := c.Param("id")
	ctrl, ok := h.sessions.Get(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := h.hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	logger := h.hub.logger.With("session_id", id)
	logger.Info("events.connected", "remote", c.RealIP())

	sub := h.hub.subscribe(id, ws)
	defer h.hub.unsubscribe(id, sub)

	// read after subscribing so no later revision can be missed
	sub.send <- mustJSONBytes(newMessage(MsgTypeSnapshot, id, ctrl.Snapshot()))
	go h.hub.writeLoop(sub, logger)

	ws.SetReadLimit(h.hub.maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("events.read_error", "error", err)
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ctrl.Touch()

		var reply WSMessage
		switch msg.Type {
		case MsgTypePing:
			reply = WSMessage{Type: MsgTypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()}
		default:
			reply = newMessage(MsgTypeError, msg.ID, WSErrorResponse{
				Message: "Unknown message type: " + msg.Type,
				Code:    "INVALID_TYPE",
			})
		}
		select {
		case sub.send <- mustJSONBytes(reply):
		case <-sub.done:
		}
	}

	logger.Info("events.disconnected")
	return nil
}

// writeLoop owns all data writes to the connection and closes it when the
// subscriber stops.
func (h *EventHub) writeLoop(sub *subscriber, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case data := <-sub.send:
			if err := h.write(sub.conn, data); err != nil {
				logger.Debug("events.write_error", "error", err)
				sub.stop()
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				sub.stop()
				return
			}
		case <-sub.done:
			// flush what was queued before the stop, e.g. a closed notice
			for {
				select {
				case data := <-sub.send:
					if h.write(sub.conn, data) != nil {
						return
					}
				default:
					_ = sub.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(wsWriteWait))
					return
				}
			}
		}
	}
}

func (h *EventHub) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func newMessage(msgType, id string, payload interface{}) WSMessage {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		msg.Payload = mustJSON(payload)
	}
	return msg
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func mustJSONBytes(msg WSMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
