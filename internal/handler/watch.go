package handler

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gateio-proxy/internal/docstore"
	"gateio-proxy/internal/userdata"
)

// Watch topics served on /sync/v1/watch/:topic.
const (
	TopicKeys        = "keys"
	TopicTrades      = "trades"
	TopicSlots       = "slots"
	TopicChat        = "chat"
	TopicPreferences = "preferences"
)

const writeWait = 10 * time.Second

var errUnknownTopic = errors.New("unknown watch topic")

// event is one websocket frame: a snapshot of the topic or a listener error.
type event struct {
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type emitFunc func(data any, err error)

type watchStarter func(c echo.Context, sess *userdata.Session, emit emitFunc) (*docstore.Listener, error)

func (h *SyncHandler) starter(topic string) (watchStarter, bool) {
	switch topic {
	case TopicKeys:
		return func(_ echo.Context, sess *userdata.Session, emit emitFunc) (*docstore.Listener, error) {
			return h.users.WatchAPIKeys(sess, func(k *userdata.APIKeys, err error) { emit(k, err) })
		}, true
	case TopicTrades:
		return func(c echo.Context, sess *userdata.Session, emit emitFunc) (*docstore.Listener, error) {
			limit, err := queryInt(c, "limit")
			if err != nil {
				return nil, err
			}
			return h.users.WatchTrades(sess, limit, func(r []userdata.Record, err error) { emit(r, err) })
		}, true
	case TopicSlots:
		return func(_ echo.Context, sess *userdata.Session, emit emitFunc) (*docstore.Listener, error) {
			return h.users.WatchSlots(sess, func(s []map[string]any, err error) { emit(s, err) })
		}, true
	case TopicChat:
		return func(c echo.Context, sess *userdata.Session, emit emitFunc) (*docstore.Listener, error) {
			return h.users.WatchSupportMessages(sess, c.QueryParam("uid"), func(r []userdata.Record, err error) { emit(r, err) })
		}, true
	case TopicPreferences:
		return func(_ echo.Context, sess *userdata.Session, emit emitFunc) (*docstore.Listener, error) {
			return h.users.WatchPreferences(sess, func(p map[string]any, err error) { emit(p, err) })
		}, true
	}
	return nil, false
}

// Watch upgrades to a websocket and pushes a snapshot of the topic on
// connect and after every change. The subscription ends when the client
// disconnects.
func (h *SyncHandler) Watch(c echo.Context) error {
	topic := c.Param("topic")
	start, ok := h.starter(topic)
	if !ok {
		return h.fail(c, errUnknownTopic)
	}

	sess, err := h.restore(c)
	if err != nil {
		return h.fail(c, err)
	}
	defer sess.Close()

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.Warn("websocket upgrade failed", "err", err, "topic", topic)
		return nil
	}
	// Closing the socket first unblocks a pending write so the session can
	// stop its listener.
	defer func() { _ = ws.Close() }()

	var mu sync.Mutex
	emit := func(data any, err error) {
		ev := event{Topic: topic, Data: data}
		if err != nil {
			h.logger.Error("watch listener error", "err", err, "topic", topic, "uid", sess.UID())
			ev = event{Topic: topic, Error: "listener error"}
		}
		mu.Lock()
		defer mu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(ev); err != nil {
			h.logger.Debug("websocket write failed", "err", err, "topic", topic)
		}
	}

	if _, err := start(c, sess, emit); err != nil {
		status := syncStatus(err)
		mu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode(status), err.Error()))
		mu.Unlock()
		return nil
	}

	if h.metrics != nil {
		h.metrics.SyncListeners.Inc()
		defer h.metrics.SyncListeners.Dec()
	}
	h.logger.Debug("watch started", "topic", topic, "uid", sess.UID())

	// Incoming frames are ignored; reading detects the disconnect. The
	// server's read deadline does not apply to a long-lived socket.
	_ = ws.SetReadDeadline(time.Time{})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.logger.Debug("watch ended", "topic", topic, "uid", sess.UID(), "err", err)
			return nil
		}
	}
}

func closeCode(status int) int {
	if status >= http.StatusInternalServerError {
		return websocket.CloseInternalServerErr
	}
	return websocket.ClosePolicyViolation
}
