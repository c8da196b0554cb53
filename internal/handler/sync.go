package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gateio-proxy/internal/config"
	"gateio-proxy/internal/docstore"
	"gateio-proxy/internal/metrics"
	"gateio-proxy/internal/middleware"
	"gateio-proxy/internal/userdata"
)

// SyncPrefix is the path prefix of every sync API route.
const SyncPrefix = "/sync/v1"

var errUnauthenticated = errors.New("authentication required")

// SyncHandler exposes the user data sync operations under /sync/v1. Every
// request restores a session for the bearer token's identity and closes it
// when the request ends.
type SyncHandler struct {
	users    *userdata.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	secret   string
	issuer   string
	upgrader websocket.Upgrader
}

// NewSyncHandler creates a SyncHandler. The metrics parameter is optional.
func NewSyncHandler(users *userdata.Service, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SyncHandler {
	return &SyncHandler{
		users:   users,
		metrics: m,
		logger:  logger.With("component", "sync_handler"),
		secret:  cfg.Sync.JWTSecret,
		issuer:  cfg.Sync.Issuer,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			// Any origin may call the API; the bearer token is the credential.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register wires the sync routes behind bearer token auth.
func (h *SyncHandler) Register(e *echo.Echo) {
	g := e.Group(SyncPrefix, middleware.BearerAuth(h.secret, h.issuer))

	g.POST("/session", h.Login)
	g.GET("/session", h.withSession(h.getSession))

	g.GET("/keys", h.withSession(h.getKeys))
	g.PUT("/keys", h.withSession(h.putKeys))

	g.GET("/trades", h.withSession(h.listTrades))
	g.POST("/trades", h.withSession(h.saveTrade))
	g.DELETE("/trades/:id", h.withSession(h.deleteTrade))

	g.GET("/slots", h.withSession(h.getSlots))
	g.PUT("/slots", h.withSession(h.putSlots))

	g.GET("/preferences", h.withSession(h.getPreferences))
	g.PUT("/preferences", h.withSession(h.putPreferences))

	g.GET("/chat", h.withSession(h.listChat))
	g.POST("/chat", h.withSession(h.sendChat))
	g.POST("/chat/read", h.withSession(h.markChatRead))

	g.GET("/admin/users", h.withSession(h.listUsers))
	g.POST("/admin/users", h.withSession(h.addUser))
	g.PUT("/admin/users/:uid/role", h.withSession(h.changeRole))

	g.GET("/watch/:topic", h.Watch)
}

type sessionHandler func(c echo.Context, sess *userdata.Session) error

// withSession restores the caller's session for the duration of one request.
func (h *SyncHandler) withSession(fn sessionHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := h.restore(c)
		if err != nil {
			return h.fail(c, err)
		}
		defer sess.Close()
		if err := fn(c, sess); err != nil {
			return h.fail(c, err)
		}
		return nil
	}
}

func (h *SyncHandler) restore(c echo.Context) (*userdata.Session, error) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return nil, errUnauthenticated
	}
	res := h.users.Restore(c.Request().Context(), id)
	if res.Status != userdata.LoginOK {
		return nil, res.Err
	}
	return res.Session, nil
}

// sessionView is the JSON form of a session.
type sessionView struct {
	UID        string           `json:"uid"`
	Email      string           `json:"email"`
	Role       userdata.Role    `json:"role"`
	SuperAdmin bool             `json:"super_admin"`
	Profile    userdata.Profile `json:"profile"`
}

func viewOf(sess *userdata.Session) sessionView {
	return sessionView{
		UID:        sess.UID(),
		Email:      sess.Identity.Email,
		Role:       sess.Role,
		SuperAdmin: sess.SuperAdmin,
		Profile:    sess.Profile,
	}
}

// Login records a sign-in for the token's identity and returns the session.
func (h *SyncHandler) Login(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return h.fail(c, errUnauthenticated)
	}

	res := h.users.Login(c.Request().Context(), id)
	switch res.Status {
	case userdata.LoginOK:
		defer res.Session.Close()
		h.logger.Info("user signed in", "uid", id.UID, "role", res.Session.Role)
		return c.JSON(http.StatusOK, viewOf(res.Session))
	default:
		return h.fail(c, res.Err)
	}
}

func (h *SyncHandler) getSession(c echo.Context, sess *userdata.Session) error {
	return c.JSON(http.StatusOK, viewOf(sess))
}

type keysRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (h *SyncHandler) getKeys(c echo.Context, sess *userdata.Session) error {
	keys, err := h.users.LoadAPIKeys(c.Request().Context(), sess)
	if err != nil {
		return err
	}
	if keys == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, keys)
}

func (h *SyncHandler) putKeys(c echo.Context, sess *userdata.Session) error {
	var req keysRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := h.users.SaveAPIKeys(c.Request().Context(), sess, req.APIKey, req.APISecret); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SyncHandler) listTrades(c echo.Context, sess *userdata.Session) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	trades, err := h.users.ListTrades(c.Request().Context(), sess, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trades)
}

func (h *SyncHandler) saveTrade(c echo.Context, sess *userdata.Session) error {
	var trade map[string]any
	if err := bindJSON(c, &trade); err != nil {
		return err
	}
	id, err := h.users.SaveTrade(c.Request().Context(), sess, trade)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *SyncHandler) deleteTrade(c echo.Context, sess *userdata.Session) error {
	if err := h.users.DeleteTrade(c.Request().Context(), sess, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SyncHandler) getSlots(c echo.Context, sess *userdata.Session) error {
	slots, err := h.users.LoadSlots(c.Request().Context(), sess)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *SyncHandler) putSlots(c echo.Context, sess *userdata.Session) error {
	var slots []map[string]any
	if err := bindJSON(c, &slots); err != nil {
		return err
	}
	if err := h.users.SaveSlots(c.Request().Context(), sess, slots); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SyncHandler) getPreferences(c echo.Context, sess *userdata.Session) error {
	prefs, err := h.users.LoadPreferences(c.Request().Context(), sess)
	if err != nil {
		return err
	}
	if prefs == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, prefs)
}

func (h *SyncHandler) putPreferences(c echo.Context, sess *userdata.Session) error {
	var prefs map[string]any
	if err := bindJSON(c, &prefs); err != nil {
		return err
	}
	if err := h.users.SavePreferences(c.Request().Context(), sess, prefs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type chatRequest struct {
	Text string `json:"text"`
	UID  string `json:"uid"`
}

func (h *SyncHandler) listChat(c echo.Context, sess *userdata.Session) error {
	msgs, err := h.users.ListSupportMessages(c.Request().Context(), sess, c.QueryParam("uid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *SyncHandler) sendChat(c echo.Context, sess *userdata.Session) error {
	var req chatRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	id, err := h.users.SendSupportMessage(c.Request().Context(), sess, req.Text, req.UID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *SyncHandler) markChatRead(c echo.Context, sess *userdata.Session) error {
	n, err := h.users.MarkMessagesRead(c.Request().Context(), sess, c.QueryParam("uid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"marked": n})
}

type addUserRequest struct {
	UID   string        `json:"uid"`
	Email string        `json:"email"`
	Role  userdata.Role `json:"role"`
}

type roleRequest struct {
	Role userdata.Role `json:"role"`
}

func (h *SyncHandler) listUsers(c echo.Context, sess *userdata.Session) error {
	users, err := h.users.ListUsers(c.Request().Context(), sess)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, users)
}

func (h *SyncHandler) addUser(c echo.Context, sess *userdata.Session) error {
	var req addUserRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := h.users.AddToWhitelist(c.Request().Context(), sess, req.Email, req.UID, req.Role); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (h *SyncHandler) changeRole(c echo.Context, sess *userdata.Session) error {
	var req roleRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := h.users.ChangeRole(c.Request().Context(), sess, c.Param("uid"), req.Role); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// fail maps a sync error to its HTTP status and a JSON {"error": ...} body.
func (h *SyncHandler) fail(c echo.Context, err error) error {
	status := syncStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("sync request failed",
			"err", err,
			"method", c.Request().Method,
			"path", c.Path(),
		)
		return c.JSON(status, map[string]string{"error": "internal error"})
	}

	h.logger.Warn("sync request rejected",
		"err", err,
		"status", status,
		"path", c.Path(),
	)
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func syncStatus(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated), errors.Is(err, userdata.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, userdata.ErrWhitelistDenied), errors.Is(err, userdata.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest),
		errors.Is(err, userdata.ErrInvalidInput),
		errors.Is(err, userdata.ErrInvalidRole),
		errors.Is(err, userdata.ErrInvalidIdentity),
		errors.Is(err, docstore.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, errUnknownTopic):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func bindJSON(c echo.Context, v any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
