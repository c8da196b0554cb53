package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gateio-proxy/internal/config"
	"gateio-proxy/internal/docstore"
	"gateio-proxy/internal/metrics"
	"gateio-proxy/internal/middleware"
	"gateio-proxy/internal/userdata"
)

const (
	testSecret = "test-jwt-secret"
	testIssuer = "gateio-proxy-test"
	ownerUID   = "owner"
)

type syncFixture struct {
	e     *echo.Echo
	store *docstore.Store
	m     *metrics.Metrics
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := docstore.Open(context.Background(), config.DriverSQLite, filepath.Join(t.TempDir(), "docs.db"), logger)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Sync: config.SyncConfig{
			Enabled:       true,
			JWTSecret:     testSecret,
			Issuer:        testIssuer,
			SuperAdminUID: ownerUID,
		},
	}
	users := userdata.NewService(store, userdata.Options{SuperAdminUID: ownerUID}, logger)
	m := metrics.New()

	e := echo.New()
	NewSyncHandler(users, cfg, logger, m).Register(e)
	return &syncFixture{e: e, store: store, m: m}
}

func (f *syncFixture) whitelist(t *testing.T, uid, role string) {
	t.Helper()
	if err := f.store.Set(context.Background(), "users/"+uid, map[string]any{"email": uid + "@example.com", "role": role}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, testIssuer, time.Hour, userdata.Identity{UID: uid, Email: uid + "@example.com", DisplayName: "User " + uid})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (f *syncFixture) do(t *testing.T, method, path, uid, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if uid != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token(t, uid))
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestSync_Auth(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")

	tests := []struct {
		name       string
		uid        string
		wantStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not whitelisted", "stranger", http.StatusForbidden},
		{"whitelisted", "u1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/sync/v1/session", tt.uid, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestSync_Session(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, ownerUID, "admin")

	rec := f.do(t, http.MethodPost, "/sync/v1/session", ownerUID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view struct {
		UID        string `json:"uid"`
		Role       string `json:"role"`
		SuperAdmin bool   `json:"super_admin"`
		Profile    struct {
			DisplayName string `json:"display_name"`
		} `json:"profile"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.UID != ownerUID || view.Role != "admin" || !view.SuperAdmin {
		t.Errorf("session = %+v", view)
	}
	if view.Profile.DisplayName != "User "+ownerUID {
		t.Errorf("display_name = %q, want token name", view.Profile.DisplayName)
	}

	if rec := f.do(t, http.MethodGet, "/sync/v1/session", ownerUID, ""); rec.Code != http.StatusOK {
		t.Errorf("GET session status = %d", rec.Code)
	}
}

func TestSync_KeysRoundTrip(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")

	if rec := f.do(t, http.MethodGet, "/sync/v1/keys", "u1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("GET keys before save = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := f.do(t, http.MethodPut, "/sync/v1/keys", "u1", `{"api_key":" k ","api_secret":"s"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT keys = %d, body %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/sync/v1/keys", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET keys = %d", rec.Code)
	}
	var keys userdata.APIKeys
	if err := json.Unmarshal(rec.Body.Bytes(), &keys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if keys.APIKey != "k" || keys.APISecret != "s" {
		t.Errorf("keys = %+v", keys)
	}

	if rec := f.do(t, http.MethodPut, "/sync/v1/keys", "u1", `{"api_key":"","api_secret":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("PUT blank keys = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSync_Trades(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")

	rec := f.do(t, http.MethodPost, "/sync/v1/trades", "u1", `{"pair":"BTC_USDT","side":"buy"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST trade = %d, body %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created["id"] == "" {
		t.Fatal("no trade id returned")
	}

	rec = f.do(t, http.MethodGet, "/sync/v1/trades?limit=10", "u1", "")
	var trades []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(trades) != 1 || trades[0]["id"] != created["id"] {
		t.Errorf("trades = %v", trades)
	}

	if rec := f.do(t, http.MethodGet, "/sync/v1/trades?limit=x", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := f.do(t, http.MethodDelete, "/sync/v1/trades/"+created["id"], "u1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE trade = %d", rec.Code)
	}
}

func TestSync_SlotsAndPreferences(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")

	if rec := f.do(t, http.MethodPut, "/sync/v1/slots", "u1", `[{"pair":"BTC_USDT"},{"pair":"ETH_USDT"}]`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT slots = %d, body %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/sync/v1/slots", "u1", "")
	var slots []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(slots) != 2 || slots[1]["pair"] != "ETH_USDT" {
		t.Errorf("slots = %v", slots)
	}

	if rec := f.do(t, http.MethodPut, "/sync/v1/preferences", "u1", `{"theme":"dark"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT preferences = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/sync/v1/preferences", "u1", "")
	var prefs map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if prefs["theme"] != "dark" {
		t.Errorf("prefs = %v", prefs)
	}
}

func TestSync_Chat(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")
	f.whitelist(t, ownerUID, "admin")

	if rec := f.do(t, http.MethodPost, "/sync/v1/chat", "u1", `{"text":"help"}`); rec.Code != http.StatusCreated {
		t.Fatalf("POST chat = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/sync/v1/chat", ownerUID, `{"text":"on it","uid":"u1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("owner POST chat = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/sync/v1/chat", "u1", `{"text":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec := f.do(t, http.MethodGet, "/sync/v1/chat", "u1", "")
	var msgs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}

	rec = f.do(t, http.MethodPost, "/sync/v1/chat/read", "u1", "")
	var marked map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &marked)
	if marked["marked"] != 1 {
		t.Errorf("marked = %v, want 1", marked)
	}
}

func TestSync_Admin(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")
	f.whitelist(t, "admin1", "admin")
	f.whitelist(t, ownerUID, "user")

	tests := []struct {
		name       string
		method     string
		path       string
		uid        string
		body       string
		wantStatus int
	}{
		{"user cannot list", http.MethodGet, "/sync/v1/admin/users", "u1", "", http.StatusForbidden},
		{"admin lists", http.MethodGet, "/sync/v1/admin/users", "admin1", "", http.StatusOK},
		{"admin cannot whitelist", http.MethodPost, "/sync/v1/admin/users", "admin1", `{"uid":"n1","email":"n1@example.com"}`, http.StatusForbidden},
		{"owner whitelists", http.MethodPost, "/sync/v1/admin/users", ownerUID, `{"uid":"n1","email":"n1@example.com"}`, http.StatusCreated},
		{"owner whitelists nested uid", http.MethodPost, "/sync/v1/admin/users", ownerUID, `{"uid":"n1/settings/gateio"}`, http.StatusBadRequest},
		{"owner reads nested thread", http.MethodGet, "/sync/v1/chat?uid=u1%2Fsettings", ownerUID, "", http.StatusBadRequest},
		{"invalid role", http.MethodPut, "/sync/v1/admin/users/u1/role", "admin1", `{"role":"root"}`, http.StatusBadRequest},
		{"unknown account", http.MethodPut, "/sync/v1/admin/users/ghost/role", "admin1", `{"role":"admin"}`, http.StatusNotFound},
		{"admin promotes", http.MethodPut, "/sync/v1/admin/users/u1/role", "admin1", `{"role":"admin"}`, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.uid, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestSync_WatchTrades(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")

	srv := httptest.NewServer(f.e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/v1/watch/trades?access_token=" + token(t, "u1")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp.Body != nil {
		_ = resp.Body.Close()
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Topic string           `json:"topic"`
		Data  []map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if ev.Topic != TopicTrades || len(ev.Data) != 0 {
		t.Errorf("initial snapshot = %+v, want empty trades", ev)
	}

	if rec := f.do(t, http.MethodPost, "/sync/v1/trades", "u1", `{"pair":"ETH_USDT"}`); rec.Code != http.StatusCreated {
		t.Fatalf("POST trade = %d", rec.Code)
	}

	for {
		ev.Data = nil
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read change: %v", err)
		}
		if len(ev.Data) == 1 && ev.Data[0]["pair"] == "ETH_USDT" {
			break
		}
	}
}

func TestSync_WatchUnknownTopic(t *testing.T) {
	f := newSyncFixture(t)
	f.whitelist(t, "u1", "user")

	rec := f.do(t, http.MethodGet, "/sync/v1/watch/orders", "u1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSyncStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errUnauthenticated, http.StatusUnauthorized},
		{userdata.ErrWhitelistDenied, http.StatusForbidden},
		{userdata.ErrForbidden, http.StatusForbidden},
		{userdata.ErrInvalidRole, http.StatusBadRequest},
		{docstore.ErrInvalidPath, http.StatusBadRequest},
		{docstore.ErrNotFound, http.StatusNotFound},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := syncStatus(tt.err); got != tt.want {
			t.Errorf("syncStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
