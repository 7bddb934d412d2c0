package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wamax/wamax/internal/config"
	"github.com/wamax/wamax/internal/session"
	"github.com/wamax/wamax/internal/wapp"
	"github.com/wamax/wamax/internal/webhook"
)

type testEnv struct {
	server  *httptest.Server
	factory *wapp.MockFactory
	manager *session.Manager
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	store, err := session.NewMetaStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMetaStore() error = %v", err)
	}
	factory := wapp.NewMockFactory()
	manager := session.NewManager(session.Options{
		Factory:               factory,
		Store:                 store,
		Emitter:               webhook.NewEmitter(time.Second, 1),
		CountryCode:           "55",
		ReconnectMaxAttempts:  3,
		ReconnectBaseDelay:    10 * time.Millisecond,
		ReconnectMaxDelay:     40 * time.Millisecond,
		BootstrapReadyTimeout: time.Second,
	})
	srv := New(cfg, manager, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, factory: factory, manager: manager}
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	res, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return res
}

func (e *testEnv) createReadySession(t *testing.T, id string) *wapp.MockClient {
	t.Helper()
	res := e.postJSON(t, "/sessions", map[string]string{"sessionId": id})
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	client := e.factory.Client(id)
	client.EmitState(wapp.StateReady, "connected")
	return client
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestCreateSessionLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res := env.postJSON(t, "/sessions", map[string]string{"sessionId": "shop-1"})
	created := decodeBody(t, res)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if created["sessionId"] != "shop-1" || created["status"] != "INITIALIZING" {
		t.Fatalf("create response = %+v, want shop-1 INITIALIZING", created)
	}

	// Duplicate id conflicts.
	dup := env.postJSON(t, "/sessions", map[string]string{"sessionId": "shop-1"})
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want %d", dup.StatusCode, http.StatusConflict)
	}

	// Bad ids are rejected before touching the manager.
	bad := env.postJSON(t, "/sessions", map[string]string{"sessionId": "../escape"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}

	statusRes, err := http.Get(env.server.URL + "/sessions/shop-1/status")
	if err != nil {
		t.Fatalf("GET status error = %v", err)
	}
	statusBody := decodeBody(t, statusRes)
	if statusRes.StatusCode != http.StatusOK || statusBody["status"] != "INITIALIZING" {
		t.Fatalf("status response = %d %+v", statusRes.StatusCode, statusBody)
	}

	missing, err := http.Get(env.server.URL + "/sessions/ghost/status")
	if err != nil {
		t.Fatalf("GET status error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}

	listRes, err := http.Get(env.server.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions error = %v", err)
	}
	var sessions []map[string]any
	if err := json.NewDecoder(listRes.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	listRes.Body.Close()
	if len(sessions) != 1 || sessions[0]["sessionId"] != "shop-1" {
		t.Fatalf("sessions = %+v, want exactly shop-1 as a bare array", sessions)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/sessions/shop-1?deleteData=true", nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	delBody := decodeBody(t, delRes)
	if delRes.StatusCode != http.StatusOK || delBody["deletedData"] != true {
		t.Fatalf("delete response = %d %+v", delRes.StatusCode, delBody)
	}

	// Recreate after full deletion succeeds.
	again := env.postJSON(t, "/sessions", map[string]string{"sessionId": "shop-1"})
	again.Body.Close()
	if again.StatusCode != http.StatusCreated {
		t.Fatalf("recreate status = %d, want %d", again.StatusCode, http.StatusCreated)
	}
}

func TestQRRoutes(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	res := env.postJSON(t, "/sessions", map[string]string{"sessionId": "s1"})
	res.Body.Close()

	// Still initializing: 202.
	early, err := http.Get(env.server.URL + "/sessions/s1/qr")
	if err != nil {
		t.Fatalf("GET qr error = %v", err)
	}
	early.Body.Close()
	if early.StatusCode != http.StatusAccepted {
		t.Fatalf("qr before pairing status = %d, want %d", early.StatusCode, http.StatusAccepted)
	}

	env.factory.Client("s1").EmitQR("pair-me")

	qrRes, err := http.Get(env.server.URL + "/sessions/s1/qr")
	if err != nil {
		t.Fatalf("GET qr error = %v", err)
	}
	qrBody := decodeBody(t, qrRes)
	dataURL, _ := qrBody["dataUrl"].(string)
	if qrRes.StatusCode != http.StatusOK || !strings.HasPrefix(dataURL, "data:image/png;base64,") {
		t.Fatalf("qr response = %d %+v", qrRes.StatusCode, qrBody)
	}

	pngRes, err := http.Get(env.server.URL + "/sessions/s1/qr.png?w=200")
	if err != nil {
		t.Fatalf("GET qr.png error = %v", err)
	}
	defer pngRes.Body.Close()
	if pngRes.StatusCode != http.StatusOK {
		t.Fatalf("qr.png status = %d, want %d", pngRes.StatusCode, http.StatusOK)
	}
	if ct := pngRes.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("qr.png content type = %q, want image/png", ct)
	}

	env.factory.Client("s1").EmitState(wapp.StateReady, "scanned")
	done, err := http.Get(env.server.URL + "/sessions/s1/qr")
	if err != nil {
		t.Fatalf("GET qr error = %v", err)
	}
	done.Body.Close()
	if done.StatusCode != http.StatusNoContent {
		t.Fatalf("qr after auth status = %d, want %d", done.StatusCode, http.StatusNoContent)
	}
}

func TestChatsAndWebhookRoutes(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	client := env.createReadySession(t, "s1")
	client.SetChats([]string{"5511000000001@c.us", "5511000000002@c.us"})

	chatsRes, err := http.Get(env.server.URL + "/sessions/s1/chats?page=1&limit=1")
	if err != nil {
		t.Fatalf("GET chats error = %v", err)
	}
	chats := decodeBody(t, chatsRes)
	if chats["total"] != float64(2) || chats["pages"] != float64(2) {
		t.Fatalf("chats = %+v, want total 2 pages 2", chats)
	}

	hookRes := env.postJSON(t, "/sessions/s1/webhook", map[string]string{"url": "https://hooks.example.com/x"})
	hook := decodeBody(t, hookRes)
	if hook["webhookUrl"] != "https://hooks.example.com/x" {
		t.Fatalf("webhook response = %+v, want url persisted", hook)
	}

	clearRes := env.postJSON(t, "/sessions/s1/webhook", map[string]string{})
	cleared := decodeBody(t, clearRes)
	if _, ok := cleared["webhookUrl"]; ok {
		t.Fatalf("webhook response = %+v, want url cleared", cleared)
	}
}

func TestRestartAndUnfailRoutes(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.createReadySession(t, "s1")

	restartRes := env.postJSON(t, "/sessions/s1/restart", nil)
	restart := decodeBody(t, restartRes)
	if restartRes.StatusCode != http.StatusOK || restart["status"] != "INITIALIZING" {
		t.Fatalf("restart response = %d %+v", restartRes.StatusCode, restart)
	}

	unfailRes := env.postJSON(t, "/sessions/s1/unfail", nil)
	unfail := decodeBody(t, unfailRes)
	if unfailRes.StatusCode != http.StatusOK || unfail["status"] != "INITIALIZING" {
		t.Fatalf("unfail response = %d %+v (no-op outside failed states)", unfailRes.StatusCode, unfail)
	}

	resetRes := env.postJSON(t, "/sessions/s1/reset-auth", nil)
	reset := decodeBody(t, resetRes)
	if resetRes.StatusCode != http.StatusOK || reset["status"] != "INITIALIZING" {
		t.Fatalf("reset-auth response = %d %+v", resetRes.StatusCode, reset)
	}
}

func TestSendMessageRoute(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	client := env.createReadySession(t, "s1")

	res := env.postJSON(t, "/messages/send", map[string]any{
		"sessionId": "s1",
		"to":        "+55 11 99999-0000",
		"body":      "oi",
	})
	sent := decodeBody(t, res)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if sent["chatId"] != "5511999990000@c.us" {
		t.Fatalf("send response = %+v, want normalized chatId", sent)
	}
	if len(client.Sends()) != 1 {
		t.Fatalf("adapter sends = %d, want 1", len(client.Sends()))
	}

	noSession := env.postJSON(t, "/messages/send", map[string]any{"to": "1", "body": "x"})
	noSession.Body.Close()
	if noSession.StatusCode != http.StatusBadRequest {
		t.Fatalf("send without sessionId status = %d, want %d", noSession.StatusCode, http.StatusBadRequest)
	}

	unknown := env.postJSON(t, "/messages/send", map[string]any{"sessionId": "ghost", "to": "1", "body": "x"})
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Fatalf("send to unknown session status = %d, want %d", unknown.StatusCode, http.StatusNotFound)
	}

	invalid := env.postJSON(t, "/messages/send", map[string]any{
		"sessionId": "s1",
		"to":        "11999990000",
		"type":      "buttons",
		"body":      "pick",
		"buttons": []map[string]string{
			{"id": "a", "text": "A"},
			{"url": "https://example.com", "text": "B"},
		},
	})
	invalid.Body.Close()
	if invalid.StatusCode != http.StatusBadRequest {
		t.Fatalf("mixed buttons status = %d, want %d", invalid.StatusCode, http.StatusBadRequest)
	}
}

func TestHistoryAndResolveRoutes(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	client := env.createReadySession(t, "s1")

	client.EmitMessage(wapp.Message{
		ID:        "m1",
		ChatID:    "5511999990000@c.us",
		Body:      "ola",
		Timestamp: time.Now().UnixMilli(),
	})

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/messages/s1/history",
		bytes.NewReader([]byte(`{"chatId":"11999990000"}`)))
	req.Header.Set("Content-Type", "application/json")
	histRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	hist := decodeBody(t, histRes)
	if histRes.StatusCode != http.StatusOK || hist["total"] != float64(1) {
		t.Fatalf("history response = %d %+v, want one cached message", histRes.StatusCode, hist)
	}

	okRes, err := http.Get(env.server.URL + "/messages/s1/resolve?phone=11999990000")
	if err != nil {
		t.Fatalf("GET resolve error = %v", err)
	}
	resolved := decodeBody(t, okRes)
	if okRes.StatusCode != http.StatusOK || resolved["chatId"] != "5511999990000@c.us" {
		t.Fatalf("resolve response = %d %+v", okRes.StatusCode, resolved)
	}

	client.SetUnknownNumber("5511888880000@c.us")
	goneRes, err := http.Get(env.server.URL + "/messages/s1/resolve?phone=11888880000")
	if err != nil {
		t.Fatalf("GET resolve error = %v", err)
	}
	goneRes.Body.Close()
	if goneRes.StatusCode != http.StatusNotFound {
		t.Fatalf("resolve unknown number status = %d, want %d", goneRes.StatusCode, http.StatusNotFound)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	env := newTestEnv(t, config.Config{APIKey: "sekret"})

	// Health stays open.
	health, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want %d", health.StatusCode, http.StatusOK)
	}

	denied, err := http.Get(env.server.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions error = %v", err)
	}
	denied.Body.Close()
	if denied.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-key status = %d, want %d", denied.StatusCode, http.StatusUnauthorized)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/sessions", nil)
	req.Header.Set("x-api-key", "sekret")
	allowed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sessions error = %v", err)
	}
	allowed.Body.Close()
	if allowed.StatusCode != http.StatusOK {
		t.Fatalf("keyed status = %d, want %d", allowed.StatusCode, http.StatusOK)
	}

	// Query parameter works too (websocket clients).
	viaQuery, err := http.Get(env.server.URL + "/sessions?api_key=sekret")
	if err != nil {
		t.Fatalf("GET /sessions error = %v", err)
	}
	viaQuery.Body.Close()
	if viaQuery.StatusCode != http.StatusOK {
		t.Fatalf("query-key status = %d, want %d", viaQuery.StatusCode, http.StatusOK)
	}
}

func TestSessionEventStream(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	res := env.postJSON(t, "/sessions", map[string]string{"sessionId": "s1"})
	res.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/sessions/s1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	env.factory.Client("s1").EmitState(wapp.StateReady, "connected")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		SessionID string         `json:"sessionId"`
		Event     string         `json:"event"`
		Payload   map[string]any `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.SessionID != "s1" || ev.Event != "ready" {
		t.Fatalf("event = %+v, want ready for s1", ev)
	}
}
