package server

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

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stoatlabs/vigil/internal/bus"
	"github.com/stoatlabs/vigil/internal/heartbeat"
)

const testToken = "test-gateway-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type okAgent struct{}

func (okAgent) Run(context.Context, string, string) (string, bool) {
	return "HEARTBEAT_OK", false
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	runner := heartbeat.NewRunner(okAgent{}, heartbeat.Config{
		Interval:         10 * time.Minute,
		InstructionsPath: filepath.Join(t.TempDir(), "heartbeat.md"),
	}, heartbeat.WithLogger(testLogger()))
	gw := heartbeat.NewGateway(testToken, nil, func(context.Context) (*heartbeat.Runner, error) {
		return runner, nil
	}, testLogger())

	srv := New(Config{
		Gateway:           gw,
		Bus:               bus.New(),
		AuthToken:         testToken,
		ConfigFingerprint: "abc123",
	}, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(context.Background(), url, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, method string, params any) rpcResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = data
	}
	if err := wsjson.Write(ctx, conn, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp rpcResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestWSRejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(context.Background(), url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestWSRejectsWrongToken(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer wrong"}},
	})
	if err == nil {
		t.Fatal("dial with wrong token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestSystemHelloAndStatus(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts, testToken)

	resp := call(t, conn, "system.hello", nil)
	if resp.Error != nil {
		t.Fatalf("hello error: %+v", resp.Error)
	}

	resp = call(t, conn, "system.status", nil)
	if resp.Error != nil {
		t.Fatalf("status error: %+v", resp.Error)
	}
	status, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("status result = %T", resp.Result)
	}
	if status["config_fingerprint"] != "abc123" {
		t.Errorf("fingerprint = %v", status["config_fingerprint"])
	}
}

func TestHeartbeatNowRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts, testToken)

	resp := call(t, conn, "heartbeat.now", nil)
	if resp.Error != nil {
		t.Fatalf("heartbeat.now error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if result["outcome"] != "ok" {
		t.Errorf("outcome = %v, want ok", result["outcome"])
	}
	if result["source"] != "manual" {
		t.Errorf("source = %v, want manual", result["source"])
	}
}

func TestMessageReceivedValidation(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts, testToken)

	resp := call(t, conn, "message.received", map[string]any{"text": "  "})
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalid {
		t.Fatalf("blank text accepted: %+v", resp.Error)
	}

	resp = call(t, conn, "message.received", map[string]any{"text": "what is my battery level?"})
	if resp.Error != nil {
		t.Fatalf("message.received error: %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts, testToken)

	resp := call(t, conn, "no.such.method", nil)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("error = %+v, want method-not-found", resp.Error)
	}
}

func TestInvalidJSONRPCVersion(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts, testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, rpcRequest{JSONRPC: "1.0", ID: json.RawMessage(`7`), Method: "system.hello"}); err != nil {
		t.Fatal(err)
	}
	var resp rpcResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Fatalf("error = %+v, want invalid-request", resp.Error)
	}
}

func TestEventsSubscribeForwardsBusEvents(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts, testToken)

	resp := call(t, conn, "events.subscribe", map[string]any{"prefix": "notify."})
	if resp.Error != nil {
		t.Fatalf("subscribe error: %+v", resp.Error)
	}

	srv.cfg.Bus.Publish(bus.TopicNotification, bus.NotificationEvent{Title: "hi", Body: "there"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var note rpcResponse
	if err := wsjson.Read(ctx, conn, &note); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if note.Method != "event" {
		t.Fatalf("method = %q, want event", note.Method)
	}
	params, ok := note.Params.(map[string]any)
	if !ok || params["topic"] != bus.TopicNotification {
		t.Errorf("params = %+v", note.Params)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["healthy"] != true {
		t.Errorf("payload = %+v", payload)
	}
}

func TestAuthorizeEmptyTokenRejectsAll(t *testing.T) {
	srv := New(Config{AuthToken: ""}, testLogger())
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer anything")
	if srv.authorize(r) {
		t.Error("empty configured token must reject every caller")
	}
}
