package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fixiplug/internal/config"
	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/realtime"
	"github.com/watzon/fixiplug/internal/state"
)

type testEnv struct {
	engine      *hooks.Engine
	coordinator *state.Coordinator
	broker      *realtime.Broker
	handler     http.Handler
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Port = 0

	engine := hooks.New(hooks.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = engine.Close() })

	coordinator := state.New(state.WithLogger(zerolog.Nop()))
	require.NoError(t, engine.Use(coordinator.Plugin()))

	broker := realtime.NewBroker(&realtime.BrokerConfig{Hooks: []string{state.HookTransition}})
	require.NoError(t, engine.Use(broker.Plugin()))

	srv := New(cfg, engine,
		WithCoordinator(coordinator),
		WithBroker(broker),
		WithVersion("test"),
	)

	return &testEnv{
		engine:      engine,
		coordinator: coordinator,
		broker:      broker,
		handler:     srv.Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "test", body["version"])
	require.EqualValues(t, 2, body["plugins"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)

	env.do(t, http.MethodGet, "/health", "")
	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "fixiplug_http_requests_total")
}

func TestDispatchSetAndGetState(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/dispatch/api:setState", `{"state":"loading","data":{"page":2}}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, true, body["success"])
	require.Equal(t, "idle", body["previousState"])
	require.Empty(t, w.Header().Get("X-Hook-Error"))

	w = env.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	require.Equal(t, "loading", body["state"])
	require.EqualValues(t, 2, body["data"].(map[string]any)["page"])

	w = env.do(t, http.MethodGet, "/api/state/history?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	require.EqualValues(t, 1, body["count"])
	require.EqualValues(t, 1, body["totalTransitions"])

	w = env.do(t, http.MethodGet, "/api/state/history?limit=-3", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchValidationFailureIsData(t *testing.T) {
	env := setupTestServer(t)

	env.do(t, http.MethodPost, "/api/dispatch/api:registerStateSchema",
		`{"states":["idle","loading","success"],"transitions":{"idle":["loading"],"loading":["success"]}}`)

	w := env.do(t, http.MethodPost, "/api/dispatch/api:setState", `{"state":"success"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "true", w.Header().Get("X-Hook-Error"))

	body := decodeBody(t, w)
	require.Equal(t, "Invalid transition: idle -> success", body["error"])
	require.Equal(t, []any{"loading"}, body["validTransitions"])

	w = env.do(t, http.MethodPost, "/api/dispatch/api:setState", `{"state":"success","validate":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("X-Hook-Error"))
	require.Equal(t, "success", decodeBody(t, w)["state"])
}

func TestDispatchUnserializableResult(t *testing.T) {
	env := setupTestServer(t)

	env.engine.On("custom:leak", func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		return hooks.Event{"ch": make(chan int)}, nil
	})

	w := env.do(t, http.MethodPost, "/api/dispatch/custom:leak", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "ENCODE_FAILED", decodeBody(t, w)["code"])
}

func TestDispatchWaitTimeout(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/dispatch/api:waitForState", `{"state":"success","timeout":50}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, "Timeout waiting for state: success", body["error"])
	require.EqualValues(t, 50, body["timeout"])
	require.GreaterOrEqual(t, body["waited"].(float64), float64(50))
}

func TestDispatchRejectsNonObjectBody(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/dispatch/api:setState", `[1,2]`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, "BAD_REQUEST", body["code"])
	require.Equal(t, w.Header().Get("X-Request-ID"), body["requestId"])
	require.NotEmpty(t, body["requestId"])
}

func TestEmit(t *testing.T) {
	env := setupTestServer(t)

	received := make(chan hooks.Event, 1)
	env.engine.On("custom:ping", func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		received <- ev
		return nil, nil
	})

	w := env.do(t, http.MethodPost, "/api/emit/custom:ping", `{"n":1}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-received:
		require.EqualValues(t, 1, ev["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("emitted hook was not dispatched")
	}
}

func TestPluginLifecycleEndpoints(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/plugins", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody(t, w)["plugins"], 2)

	w = env.do(t, http.MethodPost, "/api/plugins/"+state.PluginName+"/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, env.engine.IsEnabled(state.PluginName))

	w = env.do(t, http.MethodPost, "/api/dispatch/api:setState", `{"state":"loading"}`)
	require.Equal(t, "loading", decodeBody(t, w)["state"], "disabled plugin leaves the event untouched")
	require.Equal(t, "idle", env.coordinator.CurrentState().State)

	w = env.do(t, http.MethodPost, "/api/plugins/"+state.PluginName+"/enable", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/plugins/nope/enable", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/plugins/"+realtime.PluginName, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/plugins/"+realtime.PluginName, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCapabilities(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	summary := body["summary"].(map[string]any)
	require.EqualValues(t, 7, summary["query"])
	require.EqualValues(t, 1, summary["notification"])
}

func TestRPC(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode float64
		check    func(t *testing.T, resp map[string]any)
	}{
		{
			name: "success",
			body: `{"jsonrpc":"2.0","method":"api:getCurrentState","id":1}`,
			check: func(t *testing.T, resp map[string]any) {
				require.EqualValues(t, 1, resp["id"])
				require.Equal(t, "idle", resp["result"].(map[string]any)["state"])
			},
		},
		{name: "parse error", body: `{"jsonrpc":`, wantCode: -32700},
		{name: "wrong version", body: `{"jsonrpc":"1.0","method":"api:getCurrentState","id":2}`, wantCode: -32600},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":3}`, wantCode: -32600},
		{name: "unknown method", body: `{"jsonrpc":"2.0","method":"api:nothing","id":4}`, wantCode: -32601},
		{name: "params not object", body: `{"jsonrpc":"2.0","method":"api:setState","params":[1],"id":5}`, wantCode: -32602},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/rpc", tt.body)
			require.Equal(t, http.StatusOK, w.Code)

			resp := decodeBody(t, w)
			require.Equal(t, "2.0", resp["jsonrpc"])
			if tt.wantCode != 0 {
				rpcErr := resp["error"].(map[string]any)
				require.Equal(t, tt.wantCode, rpcErr["code"])
				return
			}
			tt.check(t, resp)
		})
	}
}

func TestRPCNotification(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/rpc", `{"jsonrpc":"2.0","method":"api:setState","params":{"state":"loading"}}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "loading", env.coordinator.CurrentState().State)
}

func TestRealtimeStreamsTransitions(t *testing.T) {
	env := setupTestServer(t)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/realtime?hooks=state:*"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() realtime.Message {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg realtime.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	require.Equal(t, realtime.MessageTypeConnected, read().Type)
	require.Equal(t, realtime.MessageTypeSubscribed, read().Type)

	env.coordinator.SetState(state.SetStateRequest{State: "loading"})

	msg := read()
	require.Equal(t, realtime.MessageTypeEvent, msg.Type)

	var payload realtime.EventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.Equal(t, state.HookTransition, payload.Hook)
	require.Equal(t, "loading", payload.Event["to"])
}
