package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/watzon/fixiplug/internal/hooks"
)

func TestSubscriptionMatching(t *testing.T) {
	sub, err := NewSubscription("client", []string{"state:*", "agent:task:*"})
	if err != nil {
		t.Fatalf("NewSubscription() error = %v", err)
	}

	tests := []struct {
		hook string
		want bool
	}{
		{"state:transition", true},
		{"state:entered:idle", false},
		{"agent:task:run", true},
		{"agent:ping", false},
		{"api:setState", false},
	}

	for _, tt := range tests {
		if got := sub.Matches(tt.hook); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.hook, got, tt.want)
		}
	}
}

func TestNewSubscriptionRequiresPatterns(t *testing.T) {
	if _, err := NewSubscription("client", nil); err == nil {
		t.Error("expected error for empty pattern list")
	}
}

func TestMessageJSON(t *testing.T) {
	payload, _ := json.Marshal(&SubscribePayload{Patterns: []string{"state:**"}})
	msg := Message{ID: "1", Type: MessageTypeSubscribe, Payload: payload}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	var sp SubscribePayload
	if err := json.Unmarshal(decoded.Payload, &sp); err != nil {
		t.Fatalf("Unmarshal(payload) error = %v", err)
	}
	if decoded.Type != MessageTypeSubscribe || sp.Patterns[0] != "state:**" {
		t.Errorf("unexpected round trip: %+v %+v", decoded, sp)
	}
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	broker := NewBroker(&BrokerConfig{ClientBuffer: 1})
	client := NewClient(nil, broker)

	for i := 0; i < 3; i++ {
		if err := client.Send(&Message{Type: MessageTypePong}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	if len(client.sendCh) != 1 {
		t.Errorf("expected 1 buffered message, got %d", len(client.sendCh))
	}
}

func TestBrokerConnectionLimit(t *testing.T) {
	broker := NewBroker(&BrokerConfig{MaxConnections: 1})

	if err := broker.RegisterClient(NewClient(nil, broker)); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if err := broker.RegisterClient(NewClient(nil, broker)); err != ErrConnectionLimit {
		t.Errorf("expected ErrConnectionLimit, got %v", err)
	}
}

func TestBrokerForwardsHookEvents(t *testing.T) {
	engine := hooks.New(hooks.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = engine.Close() })

	broker := NewBroker(&BrokerConfig{Hooks: []string{"state:transition", "agent:ping"}})
	if err := engine.Use(broker.Plugin()); err != nil {
		t.Fatalf("Use() error = %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, broker)
		if err := broker.RegisterClient(client); err != nil {
			conn.Close(websocket.StatusTryAgainLater, err.Error())
			return
		}
		if _, err := client.Subscribe("", r.URL.Query()["hook"]); err != nil {
			client.Close()
			return
		}
		client.Run()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?hook=state:*"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeSubscribed {
		t.Fatalf("expected subscribed message, got %s", msg.Type)
	}

	engine.Dispatch(ctx, "agent:ping", hooks.Event{"n": 1})
	out := engine.Dispatch(ctx, "state:transition", hooks.Event{"from": "idle", "to": "loading"})
	if out["to"] != "loading" {
		t.Errorf("broker must pass the event through, got %v", out)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeEvent {
		t.Fatalf("expected event message, got %s", msg.Type)
	}

	var payload EventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload.Hook != "state:transition" || payload.Event["to"] != "loading" {
		t.Errorf("unexpected payload %+v", payload)
	}

	if broker.Stats().Clients != 1 {
		t.Errorf("expected 1 client, got %d", broker.Stats().Clients)
	}

	engine.Unuse(PluginName)
	if broker.ClientCount() != 0 {
		t.Errorf("expected clients to be disconnected when the plugin is removed")
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return msg
}
