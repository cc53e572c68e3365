package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/metrics"
)

// PluginName is the name the broker registers under.
const PluginName = "realtime"

// BrokerPriority places the broker after every default-priority handler so
// it forwards the final event.
const BrokerPriority = -100

// BrokerConfig holds configuration for the broker.
type BrokerConfig struct {
	// Hooks the broker listens on.
	Hooks          []string
	ClientBuffer   int
	MaxConnections int
	PingInterval   time.Duration
}

// Broker forwards hook events to subscribed WebSocket clients.
type Broker struct {
	cfg BrokerConfig

	clients map[string]*Client
	mu      sync.RWMutex
	closed  bool
}

// NewBroker creates a new broker.
func NewBroker(cfg *BrokerConfig) *Broker {
	if cfg == nil {
		cfg = &BrokerConfig{}
	}
	c := *cfg
	if len(c.Hooks) == 0 {
		c.Hooks = []string{"state:transition"}
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = sendBufferSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = pingInterval
	}

	return &Broker{
		cfg:     c,
		clients: make(map[string]*Client),
	}
}

// Plugin registers a forwarding handler on every configured hook. Removing
// the plugin disconnects all clients.
func (b *Broker) Plugin() hooks.Plugin {
	return hooks.NewPlugin(PluginName, func(pc *hooks.PluginContext) error {
		for _, hook := range b.cfg.Hooks {
			pc.On(hook, func(_ context.Context, ev hooks.Event) (hooks.Event, error) {
				b.Publish(hook, ev)
				return nil, nil
			}, hooks.WithPriority(BrokerPriority))
		}
		pc.Cleanup(b.Stop)

		pc.Logger().Debug().Strs("hooks", b.cfg.Hooks).Msg("Realtime broker listening")
		return nil
	})
}

// Stop disconnects every client.
func (b *Broker) Stop() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, client := range clients {
		client.CloseWithoutUnregister()
	}
	metrics.UpdateRealtimeConnections(0)
}

// RegisterClient adds a new client to the broker.
func (b *Broker) RegisterClient(client *Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClientClosed
	}
	if len(b.clients) >= b.cfg.MaxConnections {
		return ErrConnectionLimit
	}

	b.clients[client.ID] = client
	metrics.UpdateRealtimeConnections(len(b.clients))
	log.Debug().Str("client_id", client.ID).Int("total_clients", len(b.clients)).Msg("Client connected")
	return nil
}

// UnregisterClient removes a client from the broker.
func (b *Broker) UnregisterClient(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[clientID]; !ok {
		return
	}

	delete(b.clients, clientID)
	metrics.UpdateRealtimeConnections(len(b.clients))
	log.Debug().Str("client_id", clientID).Int("total_clients", len(b.clients)).Msg("Client disconnected")
}

// Publish sends ev to every client with a subscription matching hook.
func (b *Broker) Publish(hook string, ev hooks.Event) int {
	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		if client.Matches(hook) {
			targets = append(targets, client)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	payload, err := json.Marshal(&EventPayload{
		Hook:      hook,
		Event:     ev,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Str("hook", hook).Msg("Failed to encode event for realtime clients")
		return 0
	}

	msg := &Message{Type: MessageTypeEvent, Payload: payload}
	sent := 0
	for _, client := range targets {
		if err := client.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// BrokerStats summarises broker state.
type BrokerStats struct {
	Clients       int      `json:"clients"`
	Subscriptions int      `json:"subscriptions"`
	Hooks         []string `json:"hooks"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := 0
	for _, client := range b.clients {
		subs += len(client.Subscriptions())
	}
	return BrokerStats{
		Clients:       len(b.clients),
		Subscriptions: subs,
		Hooks:         b.cfg.Hooks,
	}
}
