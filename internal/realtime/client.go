package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/metrics"
)

const (
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongTimeout      = 60 * time.Second
	maxMessageSize   = 64 * 1024
	maxSubscriptions = 32
	sendBufferSize   = 256
)

// Client represents a connected WebSocket client.
type Client struct {
	ID            string
	conn          *websocket.Conn
	broker        *Broker
	subscriptions map[string]*Subscription
	mu            sync.RWMutex
	sendCh        chan []byte
	done          chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn, broker *Broker) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:            uuid.New().String(),
		conn:          conn,
		broker:        broker,
		subscriptions: make(map[string]*Subscription),
		sendCh:        make(chan []byte, broker.cfg.ClientBuffer),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the client's write and ping loops and blocks reading until
// the connection ends.
func (c *Client) Run() {
	go c.writePump()
	go c.pingPump()
	c.readPump()
}

// Close terminates the client connection and unregisters it.
func (c *Client) Close() {
	if !c.markDone() {
		return
	}
	c.broker.UnregisterClient(c.ID)
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// CloseWithoutUnregister terminates the connection without broker cleanup.
// Used during broker shutdown, which already holds the client list.
func (c *Client) CloseWithoutUnregister() {
	if !c.markDone() {
		return
	}
	c.cancel()
	c.conn.Close(websocket.StatusGoingAway, "server shutting down")
}

func (c *Client) markDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
		close(c.done)
	}
	c.subscriptions = make(map[string]*Subscription)
	return true
}

// Send queues a message to be sent to the client. A full send buffer drops
// the message.
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		metrics.RecordRealtimeDrop()
		log.Warn().Str("client_id", c.ID).Msg("Client send buffer full, dropping message")
		return nil
	}
}

// SendError sends an error message to the client.
func (c *Client) SendError(msgID string, code ErrorCode, message string) error {
	payload, _ := json.Marshal(&ErrorPayload{
		Code:    string(code),
		Message: message,
	})

	return c.Send(&Message{
		ID:      msgID,
		Type:    MessageTypeError,
		Payload: payload,
	})
}

// AddSubscription registers a subscription for this client.
func (c *Client) AddSubscription(sub *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subscriptions) >= maxSubscriptions {
		return ErrSubscriptionLimit
	}

	c.subscriptions[sub.ID] = sub
	return nil
}

// RemoveSubscription removes a subscription from this client.
func (c *Client) RemoveSubscription(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscriptions[subID]; !ok {
		return false
	}
	delete(c.subscriptions, subID)
	return true
}

// Subscriptions returns all subscriptions for this client.
func (c *Client) Subscriptions() []*Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// Matches reports whether any subscription selects hook.
func (c *Client) Matches(hook string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sub := range c.subscriptions {
		if sub.Matches(hook) {
			return true
		}
	}
	return false
}

// Subscribe creates a subscription for patterns and confirms it to the client.
func (c *Client) Subscribe(msgID string, patterns []string) (*Subscription, error) {
	sub, err := NewSubscription(c.ID, patterns)
	if err != nil {
		return nil, err
	}
	sub.ID = uuid.New().String()

	if err := c.AddSubscription(sub); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(&SubscribedPayload{
		SubscriptionID: sub.ID,
		Patterns:       sub.Patterns,
	})
	_ = c.Send(&Message{
		ID:      msgID,
		Type:    MessageTypeSubscribed,
		Payload: payload,
	})
	return sub, nil
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.SendError("", ErrorCodeInvalidMessage, "Invalid JSON message")
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(c.broker.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("Ping failed")
				c.Close()
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.handleSubscribe(msg)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case MessageTypePing:
		_ = c.Send(&Message{ID: msg.ID, Type: MessageTypePong})
	default:
		_ = c.SendError(msg.ID, ErrorCodeInvalidMessage, "Unknown message type")
	}
}

func (c *Client) handleSubscribe(msg *Message) {
	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		_ = c.SendError(msg.ID, ErrorCodeInvalidPayload, "Invalid subscribe payload")
		return
	}

	if _, err := c.Subscribe(msg.ID, payload.Patterns); err != nil {
		code := ErrorCodeInvalidPattern
		if errors.Is(err, ErrSubscriptionLimit) {
			code = ErrorCodeSubscriptionLimit
		}
		_ = c.SendError(msg.ID, code, err.Error())
	}
}

func (c *Client) handleUnsubscribe(msg *Message) {
	var payload UnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		_ = c.SendError(msg.ID, ErrorCodeInvalidPayload, "Invalid unsubscribe payload")
		return
	}

	if payload.SubscriptionID == "" {
		_ = c.SendError(msg.ID, ErrorCodeInvalidPayload, "Subscription ID is required")
		return
	}

	if !c.RemoveSubscription(payload.SubscriptionID) {
		_ = c.SendError(msg.ID, ErrorCodeInvalidPayload, ErrSubscriptionMissing.Error())
	}
}
