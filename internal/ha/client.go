package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HAClient defines the interface for the Home Assistant WebSocket client.
// CallService returns the context Home Assistant assigned to the call so
// callers can correlate later state changes back to it.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	CallService(domain, service string, data map[string]interface{}) (*Context, error)
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
}

// stateSubscriberEntry holds a state change handler with its subscription ID
type stateSubscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// eventSubscriberEntry holds an event handler with its subscription ID
type eventSubscriberEntry struct {
	subID   int
	handler EventHandler
}

// Client implements HAClient interface
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan Message
	pendingMu sync.Mutex

	stateSubs map[string][]stateSubscriberEntry
	eventSubs map[string][]eventSubscriberEntry
	subsMu    sync.RWMutex
	nextSubID int

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
	writeMu   sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger,
		pending:   make(map[int]chan Message),
		stateSubs: make(map[string][]stateSubscriberEntry),
		eventSubs: make(map[string][]eventSubscriberEntry),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	c.conn = conn

	// Receive auth_required message
	var authRequired Message
	if err := c.conn.ReadJSON(&authRequired); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	// Send authentication
	authMsg := AuthMessage{
		Type:        "auth",
		AccessToken: c.token,
	}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(authMsg)
	c.writeMu.Unlock()

	if err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	// Receive auth response
	var authResponse Message
	if err := c.conn.ReadJSON(&authResponse); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if authResponse.Type == "auth_invalid" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("authentication failed: invalid token")
	}

	if authResponse.Type != "auth_ok" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}

	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	// Start background message receiver
	go c.receiveMessages()

	// Release lock before subscribing to avoid deadlock
	c.connMu.Unlock()

	// Re-establish server-side event subscriptions
	if err := c.subscribeRemote("state_changed"); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	c.subsMu.RLock()
	eventTypes := make([]string, 0, len(c.eventSubs))
	for eventType := range c.eventSubs {
		eventTypes = append(eventTypes, eventType)
	}
	c.subsMu.RUnlock()
	for _, eventType := range eventTypes {
		if err := c.subscribeRemote(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType), zap.Error(err))
		}
	}

	return nil
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subsMu.Lock()
	c.stateSubs = make(map[string][]stateSubscriberEntry)
	c.eventSubs = make(map[string][]eventSubscriberEntry)
	c.subsMu.Unlock()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a message and waits for response
func (c *Client) sendMessage(msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	c.connMu.RUnlock()

	var msgID int
	switch m := msg.(type) {
	case *CallServiceRequest:
		msgID = m.ID
	case *GetStatesRequest:
		msgID = m.ID
	case *SubscribeEventsRequest:
		msgID = m.ID
	default:
		return nil, fmt.Errorf("unsupported message type")
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	// Send message (protected by writeMu to prevent concurrent writes)
	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent fans an incoming event out to state change and generic
// event subscribers.
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	if msg.Event.EventType == "state_changed" {
		var eventData StateChangedEvent
		if err := json.Unmarshal(msg.Event.Data, &eventData); err != nil {
			c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
			return
		}

		c.subsMu.RLock()
		entries := append([]stateSubscriberEntry(nil), c.stateSubs[eventData.EntityID]...)
		c.subsMu.RUnlock()

		for _, entry := range entries {
			entry.handler(eventData.EntityID, eventData.OldState, eventData.NewState)
		}
		return
	}

	c.subsMu.RLock()
	entries := append([]eventSubscriberEntry(nil), c.eventSubs[msg.Event.EventType]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(msg.Event)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !c.reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// subscribeRemote asks Home Assistant to start sending events of the
// given type over this connection.
func (c *Client) subscribeRemote(eventType string) error {
	req := &SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: eventType,
	}

	_, err := c.sendMessage(req)
	return err
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	req := &GetStatesRequest{
		ID:   c.nextMsgID(),
		Type: "get_states",
	}

	resp, err := c.sendMessage(req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// CallService calls a Home Assistant service and returns the context the
// call ran under. A nil context with a nil error means the server did not
// report one.
func (c *Client) CallService(domain, service string, data map[string]interface{}) (*Context, error) {
	req := &CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	resp, err := c.sendMessage(req)
	if err != nil {
		return nil, err
	}

	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result callServiceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.logger.Debug("Unparseable call_service result", zap.Error(err))
		return nil, nil
	}
	return result.Context, nil
}

// SubscribeStateChanges subscribes to state changes for a specific entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.stateSubs[entityID] = append(c.stateSubs[entityID], stateSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	return &stateSubscription{
		entityID: entityID,
		subID:    subID,
		client:   c,
	}, nil
}

// SubscribeEvents subscribes a handler to every event of the given type.
// The first subscriber for a type also registers the type with the server.
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	first := len(c.eventSubs[eventType]) == 0
	c.eventSubs[eventType] = append(c.eventSubs[eventType], eventSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	if first && c.IsConnected() {
		if err := c.subscribeRemote(eventType); err != nil {
			c.unsubscribeEvent(eventType, subID)
			return nil, err
		}
	}

	return &eventSubscription{
		eventType: eventType,
		subID:     subID,
		client:    c,
	}, nil
}

// unsubscribeState removes a state change subscription
func (c *Client) unsubscribeState(entityID string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	entries, ok := c.stateSubs[entityID]
	if !ok {
		return nil
	}

	for i, entry := range entries {
		if entry.subID == subID {
			c.stateSubs[entityID] = append(entries[:i], entries[i+1:]...)
			if len(c.stateSubs[entityID]) == 0 {
				delete(c.stateSubs, entityID)
			}
			break
		}
	}

	return nil
}

// unsubscribeEvent removes a generic event subscription
func (c *Client) unsubscribeEvent(eventType string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	entries, ok := c.eventSubs[eventType]
	if !ok {
		return nil
	}

	for i, entry := range entries {
		if entry.subID == subID {
			c.eventSubs[eventType] = append(entries[:i], entries[i+1:]...)
			if len(c.eventSubs[eventType]) == 0 {
				delete(c.eventSubs, eventType)
			}
			break
		}
	}

	return nil
}
