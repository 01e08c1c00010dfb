package ha

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient implements HAClient interface for testing. Service calls are
// recorded and answered with a fresh context; tests drive state change and
// event delivery explicitly.
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	stateSubs    map[string][]stateSubscriberEntry
	eventSubs    map[string][]eventSubscriberEntry
	subsMu       sync.RWMutex
	nextSubID    int
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Context *Context
	Time    time.Time
}

// mockSubscription implements Subscription for MockClient state handlers
type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribeState(s.entityID, s.subID)
}

// mockEventSubscription implements Subscription for MockClient event handlers
type mockEventSubscription struct {
	eventType string
	subID     int
	mock      *MockClient
}

func (s *mockEventSubscription) Unsubscribe() error {
	return s.mock.unsubscribeEvent(s.eventType, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		stateSubs:    make(map[string][]stateSubscriberEntry),
		eventSubs:    make(map[string][]eventSubscriberEntry),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false

	m.subsMu.Lock()
	m.stateSubs = make(map[string][]stateSubscriberEntry)
	m.eventSubs = make(map[string][]eventSubscriberEntry)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// CallService records a service call and returns a fresh context for it.
// Volume changes are reflected into the target's attributes so volume
// snapshot and restore paths see consistent reads.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) (*Context, error) {
	ctx := &Context{ID: uuid.NewString()}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Context: ctx,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if domain == "media_player" && service == "volume_set" {
		if entityID, ok := data["entity_id"].(string); ok {
			if level, ok := data["volume_level"].(float64); ok {
				m.setAttribute(entityID, "volume_level", level)
			}
		}
	}

	return ctx, nil
}

// SubscribeStateChanges subscribes to state changes for an entity
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.stateSubs[entityID] = append(m.stateSubs[entityID], stateSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		entityID: entityID,
		subID:    subID,
		mock:     m,
	}, nil
}

// SubscribeEvents subscribes to a mock event type
func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.eventSubs[eventType] = append(m.eventSubs[eventType], eventSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockEventSubscription{
		eventType: eventType,
		subID:     subID,
		mock:      m,
	}, nil
}

func (m *MockClient) unsubscribeState(entityID string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	entries, ok := m.stateSubs[entityID]
	if !ok {
		return nil
	}

	for i, entry := range entries {
		if entry.subID == subID {
			m.stateSubs[entityID] = append(entries[:i], entries[i+1:]...)
			if len(m.stateSubs[entityID]) == 0 {
				delete(m.stateSubs, entityID)
			}
			break
		}
	}

	return nil
}

func (m *MockClient) unsubscribeEvent(eventType string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	entries, ok := m.eventSubs[eventType]
	if !ok {
		return nil
	}

	for i, entry := range entries {
		if entry.subID == subID {
			m.eventSubs[eventType] = append(entries[:i], entries[i+1:]...)
			if len(m.eventSubs[eventType]) == 0 {
				delete(m.eventSubs, eventType)
			}
			break
		}
	}

	return nil
}

// SetState sets a mock state and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	now := time.Now()
	oldState := m.states[entityID]

	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, newState)
}

// setAttribute updates a single attribute without notifying subscribers
func (m *MockClient) setAttribute(entityID, key string, value interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	old := m.states[entityID]
	attrs := make(map[string]interface{})
	stateValue := "unknown"
	if old != nil {
		stateValue = old.State
		for k, v := range old.Attributes {
			attrs[k] = v
		}
	}
	attrs[key] = value

	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SimulateStateChange simulates a state change event with the given
// attributes and context
func (m *MockClient) SimulateStateChange(entityID, newStateValue string, attributes map[string]interface{}, ctx *Context) {
	m.statesMu.Lock()
	oldState := m.states[entityID]

	now := time.Now()
	if attributes == nil {
		attributes = make(map[string]interface{})
		if oldState != nil {
			for k, v := range oldState.Attributes {
				attributes[k] = v
			}
		}
	}
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
		Context:     ctx,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, newState)
}

// FireEvent delivers an event to subscribers of its type
func (m *MockClient) FireEvent(event *Event) {
	m.subsMu.RLock()
	entries := append([]eventSubscriberEntry(nil), m.eventSubs[event.EventType]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event)
	}
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// LastContext returns the context of the most recent call to the given
// service, or nil if none was recorded.
func (m *MockClient) LastContext(domain, service string) *Context {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	for i := len(m.serviceCalls) - 1; i >= 0; i-- {
		call := m.serviceCalls[i]
		if call.Domain == domain && call.Service == service {
			return call.Context
		}
	}
	return nil
}

func (m *MockClient) notifyStateSubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]stateSubscriberEntry(nil), m.stateSubs[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
