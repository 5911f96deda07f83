package matrixclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/client"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
)

// ScriptedError queues an error to be returned by the next matching call.
// A nil entry means "succeed".
type ScriptedError = error

// InMemoryClient is a deterministic in-process client.Facade double: it
// records every call it receives and lets a test script exactly which
// error (if any) each call returns, in order.
type InMemoryClient struct {
	mu sync.Mutex

	user   ids.UserID
	device ids.DeviceID

	Calls []InMemoryCall

	sendStateErrs   []ScriptedError
	sendDelayedErrs []ScriptedError
	updateErrs      []ScriptedError

	delayIDs map[string]bool
	state    map[ids.StateKey]map[string]any
}

// InMemoryCall records one facade invocation for test assertions.
type InMemoryCall struct {
	Method   string
	Room     ids.RoomID
	EventType string
	StateKey ids.StateKey
	DelayMs  int64
	DelayID  string
	Action   client.DelayedEventAction
}

// NewInMemoryClient constructs an InMemoryClient authenticated as
// (user, device).
func NewInMemoryClient(user ids.UserID, device ids.DeviceID) *InMemoryClient {
	return &InMemoryClient{
		user:     user,
		device:   device,
		delayIDs: make(map[string]bool),
		state:    make(map[ids.StateKey]map[string]any),
	}
}

// QueueSendStateEventError appends an error for the Nth next SendStateEvent
// call (nil succeeds).
func (c *InMemoryClient) QueueSendStateEventError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendStateErrs = append(c.sendStateErrs, err)
}

// QueueSendDelayedEventError appends an error for the Nth next
// SendDelayedStateEvent call.
func (c *InMemoryClient) QueueSendDelayedEventError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendDelayedErrs = append(c.sendDelayedErrs, err)
}

// QueueUpdateDelayedEventError appends an error for the Nth next
// UpdateDelayedEvent call.
func (c *InMemoryClient) QueueUpdateDelayedEventError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateErrs = append(c.updateErrs, err)
}

func popErr(queue *[]ScriptedError) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (c *InMemoryClient) UserID() (ids.UserID, error) {
	if c.user == "" {
		return "", errNoIdentity("user")
	}
	return c.user, nil
}

func (c *InMemoryClient) DeviceID() (ids.DeviceID, error) {
	if c.device == "" {
		return "", errNoIdentity("device")
	}
	return c.device, nil
}

func (c *InMemoryClient) SendStateEvent(ctx context.Context, room ids.RoomID, eventType string, content map[string]any, stateKey ids.StateKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, InMemoryCall{Method: "send_state", Room: room, EventType: eventType, StateKey: stateKey})
	if err := popErr(&c.sendStateErrs); err != nil {
		return err
	}
	if len(content) == 0 {
		delete(c.state, stateKey)
	} else {
		c.state[stateKey] = content
	}
	return nil
}

func (c *InMemoryClient) SendDelayedStateEvent(ctx context.Context, room ids.RoomID, delayMs int64, eventType string, content map[string]any, stateKey ids.StateKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, InMemoryCall{Method: "send_delayed", Room: room, EventType: eventType, StateKey: stateKey, DelayMs: delayMs})
	if err := popErr(&c.sendDelayedErrs); err != nil {
		return "", err
	}
	id := uuid.NewString()
	c.delayIDs[id] = true
	return id, nil
}

func (c *InMemoryClient) UpdateDelayedEvent(ctx context.Context, delayID string, action client.DelayedEventAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, InMemoryCall{Method: "update_delayed", DelayID: delayID, Action: action})
	if err := popErr(&c.updateErrs); err != nil {
		return err
	}
	if !c.delayIDs[delayID] {
		return &client.NotFoundError{}
	}
	if action == client.DelayedEventActionCancel || action == client.DelayedEventActionSend {
		delete(c.delayIDs, delayID)
	}
	return nil
}

// StateFor returns the last content sent for stateKey, or nil if none or
// left.
func (c *InMemoryClient) StateFor(stateKey ids.StateKey) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[stateKey]
}

func errNoIdentity(what string) error {
	return &client.FatalError{Err: fmt.Errorf("matrixclient: no authenticated %s", what)}
}
