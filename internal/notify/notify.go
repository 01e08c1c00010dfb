// Package notify sends actionable mobile notifications and turns on
// entities associated with a firing item.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"alarmclock/internal/ha"
)

// EventType is the Home Assistant event fired when a user taps a
// notification action button.
const EventType = "mobile_app_notification_action"

// Notification action identifiers delivered back through EventType.
const (
	ActionStop   = "stop"
	ActionSnooze = "snooze"
)

// Notifier delivers notifications through Home Assistant's notify
// services.
type Notifier struct {
	client ha.HAClient
	logger *zap.Logger
}

func NewNotifier(client ha.HAClient, logger *zap.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger.Named("notify"),
	}
}

// ServiceTarget normalizes a device spec to a notify service name.
// Accepts "notify.mobile_app_xxx", "mobile_app_xxx", or a bare device
// id that gets the mobile_app_ prefix.
func ServiceTarget(device string) string {
	if after, ok := strings.CutPrefix(device, "notify."); ok {
		return after
	}
	if strings.HasPrefix(device, "mobile_app_") {
		return device
	}
	return "mobile_app_" + device
}

// Send delivers a notification with Stop and Snooze action buttons. The
// tag carries the item id so action events can be routed back.
func (n *Notifier) Send(device, itemID, title, message string) error {
	if device == "" {
		return nil
	}

	target := ServiceTarget(device)
	payload := map[string]interface{}{
		"message": message,
		"title":   title,
		"data": map[string]interface{}{
			"tag": itemID,
			"actions": []map[string]interface{}{
				{"action": ActionStop, "title": "Stop"},
				{"action": ActionSnooze, "title": "Snooze"},
			},
		},
	}

	n.logger.Debug("Sending notification",
		zap.String("target", target),
		zap.String("item", itemID))
	if _, err := n.client.CallService("notify", target, payload); err != nil {
		return fmt.Errorf("notify %s: %w", target, err)
	}
	return nil
}

// Activate turns on the entity associated with an item, typically a
// light or a scene that should come up with the alarm.
func (n *Notifier) Activate(entityID, itemID string) error {
	if entityID == "" {
		return nil
	}

	_, err := n.client.CallService("homeassistant", "turn_on", map[string]interface{}{
		"entity_id": entityID,
	})
	if err != nil {
		return fmt.Errorf("activate %s: %w", entityID, err)
	}
	n.logger.Debug("Activated entity",
		zap.String("entity", entityID),
		zap.String("item", itemID))
	return nil
}

// Action is the payload of a notification action event.
type Action struct {
	Action string `json:"action"`
	Tag    string `json:"tag"`
}

// ParseAction extracts the tapped action from an event. Returns false
// when the event carries no tag to route by.
func ParseAction(event *ha.Event) (Action, bool) {
	var a Action
	if event == nil || len(event.Data) == 0 {
		return a, false
	}
	if err := json.Unmarshal(event.Data, &a); err != nil {
		return a, false
	}
	if a.Tag == "" {
		return a, false
	}
	return a, true
}
