package ws

import (
	"time"

	"github.com/HerbHall/sunlink/internal/alerts"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageAlertTriggered    MessageType = "alert.triggered"
	MessageAlertResolved     MessageType = "alert.resolved"
	MessageAlertAcknowledged MessageType = "alert.acknowledged"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType   `json:"type"`
	DeviceID  string        `json:"device_id"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *alerts.Alert `json:"data"`
}

var messageTypes = map[string]MessageType{
	alerts.TopicAlertTriggered:    MessageAlertTriggered,
	alerts.TopicAlertResolved:     MessageAlertResolved,
	alerts.TopicAlertAcknowledged: MessageAlertAcknowledged,
}
