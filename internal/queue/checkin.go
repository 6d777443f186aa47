package queue

import (
	"encoding/json"
	"time"
)

// Checkin is a single-frame recognition request queued for the worker.
type Checkin struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Image     []byte    `json:"image"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Message wraps the check-in for publishing.
func (c Checkin) Message() (Message, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeCheckin, Body: body}, nil
}

// DecodeCheckin parses a check-in message body.
func DecodeCheckin(msg Message) (Checkin, error) {
	var c Checkin
	err := json.Unmarshal(msg.Body, &c)
	return c, err
}
