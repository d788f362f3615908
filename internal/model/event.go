package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeNotification EventType = "notification"
)

// Event is transport-agnostic framing for watchdog notifications pushed
// to the event stream.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Machine       Machine   `json:"machine"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	TimestampUnix int64     `json:"timestamp_unix"`
}

func NewNotificationEvent(m Machine, message string, at time.Time) Event {
	at = at.UTC()
	return Event{
		ID:            uuid.NewString(),
		Type:          EventTypeNotification,
		Machine:       m,
		Message:       message,
		Timestamp:     at,
		TimestampUnix: at.Unix(),
	}
}
