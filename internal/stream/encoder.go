package stream

import (
	"encoding/json"

	"guest-watchdog/internal/model"
)

// EventFrame is one message on the event stream.
type EventFrame struct {
	AgentID string      `json:"agent_id"`
	Event   model.Event `json:"event"`
}

func NewEventFrame(agentID string, e model.Event) EventFrame {
	return EventFrame{AgentID: agentID, Event: e}
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
