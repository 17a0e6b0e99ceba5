package action

import (
	"encoding/json"

	"github.com/nuetzliches/rulepost/internal/event"
)

// payload is the JSON body posted to the target. Key names and order are a
// wire contract; Schema and Subject are omitted entirely when absent, never
// emitted as null.
type payload struct {
	External bool   `json:"External"`
	Schema   string `json:"Schema,omitempty"`
	Subject  string `json:"Subject,omitempty"`
	Type     string `json:"Type"`
	Object   string `json:"Object"`
	Info     string `json:"Info"`
}

func encodePayload(ev event.Event) ([]byte, error) {
	return json.Marshal(payload{
		External: ev.External,
		Schema:   ev.Schema,
		Subject:  ev.Subject,
		Type:     ev.Type,
		Object:   ev.Object,
		Info:     ev.Info,
	})
}
