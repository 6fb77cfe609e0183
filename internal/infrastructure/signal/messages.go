package signal

import "encoding/json"

// Envelope is the framing for every Event Channel message in both
// directions: an event name plus an event-specific JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(event string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
