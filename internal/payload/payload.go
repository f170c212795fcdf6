// Package payload models the freeform JSON bodies exchanged with devices.
package payload

import "encoding/json"

const (
	// TypeTelemetry is the default frame type for untyped device messages
	TypeTelemetry = "telemetry"
	// TypeHello is sent once after a device connection is accepted
	TypeHello = "hello"
	// TypePing is sent after prolonged read inactivity on a device socket
	TypePing = "ping"
)

// Message is one parsed device frame. Values carry the JSON object model:
// string, float64, bool, nested map, slice, or nil.
type Message map[string]interface{}

// Parse interprets one inbound UTF-8 text frame from a device. Frames that
// are not valid JSON are wrapped as raw telemetry. JSON frames that decode
// to something other than an object carry no payload; the second return
// value is false for those.
func Parse(text string) (Message, bool) {
	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return Message{"type": TypeTelemetry, "raw": text}, true
	}

	obj, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, false
	}

	if _, ok := obj["type"]; !ok {
		obj["type"] = TypeTelemetry
	}
	return Message(obj), true
}

// Type returns the frame type, or an empty string when the field is
// missing or not a string.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// Encode serializes the message for transmission or stream storage.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
