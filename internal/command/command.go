// Package command defines the shape of drive commands relayed to devices.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// allowedCommands is the set of drive verbs devices understand
var allowedCommands = map[string]struct{}{
	"forward":  {},
	"backward": {},
	"left":     {},
	"right":    {},
	"stop":     {},
	"setspeed": {},
}

const (
	minSpeed = 0
	maxSpeed = 255
)

// ValidationError describes why a command was rejected
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command field %q: %s", e.Field, e.Message)
}

// Payload is the command body forwarded to a device
type Payload struct {
	Command    string `json:"command"`
	LeftSpeed  *int   `json:"leftSpeed,omitempty"`
	RightSpeed *int   `json:"rightSpeed,omitempty"`
	Sequence   *int64 `json:"sequence,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	CommandID  string `json:"commandId,omitempty"`
}

// StreamCommand is a command read from the command stream, carrying the
// target device ID. The ID addresses delivery and is not forwarded.
type StreamCommand struct {
	DeviceID string `json:"deviceId"`
	Payload
}

// Validate normalizes and checks the command body
func (p *Payload) Validate() error {
	verb := strings.ToLower(strings.TrimSpace(p.Command))
	if _, ok := allowedCommands[verb]; !ok {
		return &ValidationError{
			Field:   "command",
			Message: fmt.Sprintf("unsupported command %q", p.Command),
		}
	}
	p.Command = verb

	if err := validateSpeed("leftSpeed", p.LeftSpeed); err != nil {
		return err
	}
	if err := validateSpeed("rightSpeed", p.RightSpeed); err != nil {
		return err
	}

	return nil
}

// Validate checks the stream form, including the delivery target
func (c *StreamCommand) Validate() error {
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	if c.DeviceID == "" {
		return &ValidationError{
			Field:   "deviceId",
			Message: "deviceId is required",
		}
	}
	return c.Payload.Validate()
}

func validateSpeed(field string, value *int) error {
	if value == nil {
		return nil
	}
	if *value < minSpeed || *value > maxSpeed {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("speed must be between %d and %d", minSpeed, maxSpeed),
		}
	}
	return nil
}

// DecodeEntry builds a validated StreamCommand from the string field map of
// one stream entry. Unknown fields are ignored; numeric fields are coerced
// from their string form.
func DecodeEntry(values map[string]string) (*StreamCommand, error) {
	cmd := &StreamCommand{}

	for field, value := range values {
		switch field {
		case "deviceId", "tankId":
			cmd.DeviceID = value
		case "command":
			cmd.Command = value
		case "leftSpeed":
			n, err := parseSpeedField(field, value)
			if err != nil {
				return nil, err
			}
			cmd.LeftSpeed = n
		case "rightSpeed":
			n, err := parseSpeedField(field, value)
			if err != nil {
				return nil, err
			}
			cmd.RightSpeed = n
		case "sequence":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, &ValidationError{Field: field, Message: "not an integer"}
			}
			cmd.Sequence = &n
		case "timestamp":
			cmd.Timestamp = value
		case "commandId":
			cmd.CommandID = value
		}
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseSpeedField(field, value string) (*int, error) {
	if value == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, &ValidationError{Field: field, Message: "not an integer"}
	}
	return &n, nil
}

// EntryValues flattens a StreamCommand into the string field map stored in
// a stream entry.
func (c *StreamCommand) EntryValues() map[string]interface{} {
	values := map[string]interface{}{
		"deviceId": c.DeviceID,
		"command":  c.Command,
	}
	if c.LeftSpeed != nil {
		values["leftSpeed"] = strconv.Itoa(*c.LeftSpeed)
	}
	if c.RightSpeed != nil {
		values["rightSpeed"] = strconv.Itoa(*c.RightSpeed)
	}
	if c.Sequence != nil {
		values["sequence"] = strconv.FormatInt(*c.Sequence, 10)
	}
	if c.Timestamp != "" {
		values["timestamp"] = c.Timestamp
	}
	if c.CommandID != "" {
		values["commandId"] = c.CommandID
	}
	return values
}
