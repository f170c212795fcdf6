// Package relay binds the stream consumers to their recipients: command
// entries to connected devices, status entries to observer fanout.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleet-relay/internal/command"
	"fleet-relay/internal/consumer"
	"fleet-relay/internal/logger"
	"fleet-relay/internal/logstore"
	"fleet-relay/internal/metrics"
	"fleet-relay/internal/payload"
	"fleet-relay/internal/registry"
)

// Forwarder is the slice of the device registry command delivery needs.
type Forwarder interface {
	Forward(deviceID string, data []byte) error
}

// Broadcaster is the slice of the fanout status delivery needs.
type Broadcaster interface {
	Broadcast(key string, message []byte)
}

// CommandApply returns the apply function for the command stream. Each
// entry is decoded, validated and forwarded to the target device's
// connection as a JSON text frame.
func CommandApply(fwd Forwarder, log *logger.Logger, m *metrics.Metrics) consumer.ApplyFunc {
	return func(ctx context.Context, entry logstore.Entry) error {
		cmd, err := command.DecodeEntry(entry.Values)
		if err != nil {
			incForwarded(m, "rejected")
			return fmt.Errorf("%w: %v", consumer.ErrMalformed, err)
		}

		data, err := json.Marshal(cmd.Payload)
		if err != nil {
			incForwarded(m, "rejected")
			return fmt.Errorf("%w: encode command: %v", consumer.ErrMalformed, err)
		}

		if err := fwd.Forward(cmd.DeviceID, data); err != nil {
			if errors.Is(err, registry.ErrNotConnected) {
				incForwarded(m, "offline")
				return fmt.Errorf("%w: %v", consumer.ErrUnavailable, err)
			}
			incForwarded(m, "error")
			return err
		}

		incForwarded(m, "delivered")
		log.Debug("command forwarded",
			"deviceId", cmd.DeviceID,
			"command", cmd.Command,
			"id", entry.ID)
		return nil
	}
}

// StatusApply returns the apply function for the status stream. Each
// entry becomes a telemetry message broadcast to the device's observers.
func StatusApply(bc Broadcaster, log *logger.Logger, m *metrics.Metrics) consumer.ApplyFunc {
	return func(ctx context.Context, entry logstore.Entry) error {
		deviceID := entry.Values["deviceId"]
		if deviceID == "" {
			deviceID = entry.Values["tankId"]
		}
		if deviceID == "" {
			return fmt.Errorf("%w: status entry missing deviceId", consumer.ErrMalformed)
		}

		msg := payload.Message{
			"type":       payload.TypeTelemetry,
			"deviceId":   deviceID,
			"payload":    decodeStatusPayload(entry.Values["payload"]),
			"receivedAt": receivedAt(entry.Values),
			"id":         entry.ID,
		}

		data, err := msg.Encode()
		if err != nil {
			return fmt.Errorf("%w: encode status message: %v", consumer.ErrMalformed, err)
		}

		bc.Broadcast(deviceID, data)
		return nil
	}
}

// decodeStatusPayload recovers the device's original payload from its
// stream encoding. Text that is not a JSON value is carried under "raw"
// so observers still see it.
func decodeStatusPayload(text string) interface{} {
	if text == "" {
		return map[string]interface{}{}
	}
	var value interface{}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return map[string]interface{}{"raw": text}
	}
	return value
}

func receivedAt(values map[string]string) string {
	if at := values["receivedAt"]; at != "" {
		return at
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func incForwarded(m *metrics.Metrics, result string) {
	if m != nil {
		m.IncCommandsForwarded(result)
	}
}
