// Package registry tracks which devices currently hold a live connection
// and forwards individual messages to them.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet-relay/internal/logger"
	"fleet-relay/internal/metrics"
	"fleet-relay/internal/payload"
)

// ErrNotConnected is returned by Forward when the target device has no
// live connection.
var ErrNotConnected = errors.New("device is not connected")

// Policy close codes sent on server-initiated disconnects. Values follow
// the websocket close-code space.
const (
	// CodeSuperseded closes a connection displaced by a newer one for the
	// same device ID, and is also used for stale evictions.
	CodeSuperseded = 1011
	// CodeReset closes a connection removed by an administrative reset.
	CodeReset = 1012
	// CodeShutdown closes every remaining connection at process shutdown.
	CodeShutdown = 1001
)

// Conn is the duplex device socket handle owned by the registry while the
// device is connected. Implementations are provided by the transport layer.
type Conn interface {
	WriteText(data []byte) error
	Close(code int, reason string) error
}

// DeviceView is one row of a registry snapshot.
type DeviceView struct {
	DeviceID     string          `json:"deviceId"`
	Connected    bool            `json:"connected"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastSeen     time.Time       `json:"lastSeen"`
	CommandsSent int             `json:"commandsSent"`
	LastPayload  payload.Message `json:"lastPayload"`
	StaleSeconds float64         `json:"staleSeconds"`
}

// record holds the registry's state for one known device ID. lastPayload
// and commandsSent survive reconnects; conn is nil while disconnected.
type record struct {
	deviceID     string
	conn         Conn
	connectedAt  time.Time
	lastSeen     time.Time
	lastPayload  payload.Message
	commandsSent int
}

func (rec *record) view(now time.Time) DeviceView {
	return DeviceView{
		DeviceID:     rec.deviceID,
		Connected:    rec.conn != nil,
		ConnectedAt:  rec.connectedAt,
		LastSeen:     rec.lastSeen,
		CommandsSent: rec.commandsSent,
		LastPayload:  rec.lastPayload,
		StaleSeconds: now.Sub(rec.lastSeen).Seconds(),
	}
}

// Registry is the device presence map. One mutex guards the map; socket
// I/O always happens outside it so a slow peer never blocks other devices.
type Registry struct {
	mu            sync.Mutex
	devices       map[string]*record
	staleTimeout  time.Duration
	pruneInterval time.Duration
	logger        *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewRegistry creates a registry with the given staleness policy.
func NewRegistry(staleTimeout, pruneInterval time.Duration, log *logger.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		devices:       make(map[string]*record),
		staleTimeout:  staleTimeout,
		pruneInterval: pruneInterval,
		logger:        log,
		metrics:       m,
		now:           time.Now,
	}
}

// Run prunes stale records on a fixed interval until ctx is done.
func (r *Registry) Run(done <-chan struct{}) {
	ticker := time.NewTicker(r.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.PruneStale(r.staleTimeout)
		case <-done:
			return
		}
	}
}

// Register installs a new connection for a device. The hello
// acknowledgment is sent before shared state changes; a prior live
// connection for the same ID is closed as superseded after the swap.
// lastPayload and commandsSent carry over from the previous record.
func (r *Registry) Register(deviceID string, conn Conn) (DeviceView, error) {
	r.PruneStale(r.staleTimeout)

	now := r.now()
	hello, err := payload.Message{
		"type":       payload.TypeHello,
		"deviceId":   deviceID,
		"acceptedAt": now.UTC().Format(time.RFC3339Nano),
	}.Encode()
	if err != nil {
		return DeviceView{}, err
	}
	if err := conn.WriteText(hello); err != nil {
		return DeviceView{}, fmt.Errorf("failed to send hello to device %s: %w", deviceID, err)
	}

	rec := &record{
		deviceID:    deviceID,
		conn:        conn,
		connectedAt: now,
		lastSeen:    now,
	}

	r.mu.Lock()
	var displaced Conn
	if prev, ok := r.devices[deviceID]; ok {
		displaced = prev.conn
		rec.lastPayload = prev.lastPayload
		rec.commandsSent = prev.commandsSent
	}
	r.devices[deviceID] = rec
	view := rec.view(now)
	connected := r.connectedCountLocked()
	r.mu.Unlock()

	if displaced != nil {
		r.closeQuietly(displaced, CodeSuperseded, "superseded", deviceID)
	}
	r.setConnectedGauge(connected)

	r.logger.Info("device registered", "deviceId", deviceID, "superseded", displaced != nil)
	return view, nil
}

// Unregister clears the connection handle and bumps lastSeen. The record
// itself is retained so snapshots keep its history. Unknown devices are a
// no-op.
func (r *Registry) Unregister(deviceID string) {
	r.PruneStale(r.staleTimeout)

	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if ok {
		rec.conn = nil
		rec.lastSeen = r.now()
	}
	connected := r.connectedCountLocked()
	r.mu.Unlock()

	if !ok {
		return
	}
	r.setConnectedGauge(connected)
	r.logger.Info("device unregistered", "deviceId", deviceID)
}

// UnregisterConn clears the handle only while conn is still the current
// one. A handler whose socket was superseded calls this on exit without
// dropping the replacement connection.
func (r *Registry) UnregisterConn(deviceID string, conn Conn) {
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if !ok || rec.conn != conn {
		r.mu.Unlock()
		return
	}
	rec.conn = nil
	rec.lastSeen = r.now()
	connected := r.connectedCountLocked()
	r.mu.Unlock()

	r.setConnectedGauge(connected)
	r.logger.Info("device unregistered", "deviceId", deviceID)
}

// Forward sends a serialized payload to a device. The attempt counter is
// incremented once a live connection is found, before the send, so it
// counts delivery attempts rather than confirmed receipts.
func (r *Registry) Forward(deviceID string, data []byte) error {
	r.PruneStale(r.staleTimeout)

	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if !ok || rec.conn == nil {
		r.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, ErrNotConnected)
	}
	rec.commandsSent++
	conn := rec.conn
	r.mu.Unlock()

	if err := conn.WriteText(data); err != nil {
		return fmt.Errorf("failed to send to device %s: %w", deviceID, err)
	}
	return nil
}

// UpdateLastSeen refreshes a device's lastSeen timestamp. The cached
// payload is replaced only when msg is non-nil, so pings and unparseable
// frames do not overwrite telemetry.
func (r *Registry) UpdateLastSeen(deviceID string, msg payload.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return
	}
	rec.lastSeen = r.now()
	if msg != nil {
		rec.lastPayload = msg
	}
}

// Snapshot returns a view of every known device. Ordering is unspecified.
func (r *Registry) Snapshot() []DeviceView {
	r.PruneStale(r.staleTimeout)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]DeviceView, 0, len(r.devices))
	for _, rec := range r.devices {
		views = append(views, rec.view(now))
	}
	return views
}

// PruneStale removes every record that has been silent longer than
// threshold and holds no live connection. Records with a live connection
// are never pruned regardless of lastSeen.
func (r *Registry) PruneStale(threshold time.Duration) {
	now := r.now()

	r.mu.Lock()
	var pruned []string
	for deviceID, rec := range r.devices {
		if rec.conn == nil && now.Sub(rec.lastSeen) > threshold {
			delete(r.devices, deviceID)
			pruned = append(pruned, deviceID)
		}
	}
	r.mu.Unlock()

	for _, deviceID := range pruned {
		r.logger.Info("pruned stale device", "deviceId", deviceID, "threshold", threshold)
	}
}

// ForceReset unconditionally removes a device record, closing its live
// connection if any. Returns whether a record existed.
func (r *Registry) ForceReset(deviceID string) bool {
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	connected := r.connectedCountLocked()
	r.mu.Unlock()

	if !ok {
		return false
	}
	if rec.conn != nil {
		r.closeQuietly(rec.conn, CodeReset, "administrative reset", deviceID)
	}
	r.setConnectedGauge(connected)
	r.logger.Info("device force reset", "deviceId", deviceID)
	return true
}

// CloseAll closes every still-live connection at shutdown. Each close is
// best-effort and independent of the others.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make(map[string]Conn)
	for deviceID, rec := range r.devices {
		if rec.conn != nil {
			conns[deviceID] = rec.conn
			rec.conn = nil
		}
	}
	r.mu.Unlock()

	for deviceID, conn := range conns {
		r.closeQuietly(conn, CodeShutdown, "shutting down", deviceID)
	}
	r.setConnectedGauge(0)
}

// closeQuietly attempts a close and discards any transport error.
func (r *Registry) closeQuietly(conn Conn, code int, reason, deviceID string) {
	if err := conn.Close(code, reason); err != nil {
		r.logger.Debug("error closing device connection",
			"deviceId", deviceID,
			"reason", reason,
			"error", err)
	}
}

func (r *Registry) connectedCountLocked() int {
	n := 0
	for _, rec := range r.devices {
		if rec.conn != nil {
			n++
		}
	}
	return n
}

func (r *Registry) setConnectedGauge(n int) {
	if r.metrics != nil {
		r.metrics.SetDevicesConnected(n)
	}
}
