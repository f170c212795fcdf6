// Package server exposes the websocket endpoints for devices and
// observers plus the HTTP control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"fleet-relay/config"
	"fleet-relay/internal/command"
	"fleet-relay/internal/fanout"
	"fleet-relay/internal/logger"
	"fleet-relay/internal/logstore"
	"fleet-relay/internal/metrics"
	"fleet-relay/internal/payload"
	"fleet-relay/internal/registry"
)

// version is reported by the health endpoint.
const version = "0.1.0"

// Store is the slice of the log store the server needs.
type Store interface {
	Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error)
	Reset(ctx context.Context) (*redis.Client, error)
}

// Server serves the device and observer websockets and the control API.
type Server struct {
	cfg      *config.Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	fanout   *fanout.Fanout
	store    Store
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// idleProbe is how long a device may stay silent before an
	// application ping is sent. Overridable in tests.
	idleProbe time.Duration
}

// NewServer wires the endpoints onto cfg.Server.Address.
func NewServer(cfg *config.Config, log *logger.Logger, m *metrics.Metrics,
	reg *registry.Registry, fan *fanout.Fanout, store Store) *Server {

	s := &Server{
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		registry: reg,
		fanout:   fan,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		idleProbe: 60 * time.Second,
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the route table. Split out so tests can drive the
// endpoints through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/device/{id}", s.handleDevice)
	mux.HandleFunc("GET /ws/status/{id}", s.handleStatusObserver)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("POST /api/devices/{id}/commands", s.handleEnqueueCommand)
	mux.HandleFunc("POST /api/devices/{id}/reset", s.handleForceReset)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "address", s.cfg.Server.Address)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// wsConn adapts a gorilla connection to the registry and fanout write
// interfaces. Writes are serialized; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.mu.Unlock()
	return c.conn.Close()
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("device upgrade failed", "deviceId", deviceID, "error", err)
		return
	}
	conn := &wsConn{conn: raw}

	if _, err := s.registry.Register(deviceID, conn); err != nil {
		s.logger.Error("device registration failed", "deviceId", deviceID, "error", err)
		raw.Close()
		return
	}
	defer s.registry.UnregisterConn(deviceID, conn)

	s.readDeviceFrames(r.Context(), deviceID, conn)
}

// readDeviceFrames consumes inbound frames until the socket errors out.
// A companion goroutine probes silent devices; read errors are permanent
// on a websocket connection, so the probe never touches the read side.
func (s *Server) readDeviceFrames(ctx context.Context, deviceID string, conn *wsConn) {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingOnSilence(deviceID, conn, &lastActivity, pingDone)

	for {
		msgType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("device socket closed unexpectedly",
					"deviceId", deviceID, "error", err)
			} else {
				s.logger.Info("device disconnected", "deviceId", deviceID)
			}
			return
		}
		lastActivity.Store(time.Now().UnixNano())
		if msgType != websocket.TextMessage {
			continue
		}

		s.handleDeviceFrame(ctx, deviceID, string(data))
	}
}

// pingOnSilence sends an application ping once a device has been silent
// for idleProbe. A failed send closes the socket, which unblocks the
// read loop.
func (s *Server) pingOnSilence(deviceID string, conn *wsConn, lastActivity *atomic.Int64, done chan struct{}) {
	timer := time.NewTimer(s.idleProbe)
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-timer.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle < s.idleProbe {
				timer.Reset(s.idleProbe - idle)
				continue
			}
			if err := s.sendPing(conn); err != nil {
				s.logger.Info("device ping failed, dropping connection",
					"deviceId", deviceID, "error", err)
				conn.conn.Close()
				return
			}
			timer.Reset(s.idleProbe)
		}
	}
}

func (s *Server) handleDeviceFrame(ctx context.Context, deviceID, text string) {
	msg, ok := payload.Parse(text)
	s.registry.UpdateLastSeen(deviceID, msg)

	kind := "telemetry"
	if ok {
		if t := msg.Type(); t != "" {
			kind = t
		}
	} else {
		kind = "discarded"
	}
	if s.metrics != nil {
		s.metrics.IncFramesTotal(kind)
	}
	if !ok {
		s.logger.Debug("discarding non-object device frame", "deviceId", deviceID)
		return
	}

	// The stream carries the normalized telemetry body, including the
	// defaulted type and the raw wrap, not the frame as received
	body, err := msg.Encode()
	if err != nil {
		s.logger.Warn("failed to encode device frame", "deviceId", deviceID, "error", err)
		return
	}

	values := map[string]interface{}{
		"deviceId":   deviceID,
		"payload":    string(body),
		"receivedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.store.Append(ctx, s.cfg.Redis.StatusStream, values, s.cfg.Redis.StatusMaxLen); err != nil {
		s.logger.Warn("failed to append device frame to status stream",
			"deviceId", deviceID, "error", err)
		if logstore.IsConnError(err) {
			if _, rerr := s.store.Reset(ctx); rerr != nil {
				s.logger.Error("store connection reset failed", "error", rerr)
			} else if s.metrics != nil {
				s.metrics.IncStoreReconnects()
			}
		}
	}
}

func (s *Server) sendPing(conn *wsConn) error {
	frame := payload.Message{
		"type":      payload.TypePing,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return conn.WriteText(data)
}

func (s *Server) handleStatusObserver(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("observer upgrade failed", "deviceId", deviceID, "error", err)
		return
	}
	conn := &wsConn{conn: raw}

	s.fanout.Subscribe(deviceID, conn)
	defer func() {
		s.fanout.Unsubscribe(deviceID, conn)
		raw.Close()
	}()

	// Observers only receive; drain the socket until it closes so we
	// notice the disconnect
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.registry.Snapshot(),
	})
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var body command.Payload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "request body is not a valid command",
		})
		return
	}

	cmd := command.StreamCommand{DeviceID: deviceID, Payload: body}
	if err := cmd.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.Timestamp == "" {
		cmd.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	entryID, err := s.store.Append(r.Context(), s.cfg.Redis.CommandStream, cmd.EntryValues(), s.cfg.Redis.CommandMaxLen)
	if err != nil {
		s.logger.Error("failed to enqueue command",
			"deviceId", deviceID, "error", err)
		status := http.StatusInternalServerError
		if logstore.IsConnError(err) {
			status = http.StatusServiceUnavailable
			if _, rerr := s.store.Reset(r.Context()); rerr == nil && s.metrics != nil {
				s.metrics.IncStoreReconnects()
			}
		}
		writeJSON(w, status, map[string]interface{}{
			"error": "command could not be queued",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "queued",
		"commandId": cmd.CommandID,
		"entryId":   entryID,
	})
}

func (s *Server) handleForceReset(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if !s.registry.ForceReset(deviceID) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "device not connected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reset",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   version,
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
