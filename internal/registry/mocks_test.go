package registry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fleet-relay/config"
	"fleet-relay/internal/logger"
)

// mockConn implements Conn for testing
type mockConn struct {
	mu        sync.Mutex
	frames    [][]byte
	writeErr  error
	closeErr  error
	closed    bool
	closeCode int
	reason    string
}

func (c *mockConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *mockConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.reason = reason
	return c.closeErr
}

func (c *mockConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *mockConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *mockConn) lastFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	frames := c.sentFrames()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(frames[len(frames)-1], &decoded); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return decoded
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	log, err := logger.NewLogger(&config.LoggingConfig{Level: "error", LogToStdout: true})
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(600*time.Second, 30*time.Second, log, nil)
	reg.now = clock.Now
	return reg, clock
}

// fakeClock drives registry time in tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
