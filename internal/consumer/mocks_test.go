package consumer

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-relay/config"
	"fleet-relay/internal/logger"
	"fleet-relay/internal/logstore"
)

// mockStore implements Store over an in-memory ordered entry list
type mockStore struct {
	mu       sync.Mutex
	entries  []logstore.Entry // ascending by ID
	deleted  []string
	readErrs []error // queued errors returned before reads succeed again
	resets   int
}

func (s *mockStore) add(id string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, logstore.Entry{ID: id, Values: values})
}

func (s *mockStore) failNextRead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs = append(s.readErrs, err)
}

func (s *mockStore) ReadAfter(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]logstore.Entry, error) {
	s.mu.Lock()
	if len(s.readErrs) > 0 {
		err := s.readErrs[0]
		s.readErrs = s.readErrs[1:]
		s.mu.Unlock()
		return nil, err
	}

	var out []logstore.Entry
	for _, e := range s.entries {
		if idAfter(e.ID, cursor) {
			out = append(out, e)
			if int64(len(out)) >= count {
				break
			}
		}
	}
	s.mu.Unlock()

	if len(out) == 0 {
		// Simulate a short blocking wait that times out empty
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (s *mockStore) Delete(ctx context.Context, stream string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.deleted = append(s.deleted, id)
		for i, e := range s.entries {
			if e.ID == id {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *mockStore) Reset(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil, nil
}

func (s *mockStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deleted))
	copy(out, s.deleted)
	return out
}

func (s *mockStore) remaining() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		out = append(out, e.ID)
	}
	return out
}

func (s *mockStore) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// idAfter reports whether id sorts strictly after cursor in ms-seq order
func idAfter(id, cursor string) bool {
	if cursor == "$" {
		return false
	}
	idMs, idSeq := splitID(id)
	curMs, curSeq := splitID(cursor)
	if idMs != curMs {
		return idMs > curMs
	}
	return idSeq > curSeq
}

func splitID(id string) (int64, int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&config.LoggingConfig{Level: "error", LogToStdout: true})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
