// Package logstore owns the shared connection to the Redis stream store.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-relay/internal/logger"
)

const (
	// Bounded reconnect policy applied to every command issued on the
	// client, including the validation ping.
	connectRetries  = 5
	minRetryBackoff = 8 * time.Millisecond
	maxRetryBackoff = time.Second

	dialTimeout = 5 * time.Second
)

// Entry is one stream record: an opaque, totally ordered ID and a flat
// string field map.
type Entry struct {
	ID     string
	Values map[string]string
}

// DialFunc constructs and validates one client connection.
type DialFunc func(ctx context.Context) (*redis.Client, error)

// Store holds zero or one live client to the stream store and replaces it
// exclusively on failure. The lock guards (re)construction only; stream
// calls run on the handle outside it.
type Store struct {
	mu     sync.Mutex
	client *redis.Client
	dial   DialFunc
	logger *logger.Logger
}

// NewStore creates a store for the given redis URL. The URL is parsed
// eagerly so a malformed address fails at startup; the first connection is
// established lazily by Get.
func NewStore(url string, log *logger.Logger) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.MaxRetries = connectRetries
	opt.MinRetryBackoff = minRetryBackoff
	opt.MaxRetryBackoff = maxRetryBackoff
	opt.DialTimeout = dialTimeout

	dial := func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return client, nil
	}

	return NewStoreWithDial(dial, log), nil
}

// NewStoreWithDial creates a store with a custom dial function (for testing)
func NewStoreWithDial(dial DialFunc, log *logger.Logger) *Store {
	return &Store{
		dial:   dial,
		logger: log,
	}
}

// Get returns the current client, lazily creating one if needed.
func (s *Store) Get(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		return client, nil
	}
	return s.Reset(ctx)
}

// Reset closes and discards any existing client, then dials a replacement
// validated by a ping before it is published. On failure no client is
// published and the next Get retries from scratch.
func (s *Store) Reset(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("error closing stale store client", "error", err)
		}
		s.client = nil
	}

	client, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream store: %w", err)
	}

	s.client = client
	s.logger.Info("stream store connection established")
	return client, nil
}

// Close discards the current client, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Append adds an entry to a stream, trimming it to approximately maxLen
// entries. Returns the assigned entry ID.
func (s *Store) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	client, err := s.Get(ctx)
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// ReadAfter returns up to count entries with IDs strictly after cursor, in
// stream order, blocking up to block when none are available yet. An empty
// result with a nil error means the wait timed out, which is not an error.
func (s *Store) ReadAfter(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]Entry, error) {
	client, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	res, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	var entries []Entry
	for _, sr := range res {
		for _, msg := range sr.Messages {
			entries = append(entries, Entry{
				ID:     msg.ID,
				Values: stringValues(msg.Values),
			})
		}
	}
	return entries, nil
}

// Delete removes entries from a stream by ID.
func (s *Store) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	client, err := s.Get(ctx)
	if err != nil {
		return err
	}

	if err := client.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("failed to delete from stream %s: %w", stream, err)
	}
	return nil
}

// IsConnError reports whether err is a connection-class store failure that
// a Reset may heal. Cancellation is not a connection failure.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
