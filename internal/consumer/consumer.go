// Package consumer implements the generic cursor-tailing loop over one
// stream of the log store.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-relay/internal/logger"
	"fleet-relay/internal/logstore"
	"fleet-relay/internal/metrics"
)

var (
	// ErrUnavailable marks an entry whose recipient cannot accept it
	// right now. In acknowledge mode the entry stays in the stream for a
	// later redelivery attempt.
	ErrUnavailable = errors.New("recipient unavailable")

	// ErrMalformed marks an entry that can never be applied. It is
	// dropped with a warning and, in acknowledge mode, deleted.
	ErrMalformed = errors.New("malformed entry")
)

// ApplyFunc processes one stream entry. It returns nil on success, an
// error wrapping ErrUnavailable or ErrMalformed for the recognized
// outcomes, or any other error for an unexpected failure.
type ApplyFunc func(ctx context.Context, entry logstore.Entry) error

// Store is the slice of the log store a consumer needs.
type Store interface {
	ReadAfter(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]logstore.Entry, error)
	Delete(ctx context.Context, stream string, ids ...string) error
	Reset(ctx context.Context) (*redis.Client, error)
}

// Config parameterizes one consumer instance.
type Config struct {
	Stream         string
	Start          string        // initial cursor
	BatchSize      int64         // entries per read, default 20
	BlockTimeout   time.Duration // bounded wait per read, default 5s
	RetryDelay     time.Duration // pause after unexpected errors and redelivery rewinds, default 1s
	ConnRetryDelay time.Duration // pause after connection-class read errors, default 500ms
	Acknowledge    bool          // delete successfully applied entries
}

// Consumer tails one stream from a cursor, applying each entry in stream
// order. The cursor only moves forward within a pass; in acknowledge mode
// it rewinds to just before the oldest entry left in place so undelivered
// entries are re-read.
type Consumer struct {
	cfg     Config
	store   Store
	apply   ApplyFunc
	logger  *logger.Logger
	metrics *metrics.Metrics
	cursor  string
}

// New creates a consumer positioned at cfg.Start.
func New(cfg Config, store Store, apply ApplyFunc, log *logger.Logger, m *metrics.Metrics) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ConnRetryDelay <= 0 {
		cfg.ConnRetryDelay = 500 * time.Millisecond
	}

	return &Consumer{
		cfg:     cfg,
		store:   store,
		apply:   apply,
		logger:  log,
		metrics: m,
		cursor:  cfg.Start,
	}
}

// Cursor returns the consumer's current stream position.
func (c *Consumer) Cursor() string {
	return c.cursor
}

// Run tails the stream until ctx is cancelled. Cancellation is observed
// between complete entry-apply cycles, never mid-entry.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("stream consumer started",
		"stream", c.cfg.Stream,
		"cursor", c.cursor,
		"acknowledge", c.cfg.Acknowledge)

	for {
		if ctx.Err() != nil {
			c.logger.Info("stream consumer stopped", "stream", c.cfg.Stream)
			return
		}

		entries, err := c.store.ReadAfter(ctx, c.cfg.Stream, c.cursor, c.cfg.BatchSize, c.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("stream consumer stopped", "stream", c.cfg.Stream)
				return
			}
			c.handleReadError(ctx, err)
			continue
		}
		if len(entries) == 0 {
			// Bounded wait timed out with nothing new; not an error
			continue
		}

		rewind := ""
		for _, entry := range entries {
			if ctx.Err() != nil {
				c.logger.Info("stream consumer stopped", "stream", c.cfg.Stream)
				return
			}

			// Advance before apply so a restart from a persisted cursor
			// does not reread an already-applied entry
			prev := c.cursor
			c.cursor = entry.ID

			switch err := c.apply(ctx, entry); {
			case err == nil:
				c.incEntry("applied")
				if c.cfg.Acknowledge {
					c.ack(ctx, entry.ID)
				}
			case errors.Is(err, ErrUnavailable):
				c.incEntry("left")
				c.logger.Warn("entry left for redelivery",
					"stream", c.cfg.Stream,
					"id", entry.ID,
					"error", err)
				if c.cfg.Acknowledge && rewind == "" {
					rewind = prev
				}
			case errors.Is(err, ErrMalformed):
				c.incEntry("malformed")
				c.logger.Warn("dropping malformed entry",
					"stream", c.cfg.Stream,
					"id", entry.ID,
					"error", err)
				if c.cfg.Acknowledge {
					c.ack(ctx, entry.ID)
				}
			default:
				c.incEntry("error")
				c.logger.Error("failed to apply entry",
					"stream", c.cfg.Stream,
					"id", entry.ID,
					"error", err)
			}
		}

		if rewind != "" {
			// Re-read undelivered entries on the next pass; pace the loop
			// so an offline recipient does not busy-spin it
			c.cursor = rewind
			c.pause(ctx, c.cfg.RetryDelay)
		}
	}
}

func (c *Consumer) handleReadError(ctx context.Context, err error) {
	if logstore.IsConnError(err) {
		c.logger.Warn("stream read failed, resetting store connection",
			"stream", c.cfg.Stream,
			"error", err)
		if _, rerr := c.store.Reset(ctx); rerr != nil {
			c.logger.Error("store connection reset failed",
				"stream", c.cfg.Stream,
				"error", rerr)
		}
		if c.metrics != nil {
			c.metrics.IncStoreReconnects()
		}
		c.pause(ctx, c.cfg.ConnRetryDelay)
		return
	}
	c.logger.Error("stream read error",
		"stream", c.cfg.Stream,
		"error", err)
	c.pause(ctx, c.cfg.RetryDelay)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.store.Delete(ctx, c.cfg.Stream, id); err != nil {
		c.logger.Warn("unable to delete acknowledged entry",
			"stream", c.cfg.Stream,
			"id", id,
			"error", err)
	}
}

func (c *Consumer) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) incEntry(outcome string) {
	if c.metrics != nil {
		c.metrics.IncStreamEntries(c.cfg.Stream, outcome)
	}
}
