package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Source is the outbox view of the store: committed events not yet shipped.
type Source interface {
	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, seq uint64, archiveKey string, at time.Time) error
}

// Publisher pushes an event to a message broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Archiver stores an event in object storage and returns the object key.
type Archiver interface {
	Archive(ctx context.Context, ev Event) (string, error)
}

// RelayConfig configures the outbox relay. Zero fields get defaults.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// EventTimeout bounds publish+archive for a single event.
	EventTimeout time.Duration
}

// Relay ships committed events from the store to the configured publisher and
// archiver, in Seq order. An event is marked published only after both sinks
// accepted it; on failure the batch stops so later events never overtake it.
type Relay struct {
	source    Source
	publisher Publisher
	archiver  Archiver
	cfg       RelayConfig
	logger    *slog.Logger
	observe   func(result string)
	now       func() time.Time
}

// NewRelay builds a relay. publisher and archiver may be nil.
func NewRelay(source Source, publisher Publisher, archiver Archiver, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		archiver:  archiver,
		cfg:       cfg,
		logger:    logger.With("component", "eventlog.relay"),
		observe:   func(string) {},
		now:       time.Now,
	}
}

// OnResult registers a callback invoked with "published" or "failed" per event.
func (r *Relay) OnResult(fn func(result string)) {
	if fn == nil {
		fn = func(string) {}
	}
	r.observe = fn
}

// Run polls until ctx is cancelled, then closes the publisher.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay starting", "batch", r.cfg.BatchSize, "poll", r.cfg.PollInterval.String())
	defer func() {
		if r.publisher != nil {
			if err := r.publisher.Close(); err != nil {
				r.logger.Warn("close publisher", "error", err)
			}
		}
		r.logger.Info("relay stopped")
	}()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := r.Flush(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("relay batch", "error", err, "shipped", n)
		}
		// A full batch means there is probably more waiting.
		if err == nil && n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush ships one batch and returns how many events were marked published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.source.PendingEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	shipped := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return shipped, err
		}
		if err := r.ship(ctx, ev); err != nil {
			r.observe("failed")
			return shipped, fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		r.observe("published")
		shipped++
	}
	return shipped, nil
}

func (r *Relay) ship(parent context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(parent, r.cfg.EventTimeout)
	defer cancel()

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	var key string
	if r.archiver != nil {
		k, err := r.archiver.Archive(ctx, ev)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		key = k
	}
	// Mark with the parent context so a timed-out sink does not strand a
	// delivered event as pending.
	if err := r.source.MarkPublished(parent, ev.Seq, key, r.now().UTC()); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	r.logger.Debug("event shipped", "seq", ev.Seq, "type", ev.Type, "archive_key", key)
	return nil
}
