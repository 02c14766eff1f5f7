// Package archivist consumes events from the stream and stores them in the
// search index. A pool of consumers shares one consumer group, so each
// event is delivered to exactly one member; entries left pending by dead
// consumers are reclaimed and retried one at a time.
package archivist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/observability/metrics"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
)

const (
	defaultBulkSize  = 100
	defaultBlock     = 5 * time.Second
	defaultClaimIdle = 5 * time.Minute
)

// EventSource is the stream side the consumer reads from, implemented by
// data.EventStream.
type EventSource interface {
	EnsureGroup(ctx context.Context, group string) error
	Read(ctx context.Context, params data.ReadParams) ([]data.StreamEntry, error)
	ClaimPending(ctx context.Context, params data.ClaimParams) ([]data.StreamEntry, error)
	Ack(ctx context.Context, group string, messageIDs ...string) error
}

// Consumer reads events from the stream and bulk-writes them to the index.
type Consumer struct {
	source     EventSource
	indexer    EventIndexer
	logger     *slog.Logger
	metrics    statsd.Sink
	group      string
	name       string
	bulkSize   int64
	filter     jmespath.JMESPath
	filterExpr string
	block      time.Duration
	claimIdle  time.Duration
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Source  EventSource
	Indexer EventIndexer
	Logger  *slog.Logger
	Metrics statsd.Sink

	// Group and Name identify the consumer within its group. Names must
	// be stable across restarts so a restarted consumer picks up its own
	// pending entries.
	Group string
	Name  string

	// BulkSize caps how many events one index request carries.
	BulkSize int64
	// Block bounds how long a read waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an entry must sit pending before another
	// consumer may take it over.
	ClaimIdle time.Duration
	// EventsFilter is an optional JMESPath expression; events it matches
	// are acknowledged without being indexed.
	EventsFilter string
}

// NewConsumer creates a Consumer bound to a group and name.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Source == nil {
		return nil, errors.New("event source is required")
	}
	if opts.Indexer == nil {
		return nil, errors.New("indexer is required")
	}
	if opts.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	if opts.Name == "" {
		return nil, errors.New("consumer name is required")
	}

	var filter jmespath.JMESPath
	if opts.EventsFilter != "" {
		compiled, err := jmespath.Compile(opts.EventsFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid events filter %q: %w", opts.EventsFilter, err)
		}
		filter = compiled
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("group", opts.Group, "consumer", opts.Name)

	bulkSize := opts.BulkSize
	if bulkSize <= 0 {
		bulkSize = defaultBulkSize
	}
	block := opts.Block
	if block <= 0 {
		block = defaultBlock
	}
	claimIdle := opts.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = defaultClaimIdle
	}

	return &Consumer{
		source:     opts.Source,
		indexer:    opts.Indexer,
		logger:     logger,
		metrics:    opts.Metrics,
		group:      opts.Group,
		name:       opts.Name,
		bulkSize:   bulkSize,
		filter:     filter,
		filterExpr: opts.EventsFilter,
		block:      block,
		claimIdle:  claimIdle,
	}, nil
}

// Run consumes the stream until the context ends. Each cycle first reclaims
// entries left pending longer than the claim-idle threshold, then reads new
// ones.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "archivist consumer started", "bulk_size", c.bulkSize)

	for ctx.Err() == nil {
		if err := c.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	return ctx.Err()
}

func (c *Consumer) cycle(ctx context.Context) error {
	claimed, err := c.source.ClaimPending(ctx, data.ClaimParams{
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.claimIdle,
		Count:    c.bulkSize,
	})
	if err != nil {
		return fmt.Errorf("claim pending entries: %w", err)
	}
	if len(claimed) > 0 {
		c.logger.InfoContext(ctx, "recovering stale entries", "entries", len(claimed))
		if err := c.process(ctx, claimed, true); err != nil {
			return err
		}
	}

	entries, err := c.source.Read(ctx, data.ReadParams{
		Group:    c.group,
		Consumer: c.name,
		Count:    c.bulkSize,
		Block:    c.block,
	})
	if err != nil {
		return fmt.Errorf("read entries: %w", err)
	}
	return c.process(ctx, entries, false)
}

// process indexes entries in batches and acknowledges the ones the index
// accepted. Recovery sends one entry per request so a single oversized
// entry cannot wedge a whole batch again.
func (c *Consumer) process(ctx context.Context, entries []data.StreamEntry, recovery bool) error {
	if len(entries) == 0 {
		return nil
	}

	batchSize := int(c.bulkSize)
	if recovery {
		batchSize = 1
	}

	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := c.flush(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// flush sends one batch to the index. Entries the filter matches and
// entries that are not valid events are acknowledged without indexing;
// entries the index rejects stay pending for a later retry.
func (c *Consumer) flush(ctx context.Context, entries []data.StreamEntry) error {
	docs := make([]Document, 0, len(entries))
	ackable := make(map[string]string, len(entries))
	var dropped []string

	for _, entry := range entries {
		var event map[string]any
		if err := json.Unmarshal(entry.Event, &event); err != nil {
			c.logger.WarnContext(ctx, "discarding malformed event",
				"message_id", entry.MessageID, "error", err)
			dropped = append(dropped, entry.MessageID)
			continue
		}
		id, _ := event["id"].(string)
		if id == "" {
			c.logger.WarnContext(ctx, "discarding event without id", "message_id", entry.MessageID)
			dropped = append(dropped, entry.MessageID)
			continue
		}

		if c.filter != nil {
			match, err := c.filter.Search(event)
			if err != nil {
				c.logger.WarnContext(ctx, "events filter failed",
					"filter", c.filterExpr, "event_id", id, "error", err)
			} else if isTruthy(match) {
				dropped = append(dropped, entry.MessageID)
				continue
			}
		}

		docs = append(docs, Document{ID: id, Body: entry.Event})
		ackable[id] = entry.MessageID
	}

	if err := c.source.Ack(ctx, c.group, dropped...); err != nil {
		return fmt.Errorf("ack dropped entries: %w", err)
	}
	if len(dropped) > 0 && c.metrics != nil {
		c.metrics.Count(metrics.MetricEventsDropped, int64(len(dropped)), map[string]string{"group": c.group})
	}
	if len(docs) == 0 {
		return nil
	}

	inserted, failedIDs, err := c.indexer.Bulk(ctx, docs)
	if err != nil {
		// The batch stays pending and is retried in recovery mode once
		// its entries go stale.
		c.logger.ErrorContext(ctx, "bulk write failed", "entries", len(docs), "error", err)
		return nil
	}
	if inserted == 0 {
		return nil
	}

	for _, id := range failedIDs {
		delete(ackable, id)
	}
	ids := make([]string, 0, len(ackable))
	for _, messageID := range ackable {
		ids = append(ids, messageID)
	}
	if err := c.source.Ack(ctx, c.group, ids...); err != nil {
		return fmt.Errorf("ack indexed entries: %w", err)
	}
	return nil
}

// isTruthy applies JMESPath truth rules: null, false, empty strings, empty
// lists and empty objects are false; everything else, numbers included, is
// true.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
