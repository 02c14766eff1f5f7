package archivist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
)

// Pool runs a fixed set of consumers sharing one consumer group.
type Pool struct {
	consumers []*Consumer
	source    EventSource
	indexer   EventIndexer
	logger    *slog.Logger
	group     string
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Source  EventSource
	Indexer EventIndexer
	Logger  *slog.Logger
	Metrics statsd.Sink

	// Group names the consumer group. Consumer names derive from it, so
	// two pools on the same stream need distinct groups.
	Group string
	// Consumers is the pool size; defaults to 1.
	Consumers int

	BulkSize     int64
	Block        time.Duration
	ClaimIdle    time.Duration
	EventsFilter string
}

// NewPool creates a pool of consumers. Consumer names are derived from the
// group name and slot number so a restarted pool keeps the same identities
// and reclaims its own pending entries.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Source == nil {
		return nil, errors.New("event source is required")
	}
	if opts.Indexer == nil {
		return nil, errors.New("indexer is required")
	}
	if opts.Group == "" {
		return nil, errors.New("consumer group is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := opts.Consumers
	if size <= 0 {
		size = 1
	}

	consumers := make([]*Consumer, 0, size)
	for i := range size {
		consumer, err := NewConsumer(ConsumerOptions{
			Source:       opts.Source,
			Indexer:      opts.Indexer,
			Logger:       logger,
			Metrics:      opts.Metrics,
			Group:        opts.Group,
			Name:         fmt.Sprintf("%s-%d", opts.Group, i),
			BulkSize:     opts.BulkSize,
			Block:        opts.Block,
			ClaimIdle:    opts.ClaimIdle,
			EventsFilter: opts.EventsFilter,
		})
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, consumer)
	}

	return &Pool{
		consumers: consumers,
		source:    opts.Source,
		indexer:   opts.Indexer,
		logger:    logger,
		group:     opts.Group,
	}, nil
}

// Size returns the number of consumers in the pool.
func (p *Pool) Size() int {
	return len(p.consumers)
}

// Run prepares the index and the consumer group, then runs every consumer
// until the context ends or one of them fails.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.indexer.EnsureIndex(ctx); err != nil {
		return err
	}
	if err := p.source.EnsureGroup(ctx, p.group); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "starting archivist pool",
		"group", p.group, "consumers", len(p.consumers))

	group, gctx := errgroup.WithContext(ctx)
	for _, consumer := range p.consumers {
		group.Go(func() error { return consumer.Run(gctx) })
	}
	return group.Wait()
}
