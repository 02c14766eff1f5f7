package eventizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	"github.com/chaoss/grimoirelab-core/internal/observability/metrics"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
)

// ErrCancelRequested stops a run whose job was flagged for cancellation
// while it was fetching. The progress returned alongside it reflects the
// work done up to the last published item.
var ErrCancelRequested = errors.New("job cancel requested")

// Recorder receives the live progress of a running job: log lines for the
// job trail and progress checkpoints that double as cancellation probes.
type Recorder interface {
	Log(level, msg string)
	// Checkpoint persists a progress snapshot and reports whether a cancel
	// has been requested for the job.
	Checkpoint(ctx context.Context, progress json.RawMessage) (bool, error)
}

// PublisherFactory opens the event publisher for a named stream. Runs name
// their stream through job arguments, so the publisher is resolved per run.
type PublisherFactory func(stream string, maxLength int64) (core.EventPublisher, error)

// defaultCheckpointEvery is the number of items between progress
// checkpoints. Checkpoints also probe for cancellation, so the value bounds
// how long a canceled job keeps fetching.
const defaultCheckpointEvery = 10

// Chronicler fetches items from datasource backends, converts them into
// events and publishes them to the event stream.
type Chronicler struct {
	newPublisher    PublisherFactory
	checkpointEvery int
	metrics         statsd.Sink
	logger          *slog.Logger
}

// ChroniclerOptions configures a Chronicler.
type ChroniclerOptions struct {
	NewPublisher    PublisherFactory
	CheckpointEvery int
	Metrics         statsd.Sink
	Logger          *slog.Logger
}

// NewChronicler creates a Chronicler publishing through the given factory.
func NewChronicler(opts ChroniclerOptions) (*Chronicler, error) {
	if opts.NewPublisher == nil {
		return nil, errors.New("publisher factory is required")
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Chronicler{
		newPublisher:    opts.NewPublisher,
		checkpointEvery: opts.CheckpointEvery,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With("component", "chronicler"),
	}, nil
}

// RunParams describes one eventizer run.
type RunParams struct {
	JobID           string
	DatasourceType  string
	Category        string
	Stream          string
	StreamMaxLength int64
	BackendArgs     map[string]any
	Recorder        Recorder
}

// Run fetches every item the backend yields for the given arguments,
// publishes their events and returns the run summary. The returned progress
// is valid even on error: it covers everything published before the run
// stopped. A run interrupted by a cancel request returns ErrCancelRequested.
func (c *Chronicler) Run(ctx context.Context, params RunParams) (*model.ChroniclerProgress, error) {
	progress := &model.ChroniclerProgress{
		JobID:    params.JobID,
		Backend:  params.DatasourceType,
		Category: params.Category,
		Summary:  &model.Summary{},
	}

	backend, err := NewBackend(params.DatasourceType)
	if err != nil {
		return progress, err
	}
	publisher, err := c.newPublisher(params.Stream, params.StreamMaxLength)
	if err != nil {
		return progress, fmt.Errorf("open events stream %s: %w", params.Stream, err)
	}

	iter, err := backend.Fetch(ctx, params.Category, params.BackendArgs)
	if err != nil {
		return progress, err
	}
	defer iter.Close()

	c.note(ctx, params.Recorder, "INFO",
		fmt.Sprintf("fetching %s %s items for job %s", params.DatasourceType, params.Category, params.JobID))

	published := 0
	// Interrupted runs still report what they pushed before stopping.
	defer func() {
		if published > 0 && c.metrics != nil {
			c.metrics.Count(metrics.MetricEventsPublished, int64(published),
				map[string]string{"backend": params.DatasourceType, "category": params.Category})
		}
	}()
	sinceCheckpoint := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		item := iter.Item()
		if item.Skipped {
			progress.Summary.UpdateSkipped()
			continue
		}

		events, err := backend.Eventize(item)
		if err != nil {
			return progress, fmt.Errorf("eventize item %s: %w", item.UUID, err)
		}
		for _, event := range events {
			if err := publisher.Publish(ctx, event); err != nil {
				return progress, fmt.Errorf("publish event %s: %w", event.ID, err)
			}
		}
		published += len(events)
		progress.Summary.UpdateItem(item.UUID, item.UpdatedOn, item.Offset)

		sinceCheckpoint++
		if sinceCheckpoint >= c.checkpointEvery {
			sinceCheckpoint = 0
			canceled, err := c.checkpoint(ctx, params.Recorder, progress)
			if err != nil {
				return progress, err
			}
			if canceled {
				c.note(ctx, params.Recorder, "WARNING",
					fmt.Sprintf("job %s canceled after %d items", params.JobID, progress.Summary.Fetched))
				return progress, ErrCancelRequested
			}
		}
	}
	if err := iter.Err(); err != nil {
		return progress, err
	}

	if _, err := c.checkpoint(ctx, params.Recorder, progress); err != nil {
		return progress, err
	}
	c.note(ctx, params.Recorder, "INFO",
		fmt.Sprintf("job %s finished: %d items, %d events", params.JobID, progress.Summary.Fetched, published))
	return progress, nil
}

func (c *Chronicler) checkpoint(ctx context.Context, rec Recorder, progress *model.ChroniclerProgress) (bool, error) {
	if rec == nil {
		return false, nil
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return false, fmt.Errorf("marshal progress: %w", err)
	}
	canceled, err := rec.Checkpoint(ctx, raw)
	if err != nil {
		return false, fmt.Errorf("checkpoint progress: %w", err)
	}
	return canceled, nil
}

// note records a log line on both the job trail and the service log.
func (c *Chronicler) note(ctx context.Context, rec Recorder, level, msg string) {
	if rec != nil {
		rec.Log(level, msg)
	}
	c.logger.InfoContext(ctx, msg)
}
