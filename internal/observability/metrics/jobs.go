// Package metrics names the StatsD metrics the scheduler, the workers and
// the archivist emit, and provides helpers for uniform tagging.
package metrics

import (
	"time"

	obserrors "github.com/chaoss/grimoirelab-core/internal/observability/errors"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Metric names. Counters unless noted.
const (
	MetricTasksScheduled   = "tasks.scheduled"
	MetricTasksRescheduled = "tasks.rescheduled"
	MetricTasksCanceled    = "tasks.canceled"
	MetricTasksFailed      = "tasks.failed"

	MetricJobsEnqueued  = "jobs.enqueued"
	MetricJobsCompleted = "jobs.completed"
	MetricJobsFailed    = "jobs.failed"
	MetricJobsCanceled  = "jobs.canceled"
	MetricJobsExpired   = "jobs.expired"
	MetricJobsReaped    = "jobs.reaped"

	MetricEventsPublished = "events.published"
	MetricEventsIndexed   = "events.indexed"
	MetricEventsRejected  = "events.rejected"
	MetricEventsDropped   = "events.dropped"

	// MetricQueueDepth is a gauge of enqueued jobs per queue.
	MetricQueueDepth = "queue.depth"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	TaskType   string
	Queue      string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"task_type":  in.TaskType,
		"queue":      in.Queue,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
