package scheduler

import (
	"context"
	"strings"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/eventizer"
)

var eventizerFields = []fieldSpec{
	{name: "datasource_type", kind: fieldString, required: true, def: ""},
	{name: "datasource_category", kind: fieldString, required: true, def: ""},
}

// newEventizerType builds the descriptor for tasks that fetch items from a
// datasource and publish them to the event stream as events.
func newEventizerType(opts DefaultsOptions) *TaskType {
	return &TaskType{
		Tag:                 TypeEventizer,
		Queue:               opts.EventizerQueue,
		JobFunc:             JobFuncChronicler,
		CanRetry:            true,
		NewExtraFields:      newFieldsFactory(eventizerFields),
		ValidateExtraFields: newFieldsValidator(eventizerFields),
		PrepareJobArgs:      prepareEventizerArgs(opts.EventsStream, opts.StreamMaxLength),
	}
}

func prepareEventizerArgs(stream string, maxLength int64) PrepareFunc {
	return func(ctx context.Context, params PrepareParams) (map[string]any, error) {
		task := params.Task
		dsType := stringField(task.ExtraFields, "datasource_type")
		dsCategory := stringField(task.ExtraFields, "datasource_category")
		if dsType == "" || dsCategory == "" {
			return nil, apperrors.Validationf("task %s is missing its datasource fields", task.UUID)
		}

		jobArgs, err := nextRunArgs(ctx, params, dsType)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"datasource_type":     dsType,
			"datasource_category": dsCategory,
			"events_stream":       stream,
			"stream_max_length":   maxLength,
			"job_args":            jobArgs,
		}, nil
	}
}

// nextRunArgs picks the argument strategy from the task status: first runs
// start from the user arguments, completed runs resume from the previous
// high-water mark, recovering runs replay from the last checkpoint, and
// canceled runs repeat the canceled job as-is.
func nextRunArgs(ctx context.Context, params PrepareParams, dsType string) (map[string]any, error) {
	task := params.Task
	gen := eventizer.ArgumentGeneratorFor(dsType)

	switch task.Status {
	case model.StatusCompleted:
		prev, progress, err := latestRun(ctx, params)
		if err != nil {
			return nil, err
		}
		if progress == nil {
			return gen.InitialArgs(task.TaskArgs), nil
		}
		return gen.ResumingArgs(innerJobArgs(prev), progress), nil
	case model.StatusRecovery:
		prev, progress, err := latestRun(ctx, params)
		if err != nil {
			return nil, err
		}
		if progress == nil {
			return gen.InitialArgs(task.TaskArgs), nil
		}
		return gen.RecoveryArgs(innerJobArgs(prev), progress), nil
	case model.StatusCanceled:
		prev, err := params.History.LatestByTask(ctx, task.UUID)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.Status == model.StatusCanceled {
			if inner := innerJobArgs(prev); inner != nil {
				return inner, nil
			}
		}
		return gen.InitialArgs(task.TaskArgs), nil
	default:
		return gen.InitialArgs(task.TaskArgs), nil
	}
}

// latestRun loads the most recent job and its parsed progress. The
// progress is nil when the task never ran or the run left none behind.
func latestRun(ctx context.Context, params PrepareParams) (*model.Job, *model.ChroniclerProgress, error) {
	prev, err := params.History.LatestByTask(ctx, params.Task.UUID)
	if err != nil || prev == nil {
		return nil, nil, err
	}
	progress, err := parseJobProgress(prev)
	if err != nil {
		return nil, nil, err
	}
	return prev, progress, nil
}

// parseJobProgress decodes the progress a job left behind. Jobs that
// never checkpointed report nil.
func parseJobProgress(job *model.Job) (*model.ChroniclerProgress, error) {
	raw := strings.TrimSpace(string(job.Progress))
	if raw == "" || raw == "null" || raw == "{}" {
		return nil, nil
	}
	progress, err := model.ParseChroniclerProgress(job.Progress)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeInternal, "job %s has malformed progress", job.UUID)
	}
	return progress, nil
}

// innerJobArgs extracts the backend arguments nested inside a previous
// eventizer job's arguments.
func innerJobArgs(job *model.Job) map[string]any {
	if job == nil {
		return nil
	}
	inner, _ := job.JobArgs["job_args"].(map[string]any)
	return inner
}
