package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/eventizer"
)

// chroniclerHandler adapts the chronicler to the worker handler contract.
// Job arguments are decoded into run parameters; the final progress
// snapshot becomes the job payload, even for interrupted runs.
func chroniclerHandler(chronicler *eventizer.Chronicler) HandlerFunc {
	return func(ctx context.Context, job *model.Job, rec *Recorder) (json.RawMessage, error) {
		params, err := chroniclerRunParams(job, rec)
		if err != nil {
			return nil, err
		}

		progress, runErr := chronicler.Run(ctx, params)
		raw, merr := json.Marshal(progress)
		if merr != nil {
			return nil, errors.Join(runErr, fmt.Errorf("marshal chronicler progress: %w", merr))
		}
		return raw, runErr
	}
}

func chroniclerRunParams(job *model.Job, rec *Recorder) (eventizer.RunParams, error) {
	dsType := stringJobArg(job.JobArgs, "datasource_type")
	category := stringJobArg(job.JobArgs, "datasource_category")
	stream := stringJobArg(job.JobArgs, "events_stream")
	if dsType == "" || category == "" || stream == "" {
		return eventizer.RunParams{}, apperrors.Validationf(
			"job %s is missing chronicler arguments", job.UUID)
	}

	backendArgs, _ := job.JobArgs["job_args"].(map[string]any)
	return eventizer.RunParams{
		JobID:           job.UUID,
		DatasourceType:  dsType,
		Category:        category,
		Stream:          stream,
		StreamMaxLength: int64JobArg(job.JobArgs, "stream_max_length"),
		BackendArgs:     backendArgs,
		Recorder:        rec,
	}, nil
}

func stringJobArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// int64JobArg tolerates the numeric types a JSONB round trip may yield.
func int64JobArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
