package identities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
	"github.com/chaoss/grimoirelab-core/internal/worker"
)

// Handlers returns the identity job functions, keyed by the job function
// names the task types declare.
func Handlers(client *Client) map[string]worker.HandlerFunc {
	return map[string]worker.HandlerFunc{
		scheduler.TypeAffiliate:             identityHandler("affiliate identities", client.Affiliate),
		scheduler.TypeUnify:                 identityHandler("unify identities", client.Unify),
		scheduler.TypeGenderize:             identityHandler("genderize identities", client.Genderize),
		scheduler.TypeRecommendAffiliations: identityHandler("recommend affiliations", client.RecommendAffiliations),
		scheduler.TypeRecommendMatches:      identityHandler("recommend matches", client.RecommendMatches),
		scheduler.TypeRecommendGender:       identityHandler("recommend gender", client.RecommendGender),
		scheduler.TypeImportIdentities:      importIdentitiesHandler(client),
	}
}

// actorParams is satisfied by the request parameter types that carry the
// acting user.
type actorParams[P any] interface {
	withActor(actor string) P
}

// identityHandler adapts one identity service call to the worker handler
// contract: job arguments decode into the request parameters and the
// service result becomes the job payload.
func identityHandler[P actorParams[P]](op string, call func(context.Context, P) (*Result, error)) worker.HandlerFunc {
	return func(ctx context.Context, job *model.Job, rec *worker.Recorder) (json.RawMessage, error) {
		sctx, err := jobContext(job)
		if err != nil {
			return nil, err
		}
		var params P
		if err := decodeJobArgs(job, &params); err != nil {
			return nil, err
		}

		rec.Log("INFO", fmt.Sprintf("%s started on job %s", op, job.UUID))
		res, err := call(ctx, params.withActor(sctx.User))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return finishRun(rec, op, res)
	}
}

// importIdentitiesHandler forwards backend-specific arguments the import
// task carries beyond the declared fields.
func importIdentitiesHandler(client *Client) worker.HandlerFunc {
	return func(ctx context.Context, job *model.Job, rec *worker.Recorder) (json.RawMessage, error) {
		sctx, err := jobContext(job)
		if err != nil {
			return nil, err
		}

		params := ImportParams{Actor: sctx.User}
		extra := make(map[string]any)
		for k, v := range job.JobArgs {
			switch k {
			case "ctx":
			case "backend_name":
				params.BackendName, _ = v.(string)
			case "url":
				params.URL, _ = v.(string)
			case "from_date":
				params.FromDate, _ = v.(string)
			default:
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			params.Params = extra
		}
		if params.BackendName == "" || params.URL == "" {
			return nil, apperrors.Validationf("job %s is missing import arguments", job.UUID)
		}

		rec.Log("INFO", fmt.Sprintf("import identities from %s started on job %s", params.BackendName, job.UUID))
		res, err := client.ImportIdentities(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("import identities: %w", err)
		}
		return finishRun(rec, "import identities", res)
	}
}

// finishRun records the errors the service continued past and returns the
// result as the job payload.
func finishRun(rec *worker.Recorder, op string, res *Result) (json.RawMessage, error) {
	for _, msg := range res.Errors {
		rec.Log("WARNING", msg)
	}
	rec.Log("INFO", fmt.Sprintf("%s finished with %d errors", op, len(res.Errors)))

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", op, err)
	}
	return raw, nil
}

func jobContext(job *model.Job) (model.SystemContext, error) {
	raw, ok := job.JobArgs["ctx"]
	if !ok {
		return model.SystemContext{}, apperrors.Validationf("job %s has no identity context", job.UUID)
	}
	sctx, err := model.ParseSystemContext(raw)
	if err != nil {
		return model.SystemContext{}, apperrors.Validationf("job %s: %s", job.UUID, err)
	}
	return sctx, nil
}

// decodeJobArgs maps the loose job arguments onto a request parameter
// struct; keys the struct does not declare are dropped.
func decodeJobArgs(job *model.Job, out any) error {
	raw, err := json.Marshal(job.JobArgs)
	if err != nil {
		return fmt.Errorf("encode job %s arguments: %w", job.UUID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Validationf("job %s has malformed arguments: %s", job.UUID, err)
	}
	return nil
}
