package scheduler

import (
	"context"
	"slices"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// minPeriodDate is the lower bound identity filters fall back to when no
// last_modified value is supplied.
const minPeriodDate = "1900-01-01T00:00:00+00:00"

var (
	affiliateFields = []fieldSpec{
		{name: "uuids", kind: fieldList},
		{name: "last_modified", kind: fieldTimestamp, def: minPeriodDate},
	}
	matchingFields = []fieldSpec{
		{name: "criteria", kind: fieldList},
		{name: "source_uuids", kind: fieldList},
		{name: "target_uuids", kind: fieldList},
		{name: "exclude", kind: fieldBool, def: true},
		{name: "strict", kind: fieldBool, def: true},
		{name: "match_source", kind: fieldBool, def: false},
		{name: "guess_github_user", kind: fieldBool, def: false},
		{name: "last_modified", kind: fieldTimestamp, def: minPeriodDate},
	}
	genderFields = []fieldSpec{
		{name: "uuids", kind: fieldList},
		{name: "exclude", kind: fieldBool, def: true},
		{name: "no_strict_matching", kind: fieldBool, def: false},
	}
	importFields = []fieldSpec{
		{name: "backend_name", kind: fieldString, required: true, def: ""},
		{name: "url", kind: fieldString, required: true, def: ""},
	}
)

func newAffiliateType(opts DefaultsOptions) *TaskType {
	return newIdentitiesType(opts, TypeAffiliate, affiliateFields)
}

func newUnifyType(opts DefaultsOptions) *TaskType {
	return newIdentitiesType(opts, TypeUnify, matchingFields)
}

func newGenderizeType(opts DefaultsOptions) *TaskType {
	return newIdentitiesType(opts, TypeGenderize, genderFields)
}

func newRecommendAffiliationsType(opts DefaultsOptions) *TaskType {
	return newIdentitiesType(opts, TypeRecommendAffiliations, affiliateFields)
}

func newRecommendMatchesType(opts DefaultsOptions) *TaskType {
	return newIdentitiesType(opts, TypeRecommendMatches, matchingFields)
}

func newRecommendGenderType(opts DefaultsOptions) *TaskType {
	return newIdentitiesType(opts, TypeRecommendGender, genderFields)
}

// newIdentitiesType builds the descriptor for a task whose jobs run
// against the identities service with the given extra fields.
func newIdentitiesType(opts DefaultsOptions, tag string, specs []fieldSpec) *TaskType {
	return &TaskType{
		Tag:                 tag,
		Queue:               opts.IdentitiesQueue,
		JobFunc:             tag,
		CanRetry:            true,
		NewExtraFields:      newFieldsFactory(specs),
		ValidateExtraFields: newFieldsValidator(specs),
		PrepareJobArgs:      prepareIdentityArgs(opts.SystemBotUser),
	}
}

// prepareIdentityArgs builds identity job arguments: the system context
// plus the task's extra fields, whatever the task status is.
func prepareIdentityArgs(systemUser string) PrepareFunc {
	return func(ctx context.Context, params PrepareParams) (map[string]any, error) {
		fields := params.Task.ExtraFields
		args := make(map[string]any, len(fields)+1)
		args["ctx"] = model.SystemContext{User: systemUser}
		for k, v := range fields {
			args[k] = v
		}
		return args, nil
	}
}

func newImportIdentitiesType(opts DefaultsOptions) *TaskType {
	return &TaskType{
		Tag:                 TypeImportIdentities,
		Queue:               opts.IdentitiesQueue,
		JobFunc:             TypeImportIdentities,
		CanRetry:            true,
		NewExtraFields:      newFieldsFactory(importFields),
		ValidateExtraFields: newFieldsValidator(importFields),
		PrepareJobArgs:      prepareImportIdentitiesArgs(opts.SystemBotUser, opts.Backends),
	}
}

// prepareImportIdentitiesArgs builds the job arguments for identity
// imports. When the import backend accepts a from_date bound, the start
// time of the last completed run is injected so only identities modified
// since then are imported again.
func prepareImportIdentitiesArgs(systemUser string, backends BackendCatalog) PrepareFunc {
	return func(ctx context.Context, params PrepareParams) (map[string]any, error) {
		task := params.Task
		backendName := stringField(task.ExtraFields, "backend_name")
		args := map[string]any{
			"ctx":          model.SystemContext{User: systemUser},
			"backend_name": backendName,
			"url":          stringField(task.ExtraFields, "url"),
		}
		for k, v := range task.TaskArgs {
			args[k] = v
		}

		if backends == nil {
			return args, nil
		}
		backendArgs, err := backends.BackendArgs(ctx, backendName)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(backendArgs, "from_date") {
			return args, nil
		}
		last, err := params.History.LatestCompletedByTask(ctx, task.UUID)
		if err != nil {
			return nil, err
		}
		if last != nil && last.StartedAt != nil {
			args["from_date"] = last.StartedAt.Format(time.RFC3339)
		}
		return args, nil
	}
}
