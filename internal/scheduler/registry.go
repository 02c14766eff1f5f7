// Package scheduler defines the task-type registry: one descriptor per
// kind of task, carrying the queue its jobs run on, the extra fields it
// accepts and the strategy that derives the arguments of each run.
package scheduler

import (
	"context"
	"sort"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// Built-in task type tags.
const (
	TypeEventizer             = "eventizer"
	TypeAffiliate             = "affiliate"
	TypeUnify                 = "unify"
	TypeGenderize             = "genderize"
	TypeRecommendAffiliations = "recommend_affiliations"
	TypeRecommendMatches      = "recommend_matches"
	TypeRecommendGender       = "recommend_gender"
	TypeImportIdentities      = "import_identities"
)

// JobFuncChronicler names the job function that fetches and eventizes
// datasource items. Identity task types dispatch under their own tag.
const JobFuncChronicler = "chronicler"

// JobHistory exposes the per-task job lookups argument strategies need.
// Lookups return nil without error when the task has no matching job.
type JobHistory interface {
	// LatestByTask returns the task's most recent job by job number.
	LatestByTask(ctx context.Context, taskUUID string) (*model.Job, error)
	// LatestCompletedByTask returns the task's most recent completed job.
	LatestCompletedByTask(ctx context.Context, taskUUID string) (*model.Job, error)
}

// BackendCatalog resolves the fetch arguments declared by identity import
// backends. Unknown backends yield an empty argument list, not an error.
type BackendCatalog interface {
	BackendArgs(ctx context.Context, name string) ([]string, error)
}

// PrepareParams carries the task and the collaborators a task type may
// consult while deriving the arguments of its next job.
type PrepareParams struct {
	Task    *model.Task
	History JobHistory
}

// PrepareFunc derives the arguments of the next job of a task.
type PrepareFunc func(ctx context.Context, params PrepareParams) (map[string]any, error)

// TaskType describes one registered kind of task: where its jobs run, the
// extra fields it accepts and how the arguments of each run are derived.
type TaskType struct {
	// Tag uniquely identifies the task type (e.g. "eventizer").
	Tag string
	// Queue is the queue its jobs are placed on.
	Queue string
	// JobFunc names the job function workers dispatch for this type.
	JobFunc string
	// CanRetry reports whether failed runs may be retried before the
	// owning task is marked failed.
	CanRetry bool
	// NewExtraFields returns the declared extra fields with their
	// defaults applied. Required fields default to their zero value.
	NewExtraFields func() map[string]any
	// ValidateExtraFields checks extra field values on task creation.
	ValidateExtraFields func(fields map[string]any) error
	// PrepareJobArgs derives the arguments of the next job from the
	// task status and the outcome of previous runs.
	PrepareJobArgs PrepareFunc
}

// Registry maps task type tags to their descriptors. Populate it during
// startup; it is safe for concurrent reads once registration is done.
type Registry struct {
	types map[string]*TaskType
}

// NewRegistry returns an empty task-type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TaskType)}
}

// Register adds a task type descriptor. Registering a tag twice is a
// conflict.
func (r *Registry) Register(tt *TaskType) error {
	if tt == nil || tt.Tag == "" {
		return apperrors.Validation("task type tag is required")
	}
	if tt.PrepareJobArgs == nil {
		return apperrors.Validationf("task type %s has no job argument builder", tt.Tag)
	}
	if _, ok := r.types[tt.Tag]; ok {
		return apperrors.Conflictf("task type %s already registered", tt.Tag)
	}
	r.types[tt.Tag] = tt
	return nil
}

// Lookup resolves a tag to its descriptor.
func (r *Registry) Lookup(tag string) (*TaskType, error) {
	tt, ok := r.types[tag]
	if !ok {
		return nil, apperrors.UnknownTaskType(tag)
	}
	return tt, nil
}

// Names returns the registered tags in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for tag := range r.types {
		names = append(names, tag)
	}
	sort.Strings(names)
	return names
}

// DefaultsOptions configures the built-in task types.
type DefaultsOptions struct {
	// EventizerQueue is the queue eventizer jobs are placed on.
	EventizerQueue string
	// IdentitiesQueue is the queue identity jobs are placed on.
	IdentitiesQueue string
	// EventsStream is the stream eventizer jobs publish events to.
	EventsStream string
	// StreamMaxLength caps the event stream length.
	StreamMaxLength int64
	// SystemBotUser is the account identity jobs run as.
	SystemBotUser string
	// Backends resolves import backend arguments. When nil, no from_date
	// bound is injected into import_identities jobs.
	Backends BackendCatalog
}

// RegisterDefaults registers the built-in task types.
func RegisterDefaults(reg *Registry, opts DefaultsOptions) error {
	types := []*TaskType{
		newEventizerType(opts),
		newAffiliateType(opts),
		newUnifyType(opts),
		newGenderizeType(opts),
		newRecommendAffiliationsType(opts),
		newRecommendMatchesType(opts),
		newRecommendGenderType(opts),
		newImportIdentitiesType(opts),
	}
	for _, tt := range types {
		if err := reg.Register(tt); err != nil {
			return err
		}
	}
	return nil
}
