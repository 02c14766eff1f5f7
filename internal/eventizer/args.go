// Package eventizer fetches items from datasource backends, converts them
// into events and publishes them to the event stream. It also hosts the
// per-datasource argument generators the scheduler uses to derive the
// arguments of each run.
package eventizer

import (
	"time"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// ArgumentGenerator produces the job arguments for each scheduled run of an
// eventizer task. All three methods are pure: they never mutate their inputs.
type ArgumentGenerator interface {
	// InitialArgs derives the arguments of a first-ever run from the
	// user-supplied task arguments.
	InitialArgs(taskArgs map[string]any) map[string]any
	// ResumingArgs derives the arguments of the next periodic run from the
	// previous run's arguments and its final progress. The new lower bound
	// is the high-water mark of the previous run.
	ResumingArgs(prevArgs map[string]any, progress *model.ChroniclerProgress) map[string]any
	// RecoveryArgs derives the arguments of a run that resumes after a
	// crash or abort. The lower bound is the last checkpointed position,
	// not the high-water mark, so partially-emitted batches are replayed.
	RecoveryArgs(prevArgs map[string]any, progress *model.ChroniclerProgress) map[string]any
}

// ArgumentGeneratorFor resolves the argument generator for a datasource
// type. Datasources fetching by timestamp (git, github) resume from
// updated_on bounds; anything else also carries the backend offset.
func ArgumentGeneratorFor(datasourceType string) ArgumentGenerator {
	switch datasourceType {
	case "git", "github":
		return dateArgumentGenerator{}
	default:
		return offsetArgumentGenerator{}
	}
}

// dateArgumentGenerator resumes runs with a from_date lower bound.
type dateArgumentGenerator struct{}

func (dateArgumentGenerator) InitialArgs(taskArgs map[string]any) map[string]any {
	return copyArgs(taskArgs)
}

func (dateArgumentGenerator) ResumingArgs(prevArgs map[string]any, progress *model.ChroniclerProgress) map[string]any {
	args := copyArgs(prevArgs)
	if t := summaryTime(progress, maxUpdatedOn); t != nil {
		args["from_date"] = t.Format(time.RFC3339)
	}
	return args
}

func (dateArgumentGenerator) RecoveryArgs(prevArgs map[string]any, progress *model.ChroniclerProgress) map[string]any {
	args := copyArgs(prevArgs)
	if t := summaryTime(progress, lastUpdatedOn); t != nil {
		args["from_date"] = t.Format(time.RFC3339)
	}
	return args
}

// offsetArgumentGenerator resumes runs with both a from_date and the
// backend-specific offset.
type offsetArgumentGenerator struct{}

func (offsetArgumentGenerator) InitialArgs(taskArgs map[string]any) map[string]any {
	return copyArgs(taskArgs)
}

func (offsetArgumentGenerator) ResumingArgs(prevArgs map[string]any, progress *model.ChroniclerProgress) map[string]any {
	args := copyArgs(prevArgs)
	if t := summaryTime(progress, maxUpdatedOn); t != nil {
		args["from_date"] = t.Format(time.RFC3339)
	}
	if progress != nil && progress.Summary != nil && progress.Summary.MaxOffset != nil {
		args["from_offset"] = progress.Summary.MaxOffset
	}
	return args
}

func (offsetArgumentGenerator) RecoveryArgs(prevArgs map[string]any, progress *model.ChroniclerProgress) map[string]any {
	args := copyArgs(prevArgs)
	if t := summaryTime(progress, lastUpdatedOn); t != nil {
		args["from_date"] = t.Format(time.RFC3339)
	}
	if progress != nil && progress.Summary != nil && progress.Summary.LastOffset != nil {
		args["from_offset"] = progress.Summary.LastOffset
	}
	return args
}

type summaryBound int

const (
	maxUpdatedOn summaryBound = iota
	lastUpdatedOn
)

func summaryTime(progress *model.ChroniclerProgress, bound summaryBound) *time.Time {
	if progress == nil || progress.Summary == nil {
		return nil
	}
	switch bound {
	case maxUpdatedOn:
		return progress.Summary.MaxUpdatedOn
	default:
		return progress.Summary.LastUpdatedOn
	}
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
