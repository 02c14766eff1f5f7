package scheduler

import (
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// fieldKind enumerates the accepted shapes of task-type extra fields.
type fieldKind int

const (
	fieldString fieldKind = iota
	fieldBool
	fieldList
	fieldTimestamp
)

// fieldSpec declares one extra field of a task type: its wire name, its
// accepted shape and the default applied when a request omits it.
type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
	def      any
}

// newFieldsFactory builds the NewExtraFields function of a task type from
// its field specs. Every declared field appears in the returned map, so
// the key set doubles as the list of accepted extra fields.
func newFieldsFactory(specs []fieldSpec) func() map[string]any {
	return func() map[string]any {
		fields := make(map[string]any, len(specs))
		for _, s := range specs {
			fields[s.name] = s.def
		}
		return fields
	}
}

// newFieldsValidator builds the ValidateExtraFields function of a task
// type from its field specs.
func newFieldsValidator(specs []fieldSpec) func(fields map[string]any) error {
	return func(fields map[string]any) error {
		for _, s := range specs {
			value, ok := fields[s.name]
			if !ok || value == nil {
				if s.required {
					return apperrors.ValidationField(s.name, "field is required")
				}
				continue
			}
			if err := s.check(value); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s fieldSpec) check(value any) error {
	switch s.kind {
	case fieldString:
		str, ok := value.(string)
		if !ok {
			return apperrors.ValidationField(s.name, "must be a string")
		}
		if s.required && str == "" {
			return apperrors.ValidationField(s.name, "field is required")
		}
	case fieldBool:
		if _, ok := value.(bool); !ok {
			return apperrors.ValidationField(s.name, "must be a boolean")
		}
	case fieldList:
		if _, ok := value.([]any); !ok {
			return apperrors.ValidationField(s.name, "must be a list")
		}
	case fieldTimestamp:
		str, ok := value.(string)
		if !ok {
			return apperrors.ValidationField(s.name, "must be a timestamp string")
		}
		if _, err := model.ParseTimestamp(str); err != nil {
			return apperrors.ValidationField(s.name, "must be a valid timestamp")
		}
	}
	return nil
}

// stringField reads a string-valued field, tolerating absent keys.
func stringField(fields map[string]any, name string) string {
	value, _ := fields[name].(string)
	return value
}
