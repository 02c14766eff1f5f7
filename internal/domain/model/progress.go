package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ChroniclerProgress is the progress snapshot written by eventizer jobs.
// It is checkpointed to the task store while the job runs and its final
// form becomes the job result.
type ChroniclerProgress struct {
	JobID    string   `json:"job_id"`
	Backend  string   `json:"backend"`
	Category string   `json:"category"`
	Summary  *Summary `json:"summary"`
}

// ParseChroniclerProgress decodes a progress snapshot. Timestamps are
// accepted as epoch seconds or ISO-8601 strings.
func ParseChroniclerProgress(data []byte) (*ChroniclerProgress, error) {
	var p ChroniclerProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse chronicler progress: %w", err)
	}
	return &p, nil
}

// Summary aggregates per-item bookkeeping for a single eventizer run.
// Offsets are opaque: commit hashes for git, numbers for other backends.
//
//nolint:recvcheck // MarshalJSON needs value receiver, UnmarshalJSON needs pointer receiver
type Summary struct {
	Fetched       int
	Skipped       int
	LastUUID      string
	MinUpdatedOn  *time.Time
	MaxUpdatedOn  *time.Time
	LastUpdatedOn *time.Time
	MinOffset     any
	MaxOffset     any
	LastOffset    any
	Extras        map[string]any
}

// Total returns the number of items the run went through, fetched plus
// skipped. It is derived, never serialized.
func (s *Summary) Total() int {
	return s.Fetched + s.Skipped
}

// UpdateItem records one fetched item in the summary.
func (s *Summary) UpdateItem(uuid string, updatedOn time.Time, offset any) {
	s.Fetched++
	s.LastUUID = uuid

	t := updatedOn
	if s.MinUpdatedOn == nil || t.Before(*s.MinUpdatedOn) {
		s.MinUpdatedOn = &t
	}
	if s.MaxUpdatedOn == nil || t.After(*s.MaxUpdatedOn) {
		maxT := t
		s.MaxUpdatedOn = &maxT
	}
	lastT := t
	s.LastUpdatedOn = &lastT

	if offset != nil {
		if s.MinOffset == nil || compareOffsets(offset, s.MinOffset) < 0 {
			s.MinOffset = offset
		}
		if s.MaxOffset == nil || compareOffsets(offset, s.MaxOffset) > 0 {
			s.MaxOffset = offset
		}
		s.LastOffset = offset
	}
}

// UpdateSkipped records one item the run saw but did not process.
func (s *Summary) UpdateSkipped() {
	s.Skipped++
}

type summaryJSON struct {
	Fetched       int            `json:"fetched"`
	Skipped       int            `json:"skipped"`
	LastUUID      *string        `json:"last_uuid"`
	MinUpdatedOn  *float64       `json:"min_updated_on"`
	MaxUpdatedOn  *float64       `json:"max_updated_on"`
	LastUpdatedOn *float64       `json:"last_updated_on"`
	MinOffset     any            `json:"min_offset"`
	MaxOffset     any            `json:"max_offset"`
	LastOffset    any            `json:"last_offset"`
	Extras        map[string]any `json:"extras"`
}

// MarshalJSON serializes the summary with timestamps as epoch seconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	out := summaryJSON{
		Fetched:       s.Fetched,
		Skipped:       s.Skipped,
		MinUpdatedOn:  epochSeconds(s.MinUpdatedOn),
		MaxUpdatedOn:  epochSeconds(s.MaxUpdatedOn),
		LastUpdatedOn: epochSeconds(s.LastUpdatedOn),
		MinOffset:     s.MinOffset,
		MaxOffset:     s.MaxOffset,
		LastOffset:    s.LastOffset,
		Extras:        s.Extras,
	}
	if s.LastUUID != "" {
		out.LastUUID = &s.LastUUID
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a summary, accepting timestamps as epoch numbers
// or ISO-8601 strings.
func (s *Summary) UnmarshalJSON(data []byte) error {
	var aux struct {
		Fetched       int             `json:"fetched"`
		Skipped       int             `json:"skipped"`
		LastUUID      *string         `json:"last_uuid"`
		MinUpdatedOn  json.RawMessage `json:"min_updated_on"`
		MaxUpdatedOn  json.RawMessage `json:"max_updated_on"`
		LastUpdatedOn json.RawMessage `json:"last_updated_on"`
		MinOffset     any             `json:"min_offset"`
		MaxOffset     any             `json:"max_offset"`
		LastOffset    any             `json:"last_offset"`
		Extras        map[string]any  `json:"extras"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.Fetched = aux.Fetched
	s.Skipped = aux.Skipped
	s.LastUUID = ""
	if aux.LastUUID != nil {
		s.LastUUID = *aux.LastUUID
	}
	s.MinOffset = aux.MinOffset
	s.MaxOffset = aux.MaxOffset
	s.LastOffset = aux.LastOffset
	s.Extras = aux.Extras

	var err error
	if s.MinUpdatedOn, err = parseFlexibleTime(aux.MinUpdatedOn); err != nil {
		return fmt.Errorf("min_updated_on: %w", err)
	}
	if s.MaxUpdatedOn, err = parseFlexibleTime(aux.MaxUpdatedOn); err != nil {
		return fmt.Errorf("max_updated_on: %w", err)
	}
	if s.LastUpdatedOn, err = parseFlexibleTime(aux.LastUpdatedOn); err != nil {
		return fmt.Errorf("last_updated_on: %w", err)
	}
	return nil
}

// epochSeconds converts a time to fractional epoch seconds.
func epochSeconds(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	f := float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
	return &f
}

// timeFromEpoch converts fractional epoch seconds to a UTC time.
func timeFromEpoch(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

// flexibleTimeLayouts lists the accepted string timestamp formats. The
// single-digit-second variants tolerate truncated values such as
// "2021-01-01 00:00:0+00:00" that earlier releases persisted.
var flexibleTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:5Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:5Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timestamp string in any of the accepted layouts
// and normalizes it to UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range flexibleTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", value)
}

// parseFlexibleTime parses a JSON value that may be null, an epoch number,
// or a timestamp string.
func parseFlexibleTime(raw json.RawMessage) (*time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		t := timeFromEpoch(f)
		return &t, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return nil, fmt.Errorf("unsupported timestamp value %s", string(raw))
	}
	t, err := ParseTimestamp(str)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// compareOffsets orders two offsets of the same kind. Strings compare
// lexicographically, numbers numerically. Mismatched kinds report equal so
// the current value is kept.
func compareOffsets(a, b any) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
		return 0
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
