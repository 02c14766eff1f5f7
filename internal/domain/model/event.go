package model

import "time"

// Event is a single, uniquely-identified occurrence extracted from a
// datasource. Events flow through the event stream and land in the search
// index keyed by ID, so re-deliveries overwrite rather than duplicate.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Time   float64        `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// EventQueryOptions groups filters for querying indexed events, sorted by
// time and id ascending.
type EventQueryOptions struct {
	Sources   []string
	EventType string
	FromDate  *time.Time
	ToDate    *time.Time
	Page      int
	Size      int
}

// EventPage is one page of indexed events plus the unpaginated total.
type EventPage struct {
	Events []map[string]any
	Total  int
}
