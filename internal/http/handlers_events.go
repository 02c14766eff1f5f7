package httpx

import (
	"net/http"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

const (
	defaultEventPageSize = 25
	maxEventPageSize     = 100
)

// EventHandlers provides HTTP handlers for querying indexed events.
type EventHandlers struct {
	Events core.EventQuerier
}

// ListEvents handles HTTP requests for one page of indexed events,
// sorted by time and id ascending.
func (h *EventHandlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseEventQuery(w, r)
	if !ok {
		return
	}

	page, err := h.Events.Search(r.Context(), opts)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	totalPages := pageCount(page.Total, opts.Size)
	WriteJSON(w, http.StatusOK, newPaginatedResponse(r, opts.Page, totalPages, page.Total, page.Events))
}

func parseEventQuery(w http.ResponseWriter, r *http.Request) (model.EventQueryOptions, bool) {
	opts := model.EventQueryOptions{
		Sources:   r.URL.Query()["source"],
		EventType: r.URL.Query().Get("type"),
		Page:      parseIntQuery(r, "page", 1),
		Size:      parseIntQuery(r, "size", 0),
	}
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Size <= 0 {
		opts.Size = defaultEventPageSize
	}
	if opts.Size > maxEventPageSize {
		opts.Size = maxEventPageSize
	}

	var ok bool
	if opts.FromDate, ok = parseTimeQuery(w, r, "from_date"); !ok {
		return opts, false
	}
	if opts.ToDate, ok = parseTimeQuery(w, r, "to_date"); !ok {
		return opts, false
	}
	return opts, true
}

func parseTimeQuery(w http.ResponseWriter, r *http.Request, key string) (*time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, true
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_date", key+" must be an RFC 3339 timestamp")
		return nil, false
	}
	return &t, true
}
