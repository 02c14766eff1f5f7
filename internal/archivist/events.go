package archivist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

const defaultQuerySize = 25

// EventsReader pages through indexed events, oldest first.
type EventsReader struct {
	client *opensearch.Client
	index  string
}

var _ core.EventQuerier = (*EventsReader)(nil)

// NewEventsReader creates a reader over the given index.
func NewEventsReader(client *opensearch.Client, index string) (*EventsReader, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if index == "" {
		index = defaultIndex
	}
	return &EventsReader{client: client, index: index}, nil
}

// Search returns one page of events matching the filters, sorted by time
// then id ascending.
func (r *EventsReader) Search(ctx context.Context, opts model.EventQueryOptions) (*model.EventPage, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.Size
	if size <= 0 {
		size = defaultQuerySize
	}

	body, err := json.Marshal(eventsQueryBody(opts, page, size))
	if err != nil {
		return nil, fmt.Errorf("marshal events query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{r.index},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search events: %s", res.Status())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}

	events := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}

	return &model.EventPage{Events: events, Total: parsed.Hits.Total.Value}, nil
}

// eventsQueryBody builds the search body. Filters are optional; order is
// always time then id ascending so pages are stable across requests.
func eventsQueryBody(opts model.EventQueryOptions, page, size int) map[string]any {
	filters := []map[string]any{}
	if len(opts.Sources) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"source": opts.Sources},
		})
	}
	if opts.EventType != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"type": opts.EventType},
		})
	}
	if opts.FromDate != nil || opts.ToDate != nil {
		window := map[string]any{}
		if opts.FromDate != nil {
			window["gte"] = opts.FromDate.Format(time.RFC3339)
		}
		if opts.ToDate != nil {
			window["lte"] = opts.ToDate.Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"time": window},
		})
	}

	return map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"sort": []map[string]any{
			{"time": map[string]any{"order": "asc"}},
			{"id": map[string]any{"order": "asc"}},
		},
		"from": (page - 1) * size,
		"size": size,
	}
}

// searchResponse is the subset of the search API response the reader uses.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}
