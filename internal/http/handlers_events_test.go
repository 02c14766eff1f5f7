package httpx

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

type fakeEventQuerier struct {
	mu   sync.Mutex
	opts model.EventQueryOptions
	page *model.EventPage
	err  error
}

func (q *fakeEventQuerier) Search(_ context.Context, opts model.EventQueryOptions) (*model.EventPage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opts = opts
	if q.err != nil {
		return nil, q.err
	}
	if q.page == nil {
		return &model.EventPage{Events: []map[string]any{}}, nil
	}
	return q.page, nil
}

func (q *fakeEventQuerier) lastOpts() model.EventQueryOptions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts
}

func TestListEvents(t *testing.T) {
	querier := &fakeEventQuerier{
		page: &model.EventPage{
			Events: []map[string]any{
				{"id": "ev-1", "type": "org.grimoirelab.events.git.commit"},
				{"id": "ev-2", "type": "org.grimoirelab.events.git.commit"},
			},
			Total: 12,
		},
	}
	f := newAPIFixture(t, apiFixtureOptions{events: querier})

	res := f.do(t, http.MethodGet,
		"/events?source=http://example.com/&type=org.grimoirelab.events.git.commit"+
			"&from_date=2015-08-18T00:00:00Z&to_date=2015-08-19T00:00:00Z&page=2&size=2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	opts := querier.lastOpts()
	assert.Equal(t, []string{"http://example.com/"}, opts.Sources)
	assert.Equal(t, "org.grimoirelab.events.git.commit", opts.EventType)
	require.NotNil(t, opts.FromDate)
	assert.Equal(t, time.Date(2015, 8, 18, 0, 0, 0, 0, time.UTC), opts.FromDate.UTC())
	require.NotNil(t, opts.ToDate)
	assert.Equal(t, 2, opts.Page)
	assert.Equal(t, 2, opts.Size)

	body := decodeObject(t, res)
	assert.Equal(t, float64(12), body["count"])
	assert.Equal(t, float64(2), body["page"])
	assert.Equal(t, float64(6), body["total_pages"])

	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "ev-1", results[0].(map[string]any)["id"])

	links := body["links"].(map[string]any)
	require.NotNil(t, links["next"])
	assert.Contains(t, links["next"], "page=3")
	require.NotNil(t, links["previous"])
	assert.NotContains(t, links["previous"], "page=")
}

func TestListEventsDefaults(t *testing.T) {
	querier := &fakeEventQuerier{}
	f := newAPIFixture(t, apiFixtureOptions{events: querier})

	res := f.do(t, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	opts := querier.lastOpts()
	assert.Empty(t, opts.Sources)
	assert.Empty(t, opts.EventType)
	assert.Nil(t, opts.FromDate)
	assert.Nil(t, opts.ToDate)
	assert.Equal(t, 1, opts.Page)
	assert.Equal(t, 25, opts.Size)

	body := decodeObject(t, res)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, float64(0), body["total_pages"])
	assert.Empty(t, body["results"])
}

func TestListEventsMultipleSources(t *testing.T) {
	querier := &fakeEventQuerier{}
	f := newAPIFixture(t, apiFixtureOptions{events: querier})

	res := f.do(t, http.MethodGet, "/events?source=http://a.example/&source=http://b.example/", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, []string{"http://a.example/", "http://b.example/"}, querier.lastOpts().Sources)
}

func TestListEventsSizeCap(t *testing.T) {
	querier := &fakeEventQuerier{}
	f := newAPIFixture(t, apiFixtureOptions{events: querier})

	res := f.do(t, http.MethodGet, "/events?size=5000", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 100, querier.lastOpts().Size)
}

func TestListEventsInvalidDate(t *testing.T) {
	querier := &fakeEventQuerier{}
	f := newAPIFixture(t, apiFixtureOptions{events: querier})

	res := f.do(t, http.MethodGet, "/events?from_date=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, "invalid_date", body["error"])
	assert.Contains(t, body["message"], "from_date")
}

func TestListEventsSearchError(t *testing.T) {
	querier := &fakeEventQuerier{err: errors.New("cluster unavailable")}
	f := newAPIFixture(t, apiFixtureOptions{events: querier})

	res := f.do(t, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, "internal", body["error"])
	assert.NotContains(t, body["message"], "cluster unavailable")
}
