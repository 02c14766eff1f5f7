package archivist

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensearch-project/opensearch-go/v2"
)

// testStorageClient builds a client against a test server using the same
// configuration production uses, compression included.
func testStorageClient(t *testing.T, srv *httptest.Server) *opensearch.Client {
	t.Helper()

	client, err := NewStorageClient(StorageOptions{URL: srv.URL})
	require.NoError(t, err)
	return client
}

// requestBody reads a request body, transparently decompressing it.
func requestBody(t *testing.T, r *http.Request) []byte {
	t.Helper()

	reader := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	return body
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countSink records counter totals by metric name.
type countSink struct {
	counts map[string]int64
}

func (s *countSink) Count(name string, value int64, _ map[string]string) {
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[name] += value
}

func (s *countSink) Gauge(string, float64, map[string]string) {}

func (s *countSink) Timing(string, time.Duration, map[string]string) {}

func TestNewStorageClientRequiresURL(t *testing.T) {
	_, err := NewStorageClient(StorageOptions{})
	require.ErrorContains(t, err, "storage url is required")

	client, err := NewStorageClient(StorageOptions{URL: "http://localhost:9200"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestNewIndexerValidation(t *testing.T) {
	_, err := NewIndexer(IndexerOptions{})
	require.ErrorContains(t, err, "storage client is required")

	client, err := NewStorageClient(StorageOptions{URL: "http://localhost:9200"})
	require.NoError(t, err)

	ix, err := NewIndexer(IndexerOptions{Client: client, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, "events", ix.Index())

	ix, err = NewIndexer(IndexerOptions{Client: client, Index: "events_test", Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, "events_test", ix.Index())
}

func TestIndexerEnsureIndexCreates(t *testing.T) {
	var (
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		body = requestBody(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"acknowledged": true}`))
	}))
	defer srv.Close()

	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger()})
	require.NoError(t, err)

	require.NoError(t, ix.EnsureIndex(context.Background()))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/events", path)
	assert.Contains(t, string(body), "strict_date_optional_time||epoch_second")
	assert.Contains(t, string(body), "notanalyzed")
	assert.Contains(t, string(body), "AuthorDate")
}

func TestIndexerEnsureIndexAlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "resource_already_exists_exception", "reason": "index [events] already exists"}, "status": 400}`))
	}))
	defer srv.Close()

	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger()})
	require.NoError(t, err)

	assert.NoError(t, ix.EnsureIndex(context.Background()))
}

func TestIndexerEnsureIndexError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"type": "server_error"}}`))
	}))
	defer srv.Close()

	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger()})
	require.NoError(t, err)

	err = ix.EnsureIndex(context.Background())
	require.ErrorContains(t, err, "create index events")
}

func TestIndexerBulkReportsFailedIDs(t *testing.T) {
	var (
		path string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body = requestBody(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"took": 5,
			"errors": true,
			"items": [
				{"index": {"_index": "events", "_id": "ev-1", "status": 201}},
				{"index": {"_index": "events", "_id": "ev-2", "status": 400,
					"error": {"type": "mapper_parsing_exception", "reason": "failed to parse field [time]"}}}
			]
		}`))
	}))
	defer srv.Close()

	sink := &countSink{}
	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger(), Metrics: sink})
	require.NoError(t, err)

	docs := []Document{
		{ID: "ev-1", Body: json.RawMessage(`{"id": "ev-1", "type": "org.grimoirelab.events.git.commit"}`)},
		{ID: "ev-2", Body: json.RawMessage("{\n  \"id\": \"ev-2\",\n  \"type\": \"org.grimoirelab.events.git.commit\"\n}")},
	}
	inserted, failed, err := ix.Bulk(context.Background(), docs)
	require.NoError(t, err)

	assert.Equal(t, 1, inserted)
	assert.Equal(t, []string{"ev-2"}, failed)
	assert.Equal(t, "/events/_bulk", path)
	assert.Equal(t, int64(1), sink.counts["events.indexed"])
	assert.Equal(t, int64(1), sink.counts["events.rejected"])

	// Each document is an action line plus the document on one line.
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"index": {"_id": "ev-1"}}`, lines[0])
	assert.JSONEq(t, `{"id": "ev-1", "type": "org.grimoirelab.events.git.commit"}`, lines[1])
	assert.JSONEq(t, `{"index": {"_id": "ev-2"}}`, lines[2])
	assert.JSONEq(t, `{"id": "ev-2", "type": "org.grimoirelab.events.git.commit"}`, lines[3])
}

func TestIndexerBulkAllAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"took": 2,
			"errors": false,
			"items": [
				{"index": {"_index": "events", "_id": "ev-1", "status": 201}},
				{"index": {"_index": "events", "_id": "ev-2", "status": 200}}
			]
		}`))
	}))
	defer srv.Close()

	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger()})
	require.NoError(t, err)

	docs := []Document{
		{ID: "ev-1", Body: json.RawMessage(`{"id": "ev-1"}`)},
		{ID: "ev-2", Body: json.RawMessage(`{"id": "ev-2"}`)},
	}
	inserted, failed, err := ix.Bulk(context.Background(), docs)
	require.NoError(t, err)

	assert.Equal(t, 2, inserted)
	assert.Empty(t, failed)
}

func TestIndexerBulkRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "broken"}`))
	}))
	defer srv.Close()

	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger()})
	require.NoError(t, err)

	inserted, failed, err := ix.Bulk(context.Background(), []Document{
		{ID: "ev-1", Body: json.RawMessage(`{"id": "ev-1"}`)},
	})
	require.ErrorContains(t, err, "bulk index events")
	assert.Zero(t, inserted)
	assert.Empty(t, failed)
}

func TestIndexerBulkNoDocuments(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ix, err := NewIndexer(IndexerOptions{Client: testStorageClient(t, srv), Logger: discardLogger()})
	require.NoError(t, err)

	inserted, failed, err := ix.Bulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Empty(t, failed)
	assert.Zero(t, calls.Load())
}
