package archivist

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/chaoss/grimoirelab-core/internal/observability/metrics"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
)

// StorageOptions configures the connection to the OpenSearch cluster.
type StorageOptions struct {
	URL      string
	Username string
	Password string
	// VerifyCerts enables TLS certificate verification. Development
	// clusters usually run with self-signed certificates, so it is off
	// unless set.
	VerifyCerts bool
	MaxRetries  int
}

// NewStorageClient builds an OpenSearch client with request compression and
// retry-on-timeout enabled.
func NewStorageClient(opts StorageOptions) (*opensearch.Client, error) {
	if opts.URL == "" {
		return nil, errors.New("storage url is required")
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	cfg := opensearch.Config{
		Addresses:            []string{opts.URL},
		Username:             opts.Username,
		Password:             opts.Password,
		MaxRetries:           maxRetries,
		RetryOnStatus:        []int{429, 502, 503, 504},
		EnableRetryOnTimeout: true,
		CompressRequestBody:  true,
	}
	if !opts.VerifyCerts {
		cfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- opt-in via VerifyCerts for self-signed clusters
		}
	}

	client, err := opensearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// Document is one event ready for indexing, keyed by its event id so
// re-deliveries overwrite instead of duplicate.
type Document struct {
	ID   string
	Body json.RawMessage
}

// EventIndexer writes event documents to the search index.
type EventIndexer interface {
	// EnsureIndex creates the events index with its fixed mapping. An
	// index that already exists is not an error.
	EnsureIndex(ctx context.Context) error
	// Bulk indexes documents in one request and reports how many the
	// index accepted plus the ids of those it rejected. A request-level
	// failure returns zero inserted and no ids.
	Bulk(ctx context.Context, docs []Document) (int, []string, error)
}

// Indexer stores event documents in OpenSearch.
type Indexer struct {
	client  *opensearch.Client
	index   string
	logger  *slog.Logger
	metrics statsd.Sink
}

var _ EventIndexer = (*Indexer)(nil)

// IndexerOptions configures an Indexer.
type IndexerOptions struct {
	Client  *opensearch.Client
	Index   string
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewIndexer creates an Indexer writing to the given index.
func NewIndexer(opts IndexerOptions) (*Indexer, error) {
	if opts.Client == nil {
		return nil, errors.New("storage client is required")
	}

	index := opts.Index
	if index == "" {
		index = defaultIndex
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Indexer{
		client:  opts.Client,
		index:   index,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Index returns the index name documents are written to.
func (ix *Indexer) Index() string {
	return ix.index
}

// EnsureIndex creates the events index with the fixed mapping. Creating an
// index that already exists is not an error.
func (ix *Indexer) EnsureIndex(ctx context.Context) error {
	req := opensearchapi.IndicesCreateRequest{
		Index: ix.index,
		Body:  strings.NewReader(eventsMapping),
	}

	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("create index %s: %w", ix.index, err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		return nil
	}
	if indexErrorType(res.Body) == "resource_already_exists_exception" {
		return nil
	}
	return fmt.Errorf("create index %s: %s", ix.index, res.Status())
}

func indexErrorType(body io.Reader) string {
	var payload struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}
	return payload.Error.Type
}

// bulkResponse is the subset of the bulk API response the indexer inspects.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

// Bulk indexes the documents in a single request. It returns the number of
// documents the index accepted and the ids of those it rejected; when the
// whole request fails nothing was written and no ids are reported.
func (ix *Indexer) Bulk(ctx context.Context, docs []Document) (int, []string, error) {
	if len(docs) == 0 {
		return 0, nil, nil
	}

	body, err := bulkBody(docs)
	if err != nil {
		return 0, nil, err
	}

	req := opensearchapi.BulkRequest{
		Index: ix.index,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return 0, nil, fmt.Errorf("bulk index %s: %w", ix.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, nil, fmt.Errorf("bulk index %s: %s", ix.index, res.Status())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, nil, fmt.Errorf("decode bulk response: %w", err)
	}

	var failedIDs []string
	if parsed.Errors {
		var lastError string
		for _, item := range parsed.Items {
			if itemFailed(item.Index.Error) {
				failedIDs = append(failedIDs, item.Index.ID)
				lastError = string(item.Index.Error)
			}
		}
		// Log one message for the whole batch.
		ix.logger.WarnContext(ctx, "index rejected some events",
			"index", ix.index, "rejected", len(failedIDs), "error", lastError)
	}

	inserted := len(parsed.Items) - len(failedIDs)
	ix.logger.InfoContext(ctx, "events uploaded to index",
		"index", ix.index, "inserted", inserted, "failed", len(failedIDs))

	if ix.metrics != nil {
		tags := map[string]string{"index": ix.index}
		if inserted > 0 {
			ix.metrics.Count(metrics.MetricEventsIndexed, int64(inserted), tags)
		}
		if len(failedIDs) > 0 {
			ix.metrics.Count(metrics.MetricEventsRejected, int64(len(failedIDs)), metrics.CloneTags(tags))
		}
	}

	return inserted, failedIDs, nil
}

func itemFailed(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// bulkBody renders documents in the newline-delimited bulk format: an index
// action naming the document id, then the document itself on one line.
func bulkBody(docs []Document) ([]byte, error) {
	var buf bytes.Buffer
	for _, doc := range docs {
		action, err := json.Marshal(map[string]any{"index": map[string]string{"_id": doc.ID}})
		if err != nil {
			return nil, fmt.Errorf("marshal bulk action: %w", err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		if err := json.Compact(&buf, doc.Body); err != nil {
			return nil, fmt.Errorf("compact document %s: %w", doc.ID, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
