package identities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorContains(t, err, "url is required")
}

func TestClientAffiliate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/identities/affiliate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"updated":2},"errors":["unknown uuid zzz"]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := client.Affiliate(context.Background(), AffiliateParams{
		Actor:        "grimoire-bot",
		UUIDs:        []string{"aaa", "bbb"},
		LastModified: "2025-01-01T00:00:00+00:00",
	})
	require.NoError(t, err)

	assert.Equal(t, "grimoire-bot", got["actor"])
	assert.Equal(t, []any{"aaa", "bbb"}, got["uuids"])
	assert.Equal(t, "2025-01-01T00:00:00+00:00", got["last_modified"])
	assert.JSONEq(t, `{"updated":2}`, string(res.Results))
	assert.Equal(t, []string{"unknown uuid zzz"}, res.Errors)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":null,"errors":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, RetryLimit: 2})
	require.NoError(t, err)

	_, err = client.Unify(context.Background(), MatchParams{Criteria: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such criteria", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, RetryLimit: 3})
	require.NoError(t, err)

	_, err = client.Unify(context.Background(), MatchParams{Criteria: []string{"shoe_size"}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "400")
	assert.ErrorContains(t, err, "no such criteria")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientStaticToken(t *testing.T) {
	var authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "sekret"})
	require.NoError(t, err)

	_, err = client.Genderize(context.Background(), GenderParams{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekret", authz)
}

func TestClientClientCredentials(t *testing.T) {
	var authz string
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/identities/affiliate", func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "grimoirelab-core",
		ClientSecret: "s3cret",
	})
	require.NoError(t, err)

	_, err = client.Affiliate(context.Background(), AffiliateParams{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer cc-token", authz)
}

func TestClientImportBackends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/importer/backends", r.URL.Path)
		_, _ = w.Write([]byte(`[{"name":"gitdm","args":["url","from_date"]},{"name":"mailmap","args":["url"]}]`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	backends, err := client.ImportBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, backends, 2)
	assert.Equal(t, "gitdm", backends[0].Name)
	assert.Equal(t, []string{"url", "from_date"}, backends[0].Args)
	assert.Equal(t, []string{"url"}, backends[1].Args)
}

func TestClientContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, RetryLimit: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Affiliate(ctx, AffiliateParams{})
	require.ErrorIs(t, err, context.Canceled)
}
