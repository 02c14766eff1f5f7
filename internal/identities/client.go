// Package identities calls the identity service. Affiliation, unification,
// gender completion, recommendations and bulk imports run on that service;
// jobs on the identities queue delegate to it through this client.
package identities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTimeout = 30 * time.Second
	retryBackoff   = 200 * time.Millisecond
	maxErrorBody   = 8 << 10
)

// Config describes how to reach the identity service.
type Config struct {
	// BaseURL is the root of the identity service API.
	BaseURL string

	// Token authenticates requests with a static bearer token.
	Token string
	// TokenURL, ClientID and ClientSecret switch the client to OAuth2
	// client credentials; tokens are fetched and refreshed on demand.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	Timeout    time.Duration
	RetryLimit int
	// Client overrides the transport wiring when set.
	Client *http.Client
}

// Client is a JSON client for the identity service.
type Client struct {
	baseURL    string
	retryLimit int
	client     *http.Client
}

// NewClient builds an identity service client. Callers should pass a
// validated config.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity service url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}

	hc := cfg.Client
	if hc == nil {
		hc = authClient(cfg, timeout)
	}

	return &Client{
		baseURL:    baseURL,
		retryLimit: retries,
		client:     hc,
	}, nil
}

// authClient wires the configured credential scheme. The timeout is
// reapplied to OAuth2 clients: oauth2 builds a fresh http.Client around
// the token transport and drops it.
func authClient(cfg Config, timeout time.Duration) *http.Client {
	base := &http.Client{Timeout: timeout}

	switch {
	case cfg.TokenURL != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc := cc.Client(ctx)
		hc.Timeout = timeout
		return hc
	case cfg.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc := oauth2.NewClient(ctx, ts)
		hc.Timeout = timeout
		return hc
	default:
		return base
	}
}

// Result is the identity service's job envelope: per-entity results plus
// the errors the service chose to continue past.
type Result struct {
	Results json.RawMessage `json:"results,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

// ImportBackend describes one registered identities importer and the
// arguments it accepts.
type ImportBackend struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// AffiliateParams selects the individuals to affiliate to organizations.
// An empty UUIDs list means all individuals.
type AffiliateParams struct {
	Actor        string   `json:"actor,omitempty"`
	UUIDs        []string `json:"uuids,omitempty"`
	LastModified string   `json:"last_modified,omitempty"`
}

func (p AffiliateParams) withActor(actor string) AffiliateParams {
	p.Actor = actor
	return p
}

// MatchParams drives identity matching: which individuals to compare,
// against whom and on which criteria.
type MatchParams struct {
	Actor           string   `json:"actor,omitempty"`
	Criteria        []string `json:"criteria,omitempty"`
	SourceUUIDs     []string `json:"source_uuids,omitempty"`
	TargetUUIDs     []string `json:"target_uuids,omitempty"`
	Exclude         bool     `json:"exclude"`
	Strict          bool     `json:"strict"`
	MatchSource     bool     `json:"match_source"`
	GuessGitHubUser bool     `json:"guess_github_user"`
	LastModified    string   `json:"last_modified,omitempty"`
}

func (p MatchParams) withActor(actor string) MatchParams {
	p.Actor = actor
	return p
}

// GenderParams selects the individuals whose gender should be completed.
type GenderParams struct {
	Actor            string   `json:"actor,omitempty"`
	UUIDs            []string `json:"uuids,omitempty"`
	Exclude          bool     `json:"exclude"`
	NoStrictMatching bool     `json:"no_strict_matching"`
}

func (p GenderParams) withActor(actor string) GenderParams {
	p.Actor = actor
	return p
}

// ImportParams describes one identities import run: the importer backend,
// the location to read from and backend-specific extras.
type ImportParams struct {
	Actor       string         `json:"actor,omitempty"`
	BackendName string         `json:"backend_name"`
	URL         string         `json:"url"`
	FromDate    string         `json:"from_date,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

func (p ImportParams) withActor(actor string) ImportParams {
	p.Actor = actor
	return p
}

// Affiliate links individuals to organizations using their enrollment
// data and email domains.
func (c *Client) Affiliate(ctx context.Context, params AffiliateParams) (*Result, error) {
	return c.run(ctx, "/identities/affiliate", params)
}

// Unify merges individuals that match on the given criteria.
func (c *Client) Unify(ctx context.Context, params MatchParams) (*Result, error) {
	return c.run(ctx, "/identities/unify", params)
}

// Genderize completes gender profile data for the selected individuals.
func (c *Client) Genderize(ctx context.Context, params GenderParams) (*Result, error) {
	return c.run(ctx, "/identities/genderize", params)
}

// RecommendAffiliations computes affiliation recommendations without
// applying them.
func (c *Client) RecommendAffiliations(ctx context.Context, params AffiliateParams) (*Result, error) {
	return c.run(ctx, "/recommendations/affiliations", params)
}

// RecommendMatches computes merge recommendations without applying them.
func (c *Client) RecommendMatches(ctx context.Context, params MatchParams) (*Result, error) {
	return c.run(ctx, "/recommendations/matches", params)
}

// RecommendGender computes gender recommendations without applying them.
func (c *Client) RecommendGender(ctx context.Context, params GenderParams) (*Result, error) {
	return c.run(ctx, "/recommendations/gender", params)
}

// ImportIdentities runs an identities import with the given backend.
func (c *Client) ImportIdentities(ctx context.Context, params ImportParams) (*Result, error) {
	return c.run(ctx, "/importer/import", params)
}

// ImportBackends lists the import backends the service supports.
func (c *Client) ImportBackends(ctx context.Context) ([]ImportBackend, error) {
	var backends []ImportBackend
	if err := c.call(ctx, http.MethodGet, "/importer/backends", nil, &backends); err != nil {
		return nil, err
	}
	return backends, nil
}

func (c *Client) run(ctx context.Context, path string, params any) (*Result, error) {
	var res Result
	if err := c.call(ctx, http.MethodPost, path, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// call sends one request, retrying transport failures and server errors
// with linear backoff.
func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode identity request: %w", err)
		}
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err := c.roundTrip(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * retryBackoff
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create identity request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity service request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	return decodeBody(resp, out)
}

type statusError struct {
	status string
	code   int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("identity service %s", e.status)
	}
	return fmt.Sprintf("identity service %s: %s", e.status, e.body)
}

// retryable reports whether another attempt may succeed: transport
// failures and 5xx responses qualify, 4xx responses do not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError
	}
	return true
}

func readStatusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if cerr := resp.Body.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("identity service %s: read error body: %w", resp.Status, err)
	}
	return &statusError{
		status: resp.Status,
		code:   resp.StatusCode,
		body:   strings.TrimSpace(string(body)),
	}
}

func decodeBody(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if cerr := resp.Body.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("read identity response: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}
