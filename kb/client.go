package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBatchConcurrency bounds QueryBatch unless overridden.
const DefaultBatchConcurrency = 4

// Client talks to the knowledge base API. It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	defaultHeaders map[string]string
	timeout        time.Duration
	retryAttempts  int
	retryDelay     time.Duration
	orgID          string
	kbID           string

	// sessionToken is the only field mutated after construction.
	sessionToken atomic.Pointer[string]

	httpClient       *http.Client
	batchConcurrency int
	requestIDs       bool
	sleep            func(ctx context.Context, d time.Duration) error
	logger           zerolog.Logger
}

// NewClient validates cfg and creates a client. It performs no network I/O.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, configError(ErrMissingBaseURL)
	}
	if cfg.APIKey == "" && !cfg.ManagedIdentity {
		return nil, configError(ErrMissingAuth)
	}

	headers := make(map[string]string, len(cfg.DefaultHeaders))
	for k, v := range cfg.DefaultHeaders {
		headers[k] = v
	}

	c := &Client{
		baseURL:          baseURL,
		apiKey:           cfg.APIKey,
		defaultHeaders:   headers,
		timeout:          cfg.Timeout,
		retryAttempts:    max(cfg.RetryAttempts, 0),
		retryDelay:       max(cfg.RetryDelay, 0),
		orgID:            cfg.OrgID,
		kbID:             cfg.KBID,
		httpClient:       &http.Client{},
		batchConcurrency: DefaultBatchConcurrency,
		requestIDs:       true,
		sleep:            sleepContext,
		logger:           logger.With().Str("component", "kb").Logger(),
	}
	c.storeSessionToken(cfg.SessionToken)

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request performs a call and returns the undecoded JSON payload.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) (*Response[json.RawMessage], error) {
	return Request[json.RawMessage](ctx, c, endpoint, opts)
}

// Query runs sql against a knowledge base. Missing ids fail with a config
// error before any network call.
func (c *Client) Query(ctx context.Context, params QueryParams) (*Response[QueryResult], error) {
	orgID := params.OrgID
	if orgID == "" {
		orgID = c.orgID
	}
	kbID := params.KBID
	if kbID == "" {
		kbID = c.kbID
	}
	if orgID == "" {
		return nil, configError(ErrMissingOrgID)
	}
	if kbID == "" {
		return nil, configError(ErrMissingKBID)
	}

	body, err := json.Marshal(queryRequest{SQL: params.SQL})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	endpoint := fmt.Sprintf("/orgs/%s/kbs/%s/query", url.PathEscape(orgID), url.PathEscape(kbID))
	return Request[QueryResult](ctx, c, endpoint, RequestOptions{
		Method: http.MethodPost,
		Body:   body,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
