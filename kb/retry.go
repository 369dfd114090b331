package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Request performs a logical call against endpoint and decodes the JSON
// response into T. Retryable failures (timeouts, network errors, HTTP 5xx)
// are retried up to the configured budget with linear backoff; the last
// error is returned unchanged once the budget is spent.
func Request[T any](ctx context.Context, c *Client, endpoint string, opts RequestOptions) (*Response[T], error) {
	opts = c.prepare(opts)

	for attempt := 0; ; attempt++ {
		resp, err := doAttempt[T](ctx, c, endpoint, opts)
		if err == nil {
			return resp, nil
		}
		if !c.shouldRetry(err, attempt) {
			return nil, err
		}
		if err := c.backoff(ctx, endpoint, opts, attempt, err); err != nil {
			return nil, err
		}
	}
}

func doAttempt[T any](ctx context.Context, c *Client, endpoint string, opts RequestOptions) (*Response[T], error) {
	c.logAttempt(endpoint, opts)

	resp, err := c.exchange(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response[T]{Success: true, StatusCode: resp.StatusCode}
	body := &readErrRecorder{r: resp.Body}
	if err := json.NewDecoder(body).Decode(&out.Data); err != nil && !errors.Is(err, io.EOF) {
		if body.err != nil {
			return nil, classify(ctx, body.err)
		}
		// the body arrived intact but is not valid JSON; replaying won't help
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       CodeServer,
			Message:    fmt.Sprintf("invalid JSON response: %v", err),
			Err:        err,
		}
	}
	return out, nil
}

// readErrRecorder remembers the first read failure other than io.EOF, so
// transport errors can be told apart from malformed payloads.
type readErrRecorder struct {
	r   io.Reader
	err error
}

func (r *readErrRecorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && r.err == nil {
		r.err = err
	}
	return n, err
}

// prepare fills in request-wide defaults once, before the first attempt, so
// every retry sends identical headers.
func (c *Client) prepare(opts RequestOptions) RequestOptions {
	if opts.Body != nil && !hasHeader(opts.Headers, headerContentType) {
		opts.Headers = withHeader(opts.Headers, headerContentType, contentTypeJSON)
	}
	if c.requestIDs && !hasHeader(opts.Headers, headerRequestID) {
		opts.Headers = withHeader(opts.Headers, headerRequestID, uuid.NewString())
	}
	return opts
}

func (c *Client) shouldRetry(err error, attempt int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok || !apiErr.IsRetryable() {
		return false
	}
	return attempt < c.retryAttempts
}

// retryDelayFor returns the linear backoff before retry number attempt+1.
func (c *Client) retryDelayFor(attempt int) time.Duration {
	return c.retryDelay * time.Duration(attempt+1)
}

// backoff waits before the next attempt. A cancelled ctx ends the sequence.
func (c *Client) backoff(ctx context.Context, endpoint string, opts RequestOptions, attempt int, cause error) error {
	delay := c.retryDelayFor(attempt)
	c.logger.Warn().
		Err(cause).
		Str("endpoint", endpoint).
		Str("request_id", lookupHeader(opts.Headers, headerRequestID)).
		Int("attempt", attempt+1).
		Int("max_retries", c.retryAttempts).
		Dur("delay", delay).
		Msg("Retrying request")

	if err := c.sleep(ctx, delay); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (c *Client) logAttempt(endpoint string, opts RequestOptions) {
	c.logger.Debug().
		Str("method", opts.method()).
		Str("endpoint", endpoint).
		Str("request_id", lookupHeader(opts.Headers, headerRequestID)).
		Msg("Sending request")
}
