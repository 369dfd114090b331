package kb

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// exchange performs a single HTTP round trip. Non-2xx responses are turned
// into an *APIError; on success the caller owns resp.Body, and closing it
// releases the attempt context.
func (c *Client) exchange(ctx context.Context, endpoint string, opts RequestOptions) (*http.Response, error) {
	target := buildURL(c.baseURL, endpoint)
	headers := buildHeaders(c.defaultHeaders, c.apiKey, c.SessionToken(), opts.Headers)

	attemptCtx, cancel := context.WithCancelCause(ctx)
	var watchdog *time.Timer
	if c.timeout > 0 {
		watchdog = time.AfterFunc(c.timeout, func() { cancel(errWatchdog) })
	}
	release := func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, opts.method(), target, body)
	if err != nil {
		release()
		cancel(nil)
		return nil, classify(attemptCtx, err)
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	release()
	if err != nil {
		apiErr := classify(attemptCtx, err)
		cancel(nil)
		return nil, apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := FromResponse(resp)
		resp.Body.Close()
		cancel(nil)
		return nil, apiErr
	}

	resp.Body = &attemptBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// attemptBody cancels the attempt context once the body is closed.
type attemptBody struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
	once   sync.Once
}

func (b *attemptBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.cancel(nil) })
	return err
}
