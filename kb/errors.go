package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrorCode is the machine-readable classification carried by APIError.
type ErrorCode string

const (
	// CodeTimeout marks an attempt cancelled by the timeout watchdog
	CodeTimeout ErrorCode = "TIMEOUT_ERROR"
	// CodeNetwork marks connectivity failures below HTTP
	CodeNetwork ErrorCode = "NETWORK_ERROR"
	// CodeServer marks any failure that could not be classified further
	CodeServer ErrorCode = "SERVER_ERROR"
	// CodeNoBody marks a streaming response without a readable body
	CodeNoBody ErrorCode = "NO_BODY"
	// CodeConfig marks a fatal configuration problem
	CodeConfig ErrorCode = "CONFIG_ERROR"
)

// Configuration errors, always wrapped in an APIError with CodeConfig.
var (
	// ErrMissingBaseURL indicates no base URL was configured
	ErrMissingBaseURL = errors.New("base URL is required")
	// ErrMissingAuth indicates neither an API key nor managed identity is available
	ErrMissingAuth = errors.New("an API key is required unless managed identity is enabled")
	// ErrMissingOrgID indicates a query without an organization id
	ErrMissingOrgID = errors.New("organization id is required")
	// ErrMissingKBID indicates a query without a knowledge base id
	ErrMissingKBID = errors.New("knowledge base id is required")
)

// maxErrorBodyBytes bounds how much of a failed response is read for classification.
const maxErrorBodyBytes = 64 << 10

// APIError is the single error type surfaced by the client.
type APIError struct {
	StatusCode int
	Code       ErrorCode
	Message    string
	Err        error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("kb API error: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("kb API error (%s): %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure belongs to the transient set:
// timeouts, network failures and HTTP 5xx.
func (e *APIError) IsRetryable() bool {
	switch e.Code {
	case CodeTimeout, CodeNetwork:
		return true
	}
	return e.StatusCode >= 500
}

// IsNotFound checks if the error indicates a not found response
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnauthorized checks if the error indicates an authentication failure
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsConfig checks if the error is a fatal configuration error
func (e *APIError) IsConfig() bool {
	return e.Code == CodeConfig
}

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func configError(err error) *APIError {
	return &APIError{Code: CodeConfig, Message: err.Error(), Err: err}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// FromResponse classifies a non-2xx response. The body is read (bounded) but
// not closed.
func FromResponse(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       ErrorCode(fmt.Sprintf("HTTP_%d", resp.StatusCode)),
		Message:    fmt.Sprintf("request failed with status %d", resp.StatusCode),
	}
	if resp.Body == nil {
		return apiErr
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}
	if msg := strings.TrimSpace(body.Message); msg != "" {
		apiErr.Message = msg
	} else if msg := strings.TrimSpace(body.Error); msg != "" {
		apiErr.Message = msg
	}
	if code := strings.TrimSpace(body.Code); code != "" {
		apiErr.Code = ErrorCode(code)
	}
	return apiErr
}

// errWatchdog is the cancellation cause installed by the per-attempt timeout.
var errWatchdog = errors.New("request timed out")

// classify translates a failure that is not an HTTP response. ctx is the
// per-attempt context, consulted for the watchdog cause.
func classify(ctx context.Context, err error) *APIError {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr
	}

	if errors.Is(context.Cause(ctx), errWatchdog) {
		return &APIError{Code: CodeTimeout, Message: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Code: CodeTimeout, Message: "request timed out", Err: err}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Code: CodeServer, Message: fmt.Sprintf("request aborted: %v", err), Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &APIError{Code: CodeNetwork, Message: fmt.Sprintf("network error: %v", err), Err: err}
	}

	return &APIError{Code: CodeServer, Message: fmt.Sprintf("unexpected error: %v", err), Err: err}
}
