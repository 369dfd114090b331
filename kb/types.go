package kb

import (
	"net/http"
	"time"
)

// Config holds everything the client needs. It is resolved by the caller
// (see the config package) and handed over at construction.
type Config struct {
	BaseURL        string
	APIKey         string
	SessionToken   string
	DefaultHeaders map[string]string

	// Timeout applies per attempt. Zero disables the watchdog.
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration

	// ManagedIdentity allows construction without an API key; requests then
	// authenticate with the session token pushed through UpdateSessionToken.
	ManagedIdentity bool

	// OrgID and KBID are the defaults used by Query.
	OrgID string
	KBID  string
}

// RequestOptions describes a single logical call.
type RequestOptions struct {
	// Method defaults to GET
	Method string
	// Body is sent as-is on every attempt
	Body []byte
	// Headers override defaults and auth headers key by key
	Headers map[string]string
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

// Response is the envelope returned for 2xx outcomes.
type Response[T any] struct {
	Data       T      `json:"data"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// QueryParams selects the knowledge base and the statement to run.
// Empty ids fall back to Config.OrgID and Config.KBID.
type QueryParams struct {
	OrgID string
	KBID  string
	SQL   string
}

// QueryResult is the free-form record returned by the query endpoint.
type QueryResult map[string]any

type queryRequest struct {
	SQL string `json:"sql"`
}
