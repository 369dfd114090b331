// Package kb provides a resilient client for the knowledge base query API.
//
// The client centralizes request construction, authentication headers,
// per-attempt timeouts, retries and error classification. Authentication
// flows themselves live with the identity provider; the client only receives
// the resulting session token through UpdateSessionToken.
//
// # Usage
//
//	logger := zerolog.New(os.Stderr)
//	client, err := kb.NewClient(kb.Config{
//		BaseURL:       "https://kb.example.com/api",
//		APIKey:        "your-api-key",
//		Timeout:       30 * time.Second,
//		RetryAttempts: 3,
//		RetryDelay:    time.Second,
//		OrgID:         "acme",
//		KBID:          "handbook",
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	resp, err := client.Query(ctx, kb.QueryParams{SQL: "SELECT 1"})
//
// # Authentication
//
// Exactly one auth header is sent. An API key produces
// "Authorization: Bearer <key>"; without one, the current session token is
// sent as "x-auth-token". Per-call headers override both.
//
// # Retries
//
// Timeouts, network failures and HTTP 5xx responses are retried up to
// Config.RetryAttempts times, waiting RetryDelay, 2*RetryDelay, 3*RetryDelay
// and so on between attempts. The timeout applies to each attempt, not to
// the whole sequence. Everything else fails immediately.
//
// # Streaming
//
// Client.Stream returns a Stream that reads the body lazily. Always Close it.
// A retryable failure mid-stream restarts the call from the beginning, which
// may deliver early chunks twice.
//
// # Error Handling
//
// Every failure is an *APIError carrying a status code (0 when no response
// was received) and an ErrorCode:
//
//	if apiErr, ok := kb.AsAPIError(err); ok {
//		if apiErr.IsConfig() {
//			// fix configuration, retrying will not help
//		}
//	}
package kb
