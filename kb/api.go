package kb

import (
	"context"
	"encoding/json"
)

// API defines the operations the CLI depends on
type API interface {
	// Request performs a generic call and returns the raw JSON payload
	Request(ctx context.Context, endpoint string, opts RequestOptions) (*Response[json.RawMessage], error)

	// Stream opens a call whose body is consumed chunk by chunk
	Stream(ctx context.Context, endpoint string, opts RequestOptions) (*Stream, error)

	// Query runs a statement against a knowledge base
	Query(ctx context.Context, params QueryParams) (*Response[QueryResult], error)

	// QueryBatch runs several statements concurrently
	QueryBatch(ctx context.Context, params []QueryParams) BatchQueryResult

	// UpdateSessionToken pushes a new session token from the identity provider
	UpdateSessionToken(token string)
}

var _ API = (*Client)(nil)
