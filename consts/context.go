package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// RequestIDKey carries the per-request identifier assigned by the HTTP
	// API so that protocol log lines can be correlated with the API call.
	RequestIDKey = ContextKey("request_id")
)
