package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// When set to true, reads are routed exactly like writes so that a caller
	// observes its own preceding writes (read-your-writes).
	UseMasterDBKey = ContextKey("use_master")

	// RequestIDKey carries an optional caller-supplied identifier that is
	// attached to execution log lines.
	RequestIDKey = ContextKey("request_id")
)
