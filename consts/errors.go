package consts

import "errors"

var (
	ErrNoHealthyEndpoint  = errors.New("no healthy endpoint available")
	ErrNoReplicaAvailable = errors.New("no replica available")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrRetriesExhausted   = errors.New("retries exhausted")

	ErrDuplicateEndpoint = errors.New("endpoint already registered")
	ErrEndpointNotFound  = errors.New("endpoint not found")
	ErrEndpointInUse     = errors.New("endpoint has in-flight operations")
	ErrInvalidEndpoint   = errors.New("invalid endpoint definition")

	ErrInvalidFailoverTarget = errors.New("invalid failover target")
	ErrEndpointQuarantined   = errors.New("endpoint quarantined")
	ErrAttemptTimeout        = errors.New("attempt timed out")

	ErrSystemClosed = errors.New("system closed")
)
