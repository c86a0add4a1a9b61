package entitlement

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordTransition records an applied transition and its outcome.
	RecordTransition(kind Kind, outcome Outcome)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordProjection records the result of a listing projection ("promoted", "none", "hidden", "error").
	RecordProjection(result string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(kind Kind, outcome Outcome)                                {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordProjection(result string)                                             {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
