package queue

import "errors"

var (
	// ErrDuplicateJob is returned when a JobId is already present in the queue.
	ErrDuplicateJob = errors.New("queue: job already exists")

	// ErrNoHandler marks a job whose type has no registered handler.
	ErrNoHandler = errors.New("queue: no handler registered")

	// ErrCircuitOpen is returned by the resilience pipeline when the breaker
	// rejected the call before the handler ran.
	ErrCircuitOpen = errors.New("queue: circuit breaker open")

	ErrDeadLetterNotFound = errors.New("queue: dead-letter entry not found")
	ErrInvalidPriority    = errors.New("queue: invalid priority")
)
