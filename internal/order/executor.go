package order

import "context"

// Executor places an exit order with the broker. Implementations map broker
// failures onto the package error taxonomy: ErrRejected for a terminal
// refusal, ErrTimeout for a transient fault worth retrying.
type Executor interface {
	PlaceExit(ctx context.Context, req ExitRequest) (orderID string, err error)
}

// Store persists dispatch attempts for auditability.
type Store interface {
	CreateExitOrder(ctx context.Context, rec Record) error
}
