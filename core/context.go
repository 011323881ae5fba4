package core

import "context"

type operationIDKey struct{}

// WithOperationID returns a context carrying the broker-assigned operation
// ID. The broker sets it before dispatching to a capability handler.
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, operationID)
}

// OperationIDFrom extracts the operation ID, or "" when absent.
func OperationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey{}).(string)
	return id
}
