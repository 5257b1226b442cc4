// Package requestcontext carries per-evaluation values through context
// without tying services to the HTTP layer.
package requestcontext

import "context"

type evaluationIDKey struct{}

// WithEvaluationID returns ctx carrying id.
func WithEvaluationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, evaluationIDKey{}, id)
}

// EvaluationID returns the evaluation id stored in ctx, or "".
func EvaluationID(ctx context.Context) string {
	id, _ := ctx.Value(evaluationIDKey{}).(string)
	return id
}
