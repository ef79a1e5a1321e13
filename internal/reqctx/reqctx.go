// Package reqctx carries the handful of per-request values that cross a
// middleware boundary without a direct function call to pass them through —
// currently just the JSON body's `model` field, read by the Token Accounting
// Layer and needed again by the Proxy Core for its trace span attributes.
package reqctx

import "context"

type modelKeyType struct{}

var modelKey modelKeyType

// WithModel returns a context carrying model for later retrieval via
// ModelFromContext.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelKey, model)
}

// ModelFromContext returns the model stashed by WithModel, or "" if none was
// ever set on ctx.
func ModelFromContext(ctx context.Context) string {
	m, _ := ctx.Value(modelKey).(string)
	return m
}
