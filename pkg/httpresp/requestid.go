// Package httpresp is the kernel's leaf HTTP response layer: the JSON
// envelope (Respond/RespondError), body decoding/validation, and the
// request-id context key every other HTTP-facing package needs.
//
// It is split out from pkg/httpkernel deliberately so handler packages
// (pkg/auth, pkg/workspace, pkg/admindb, pkg/queue) can depend on the
// response envelope without importing the full middleware pipeline, which
// itself depends on pkg/auth — keeping that dependency one-directional.
package httpresp

import "context"

type ctxKey string

const requestIDKey ctxKey = "kernel_request_id"

// NewRequestIDContext stores id in ctx under the kernel's request-id key.
func NewRequestIDContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request id set by the kernel's
// RequestID middleware, or "" if none was set (e.g. in a unit test that
// doesn't run the full pipeline).
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
