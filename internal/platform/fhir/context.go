package fhir

import "context"

// RequestContext carries the caller's project and author identity, extracted
// from the bearer token by the auth layer. Repository writes stamp the
// project id and route the instance-level policy check through it.
type RequestContext struct {
	Project string
	Author  string
}

type requestContextKey struct{}

// WithRequestContext attaches the request context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the attached request context, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return rc
	}
	return nil
}
