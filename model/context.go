package model

import (
	"context"
	"errors"
)

// RequestContext carries the resolved identity of the acting user and the
// tracing information for the lifetime of a request. It is immutable after
// construction and safe for concurrent reads.
//
// Roles holds organizational roles (e.g. "Graphic", "Sales", "Warehouse").
// Every workflow transition performs its authorization check against Roles.
type RequestContext struct {
	SubjectID     string
	DisplayName   string
	Email         string
	Roles         []string
	Claims        map[string]any
	SessionID     string
	DeviceID      string
	CorrelationID string
	TraceID       string
	SpanID        string
	Locale        string
	Timezone      string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithRoles returns a copy of the RequestContext with extra roles merged in.
// Duplicates are dropped; the receiver is not modified.
func (rc *RequestContext) WithRoles(roles ...string) *RequestContext {
	cp := *rc
	cp.Roles = make([]string, 0, len(rc.Roles)+len(roles))
	seen := make(map[string]bool, len(rc.Roles)+len(roles))
	for _, r := range append(append([]string{}, rc.Roles...), roles...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		cp.Roles = append(cp.Roles, r)
	}
	return &cp
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
