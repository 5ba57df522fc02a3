// Package ctxutil provides shared context key accessors.
//
// The auth middleware populates these values; handler packages read them
// without importing the server package.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/arclight-dev/arclight/internal/auth"
	"github.com/arclight-dev/arclight/internal/model"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyTenant contextKey = "tenant"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithTenant returns a new context carrying the resolved tenant row.
func WithTenant(ctx context.Context, tenant model.Tenant) context.Context {
	return context.WithValue(ctx, keyTenant, tenant)
}

// TenantFromContext extracts the tenant from the context. The second return
// is false when the request was not authenticated.
func TenantFromContext(ctx context.Context) (model.Tenant, bool) {
	if v, ok := ctx.Value(keyTenant).(model.Tenant); ok {
		return v, true
	}
	return model.Tenant{}, false
}

// TenantIDFromContext extracts the tenant id from the context.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if t, ok := TenantFromContext(ctx); ok {
		return t.ID
	}
	return uuid.Nil
}
