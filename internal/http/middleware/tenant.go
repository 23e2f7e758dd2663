// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the tenant identity for a request. The relay is
// multi-tenant at the API edge: every account belongs to a tenant, and list
// endpoints are scoped by it. Authentication is delegated to the fronting
// proxy; the relay trusts the X-Tenant-ID header it forwards.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ctxKeyTenantID is the Gin context key under which the tenant is stored.
	ctxKeyTenantID = "tenantID"
	// HeaderTenantID carries the tenant identity set by the fronting proxy.
	HeaderTenantID = "X-Tenant-ID"
	// defaultTenant is used when no header is present (single-tenant setups).
	defaultTenant = "default"
)

// TenantID resolves and stores the request's tenant identity.
func TenantID() gin.HandlerFunc {
	return func(c *gin.Context) {
		tid := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tid == "" {
			tid = defaultTenant
		}
		c.Set(ctxKeyTenantID, tid)
		c.Next()
	}
}

// TenantFrom returns the tenant stored by TenantID, or the default.
func TenantFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyTenantID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultTenant
}
