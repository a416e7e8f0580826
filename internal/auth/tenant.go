package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/models"
)

const (
	tenantHeader = "X-Tenant-ID"
	tenantKey    = "tenant"
)

// TenantMiddleware requires the X-Tenant-ID header. Requests are never served
// without an explicit tenant scope.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := models.TenantID(c.GetHeader(tenantHeader))
		if err := tenant.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "missing " + tenantHeader + " header",
			})
			return
		}
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

// Tenant returns the tenant set by TenantMiddleware, or "" outside it.
func Tenant(c *gin.Context) models.TenantID {
	v, ok := c.Get(tenantKey)
	if !ok {
		return ""
	}
	t, _ := v.(models.TenantID)
	return t
}
