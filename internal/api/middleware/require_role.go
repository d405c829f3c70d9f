package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

// RequireRole admits requests whose token role (set by JWTAuth) is one of
// allowed.
func RequireRole(allowed ...models.UserRole) gin.HandlerFunc {
	allow := make(map[models.UserRole]struct{}, len(allowed))
	for _, a := range allowed {
		allow[a] = struct{}{}
	}

	return func(c *gin.Context) {
		role := models.UserRole(strings.ToLower(strings.TrimSpace(c.GetString("role"))))
		if _, ok := allow[role]; !ok || !role.Valid() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    utils.CodeForbidden,
				"message": "role not permitted",
			})
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc { return RequireRole(models.RoleAdmin) }
