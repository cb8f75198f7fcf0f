package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

const selfPrefix = "SELF:"

// RBAC enforces role-based access control for routes. An entry of the form "SELF:<param>"
// admits a student acting on their own record.
func RBAC(allowed ...string) gin.HandlerFunc {
	allowedRoles := make(map[models.UserRole]struct{})
	var selfParams []string
	for _, a := range allowed {
		if len(a) > len(selfPrefix) && a[:len(selfPrefix)] == selfPrefix {
			selfParams = append(selfParams, a[len(selfPrefix):])
			continue
		}
		allowedRoles[models.UserRole(a)] = struct{}{}
	}

	return func(c *gin.Context) {
		actor, ok := CurrentActor(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if _, ok := allowedRoles[actor.Role]; ok {
			c.Next()
			return
		}

		for _, param := range selfParams {
			if target := c.Param(param); target != "" && actor.Role == models.RoleStudent && target == actor.StudentID {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// RequireRoles is a helper that accepts a list of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}

// Self admits a student whose id matches the route parameter.
func Self(param string) string {
	return selfPrefix + param
}
