package middlewares

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/mmdatafocus/stock_engine/utils"
)

type authString string

const (
	BranchHeader = "X-Branch-Id"

	scopeKey = "scope"
)

// AuthMiddleware verifies the bearer token and resolves the request's
// (tenant, location) scope. A request without a resolvable scope never reaches
// a handler.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := utils.JwtValidate(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		scope, err := resolveRequestScope(claims, c.GetHeader(BranchHeader))
		if err != nil {
			status := http.StatusBadRequest
			var cross *models.CrossScopeViolation
			if errors.As(err, &cross) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		ctx := context.WithValue(c.Request.Context(), authString("auth"), claims)
		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetUserIdInContext(ctx, claims.Subject)
		ctx = utils.SetRoleInContext(ctx, claims.Role)
		ctx = utils.SetScopeInContext(ctx, scope.TenantId(), claims.BranchId, scope.LocationId())
		c.Request = c.Request.WithContext(ctx)
		c.Set(scopeKey, scope)
		c.Next()
	}
}

// resolveRequestScope applies the X-Branch-Id override. Only admins may act
// on a branch other than the one in their token.
func resolveRequestScope(claims *utils.JwtCustomClaim, override string) (models.Scope, error) {
	branch := claims.BranchId
	if o := strings.TrimSpace(override); o != "" {
		branch = o
	}
	scope, err := models.ResolveScope(claims.TenantId, branch)
	if err != nil {
		return models.Scope{}, err
	}
	if claims.BranchId == "" || claims.IsAdmin() {
		return scope, nil
	}
	home, err := models.ResolveLocation(claims.BranchId)
	if err != nil {
		return models.Scope{}, err
	}
	if home != scope.LocationId() {
		return models.Scope{}, &models.CrossScopeViolation{
			Op:     "switch branch",
			Detail: "token is bound to " + home + ", request asked for " + scope.LocationId(),
		}
	}
	return scope, nil
}

// RequireAdmin rejects non-admin callers. It must run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CtxValue(c.Request.Context()).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

// ScopeFrom returns the scope AuthMiddleware resolved for this request.
func ScopeFrom(c *gin.Context) (models.Scope, bool) {
	v, ok := c.Get(scopeKey)
	if !ok {
		return models.Scope{}, false
	}
	scope, ok := v.(models.Scope)
	return scope, ok && !scope.IsZero()
}
