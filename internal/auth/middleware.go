package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"slotattend/internal/attendance"
)

const (
	// SessionCookie carries the access token for browser clients.
	SessionCookie  = "session"
	currentUserKey = "current_user"
)

// UserSource loads the user a token was issued to.
type UserSource interface {
	Get(ctx context.Context, id int64) (attendance.User, error)
	IsConfiguredAdmin(email string) bool
}

// BearerToken extracts the token from the Authorization header or the session cookie.
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie
	}
	return ""
}

// Session authenticates the request and stores the user under current_user.
// Banned users are turned away with 403.
func Session(keys Keys, users UserSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "msg": "Authentication required"})
			return
		}
		claims, err := Parse(token, TypeAccess, keys)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "msg": "Invalid session"})
			return
		}
		user, err := users.Get(c.Request.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, attendance.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "msg": "Invalid session"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "msg": "Internal server error"})
			return
		}
		if users.IsConfiguredAdmin(user.Email) {
			user.Role = attendance.RoleAdmin
		}
		if user.IsBanned {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "msg": "Account banned"})
			return
		}
		c.Set(currentUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user.
func CurrentUser(c *gin.Context) (attendance.User, bool) {
	v, ok := c.Get(currentUserKey)
	if !ok {
		return attendance.User{}, false
	}
	user, ok := v.(attendance.User)
	return user, ok
}

// RequireRoles rejects users whose role is not listed.
func RequireRoles(roles ...attendance.Role) gin.HandlerFunc {
	roleSet := make(map[attendance.Role]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "msg": "Authentication required"})
			return
		}
		if _, ok := roleSet[user.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "msg": "Forbidden"})
			return
		}
		c.Next()
	}
}
