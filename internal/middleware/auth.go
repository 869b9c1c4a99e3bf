package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/filedav-server/internal/auth"
	"github.com/filedav-server/internal/models"
)

// Authenticator 由 auth.Service 实现
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	ValidateToken(token string) (*auth.Claims, error)
	Realm() string
}

// AuthMiddleware 接受 Basic 认证和 Bearer 令牌，成功后在上下文中写入 userID 和 username
func AuthMiddleware(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		switch {
		case strings.HasPrefix(authHeader, "Bearer "):
			claims, err := authenticator.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				challenge(c, authenticator.Realm())
				return
			}
			c.Set("userID", claims.UserID)
			c.Set("username", claims.Username)

		case strings.HasPrefix(authHeader, "Basic "):
			username, password, ok := c.Request.BasicAuth()
			if !ok {
				challenge(c, authenticator.Realm())
				return
			}
			user, err := authenticator.Authenticate(c.Request.Context(), username, password)
			if err != nil {
				challenge(c, authenticator.Realm())
				return
			}
			c.Set("userID", user.ID.String())
			c.Set("username", user.Username)

		default:
			challenge(c, authenticator.Realm())
			return
		}

		c.Next()
	}
}

func challenge(c *gin.Context, realm string) {
	c.Header("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
	c.AbortWithStatus(http.StatusUnauthorized)
}

// DAVMiddleware 在通过认证的 WebDAV 请求上声明 DAV 能力
func DAVMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("DAV", "1")
		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, HEAD, PUT, DELETE, OPTIONS, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Depth, Destination, Overwrite, X-OC-Mtime")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, Last-Modified, ETag, DAV")
		c.Header("Access-Control-Max-Age", "86400")

		// preflight only; WebDAV OPTIONS carry credentials
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
