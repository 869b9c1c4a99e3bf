package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/filedav-server/internal/auth"
	"github.com/filedav-server/internal/config"
	"github.com/filedav-server/internal/middleware"
	"github.com/filedav-server/internal/webdav"
)

// WebDAVPrefixes 是挂载 WebDAV 的路由前缀，后者兼容 ownCloud 客户端
var WebDAVPrefixes = []string{"/webdav", "/remote.php/webdav"}

// NewRouter 创建 gin 引擎并注册全部路由
func NewRouter(cfg *config.Config, authService *auth.Service, davHandler *webdav.Handler, logger logrus.FieldLogger) *gin.Engine {
	gin.SetMode(cfg.GetGINMode())

	router := gin.New()
	// route on the escaped path so %2F stays inside its segment
	router.UseRawPath = true
	router.UnescapePathValues = false

	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggerMiddleware(logger))

	if cfg.Server.EnableCORS {
		router.Use(middleware.CORSMiddleware())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/login", handleLogin(authService))
		authGroup.GET("/me", middleware.AuthMiddleware(authService), handleGetMe(authService))
	}

	for _, prefix := range WebDAVPrefixes {
		group := router.Group(prefix)
		group.Use(middleware.AuthMiddleware(authService))
		group.Use(middleware.DAVMiddleware())
		davHandler.Register(group)
	}

	return router
}
