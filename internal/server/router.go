package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"termchat/internal/auth"
	"termchat/internal/command"
	"termchat/internal/config"
	"termchat/internal/directory"
	"termchat/internal/metrics"
	"termchat/internal/mw"
	"termchat/internal/realtime"
	"termchat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, st *store.Store, hub *realtime.Hub, dirSvc *directory.Service, disp *command.Dispatcher) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 每 IP+路由的滑动窗口限流，超限返回 429 + Retry-After。
	r.Use(mw.RateLimit(cfg.RateLimitPerMinute))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(cfg, db, st, dirSvc, hub)

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 目录匿名可读，带 token 时额外返回未读与管理分类。
	api.GET("/directory", h.Directory)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/channels", h.CreateChannel)
	authed.GET("/channels", h.ListChannels)
	authed.GET("/channels/:id/members", h.ListMembers)
	authed.GET("/channels/:id/messages", h.ListMessages)
	authed.POST("/channels/:id/bans", h.CreateBan)
	authed.PUT("/channels/:id/subscription", h.Subscribe)
	authed.DELETE("/channels/:id/subscription", h.Unsubscribe)
	authed.GET("/subscriptions", h.ListSubscriptions)
	authed.DELETE("/account", h.DeleteAccount)

	r.GET("/ws", ServeWS(cfg, db, st, hub, dirSvc, disp))

	distDir := filepath.Join(".", "frontend", "dist")
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err == nil {
		r.GET("/*filepath", func(c *gin.Context) {
			path := c.Param("filepath")
			if path == "" || path == "/" {
				c.File(filepath.Join(distDir, "index.html"))
				return
			}
			clean := filepath.Clean(path)
			rel := strings.TrimPrefix(clean, "/")
			if rel == "" {
				c.File(filepath.Join(distDir, "index.html"))
				return
			}
			if strings.HasPrefix(rel, "api/") || rel == "metrics" || rel == "healthz" || strings.HasPrefix(rel, "ws") {
				c.Status(http.StatusNotFound)
				return
			}
			target := filepath.Join(distDir, rel)
			if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
				c.File(target)
				return
			}
			if strings.Contains(rel, ".") {
				c.Status(http.StatusNotFound)
				return
			}
			c.File(filepath.Join(distDir, "index.html"))
		})
	} else {
		r.Static("/", "./web")
	}
	return r
}
