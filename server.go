package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/middlewares"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/mmdatafocus/stock_engine/utils"
	"github.com/mmdatafocus/stock_engine/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func newRouter(h *apiHandler) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header("x-correlation-id", cid)
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsConfig()))
	r.Use(customErrorLogger(h.logger))
	r.Use(gin.Recovery())
	r.NoRoute(customNotFoundHandler)

	api := r.Group("/api", h.readyGate(), middlewares.AuthMiddleware())
	api.POST("/orders/complete", h.completeOrder)

	api.POST("/inventory", h.createInventory)
	api.GET("/inventory/:id", h.getInventory)
	api.POST("/inventory/:id/receive", h.receive)
	api.POST("/inventory/:id/adjust", h.adjust)
	api.PUT("/inventory/:id/cost", h.setCost)

	api.PUT("/menu-items/:id", h.upsertMenuItem)
	api.DELETE("/menu-items/:id", h.deleteMenuItem)
	api.GET("/menu-items/:id/recipe", h.getRecipe)
	api.GET("/ingredients/:id/menu-items", h.menuItemsUsingIngredient)
	api.GET("/pos-items/:id", h.getPOSItem)

	sync := api.Group("/sync", middlewares.RequireAdmin())
	sync.GET("/status", h.syncStatus)
	sync.GET("/failed", h.listFailed)
	sync.POST("/failed/:id/retry", h.retryFailed)
	sync.DELETE("/failed/:id", h.discardFailed)
	return r
}

// corsConfig allows every origin outside production. In production only the
// CORS_ALLOWED_ORIGINS allowlist is accepted; an empty list denies all.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.BranchHeader, "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "x-correlation-id")
	return cfg
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	if err := utils.CheckJwtSecret(); err != nil {
		logger.WithFields(logrus.Fields{"field": "auth"}).Fatal(err.Error())
	}
	cfg, err := config.LoadEngineConfig()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err.Error())
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen before dependencies are up; /api answers 503 until the engine is installed.
	h := newAPIHandler(logger)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(h),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry(docstore.NewScopeGuardPlugin(cfg.ScopeGuardStrict))
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	config.ConnectRedisWithRetry(sigCtx)

	if err := os.MkdirAll(filepath.Dir(cfg.SyncQueuePath), 0o755); err != nil {
		logger.WithFields(logrus.Fields{"field": "syncqueue"}).Fatal(err.Error())
	}
	queue, err := syncqueue.Open(sigCtx, cfg.SyncQueuePath, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "syncqueue"}).Fatal(err.Error())
	}
	defer queue.Close()
	queue.ApplyConfig(cfg)

	store := docstore.NewGormStore(db)
	engine := workflow.NewEngine(store, queue, workflow.NewPubSubPublisher(sigCtx, logger), logger, cfg)
	h.setEngine(engine)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go queue.MonitorConnectivity(workerCtx, store.Ping, cfg.SyncPollInterval)
	go queue.Run(workerCtx)

	logger.WithFields(logrus.Fields{
		"field":        "http",
		"port":         port,
		"policy":       cfg.Policy(),
		"sync_pending": queue.Status().PendingCount,
		"sync_failed":  queue.Status().FailedCount,
	}).Info("stock engine started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if err := engine.Costs.Flush(shutdownCtx); err != nil {
		config.LogError(logger, "server.go", "main", "flush pending cost sync", nil, err)
	}
	engine.Close()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
