package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/handlers"
	"github.com/calebmorrow/notiq/internal/middleware"
	"github.com/calebmorrow/notiq/internal/realtime"
)

// NewRouter builds the Gin engine, wires middleware and registers the
// server-of-record routes.
func NewRouter(db *gorm.DB, hub *realtime.Hub) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Health and metrics endpoints (public)
	r.GET("/health", handlers.Health(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	notificationHandler, err := handlers.NewNotificationHandler(db, hub)
	if err != nil {
		return nil, err
	}
	ruleHandler, err := handlers.NewRuleHandler(db)
	if err != nil {
		return nil, err
	}

	v1 := r.Group("/api/v1")

	notifications := v1.Group("/notifications")
	{
		notifications.GET("", notificationHandler.List)
		notifications.POST("", notificationHandler.Create)
		notifications.POST("/batch", notificationHandler.BatchCreate)
		notifications.GET("/:id", notificationHandler.Get)
		notifications.PUT("/:id/status", notificationHandler.UpdateStatus)
		notifications.DELETE("/:id", notificationHandler.Delete)
	}

	ruleRoutes := v1.Group("/rules")
	{
		ruleRoutes.GET("", ruleHandler.List)
		ruleRoutes.POST("", ruleHandler.Create)
		ruleRoutes.GET("/:id", ruleHandler.Get)
		ruleRoutes.PUT("/:id", ruleHandler.Update)
		ruleRoutes.DELETE("/:id", ruleHandler.Delete)
	}

	v1.GET("/stream", notificationHandler.Stream)

	return r, nil
}
