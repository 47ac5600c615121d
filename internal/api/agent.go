package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/capture"
	"github.com/calebmorrow/notiq/internal/handlers"
	"github.com/calebmorrow/notiq/internal/middleware"
	"github.com/calebmorrow/notiq/internal/pipeline"
	"github.com/calebmorrow/notiq/internal/store"
	"github.com/calebmorrow/notiq/internal/sync"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
	"github.com/calebmorrow/notiq/pkg/response"
)

// NewAgentRouter builds the device-local control surface: platform
// integrations post raw captures here, and local UIs drive read/dismiss
// actions and inspect sync state.
func NewAgentRouter(db *gorm.DB, processor *pipeline.Processor, st *store.Store, engine *sync.Engine) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor must be provided")
	}
	if st == nil {
		return nil, fmt.Errorf("store must be provided")
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.GET("/health", handlers.Health(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")

	captures := v1.Group("/captures")
	{
		captures.POST("", func(c *gin.Context) {
			var raw capture.RawCapture
			if err := c.ShouldBindJSON(&raw); err != nil {
				response.Error(c, apperrors.NewBadRequest("invalid JSON payload"))
				return
			}
			result, err := processor.Process(c.Request.Context(), raw)
			if err != nil {
				response.Error(c, err)
				return
			}
			response.Success(c, http.StatusAccepted, gin.H{
				"stored": result.Stored,
				"reason": result.Reason,
				"record": result.Record,
			})
		})

		captures.POST("/batch", func(c *gin.Context) {
			var payload struct {
				Captures []capture.RawCapture `json:"captures"`
			}
			if err := c.ShouldBindJSON(&payload); err != nil || len(payload.Captures) == 0 {
				response.Error(c, apperrors.NewBadRequest("captures are required"))
				return
			}
			results, err := processor.ProcessBatch(c.Request.Context(), payload.Captures)
			if err != nil {
				response.Error(c, err)
				return
			}
			stored := 0
			for _, result := range results {
				if result.Stored {
					stored++
				}
			}
			response.Success(c, http.StatusAccepted, gin.H{
				"accepted": len(results),
				"stored":   stored,
			})
		})
	}

	records := v1.Group("/records")
	{
		records.GET("", func(c *gin.Context) {
			limit, offset := listParams(c)
			items, err := st.ListRecords(c.Request.Context(), limit, offset)
			if err != nil {
				response.Error(c, err)
				return
			}
			response.Success(c, http.StatusOK, items)
		})

		records.POST("/:id/read", recordAction(processor.MarkRead))
		records.POST("/:id/dismiss", recordAction(processor.Dismiss))
		records.POST("/:id/click", recordAction(processor.Click))
		records.DELETE("/:id", recordAction(processor.Delete))
	}

	syncRoutes := v1.Group("/sync")
	{
		syncRoutes.POST("", func(c *gin.Context) {
			if engine == nil {
				response.Error(c, apperrors.ErrNotFound)
				return
			}
			if err := engine.Sync(c.Request.Context()); err != nil {
				response.Error(c, err)
				return
			}
			response.Success(c, http.StatusOK, gin.H{"synced": true})
		})

		syncRoutes.POST("/network", func(c *gin.Context) {
			if engine == nil {
				response.Error(c, apperrors.ErrNotFound)
				return
			}
			var payload struct {
				Online *bool `json:"online"`
			}
			if err := c.ShouldBindJSON(&payload); err != nil || payload.Online == nil {
				response.Error(c, apperrors.NewBadRequest("online flag is required"))
				return
			}
			engine.SetOnline(c.Request.Context(), *payload.Online)
			response.Success(c, http.StatusOK, gin.H{"online": engine.Online()})
		})

		syncRoutes.GET("/errors", func(c *gin.Context) {
			entries, err := st.ListSyncErrors(c.Request.Context(), 50)
			if err != nil {
				response.Error(c, err)
				return
			}
			response.Success(c, http.StatusOK, entries)
		})
	}

	return r, nil
}

func recordAction(action func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if err := action(c.Request.Context(), id); err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"ok": true})
	}
}

func listParams(c *gin.Context) (limit, offset int) {
	limit, offset = 100, 0
	if v, err := strconv.Atoi(strings.TrimSpace(c.Query("limit"))); err == nil {
		limit = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(c.Query("offset"))); err == nil {
		offset = v
	}
	return limit, offset
}
