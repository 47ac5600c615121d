package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/pkg/response"
)

// Health returns a readiness payload that includes a database ping.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"success":    false,
					"status":     "degraded",
					"checked_at": time.Now().UTC(),
				})
				return
			}
		}
		response.Success(c, http.StatusOK, gin.H{
			"status":     status,
			"checked_at": time.Now().UTC(),
		})
	}
}
