package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mkarren/switchboard/internal/bridge"
	"github.com/mkarren/switchboard/internal/models"
	"gorm.io/gorm"
)

// accountView is a RemoteAccount without its credential.
type accountView struct {
	OperatorID  string `json:"operatorId"`
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

// threadView summarizes one ChatThread row.
type threadView struct {
	ChatID      string `json:"chatId"`
	AccountID   string `json:"accountId"`
	ThreadID    string `json:"threadId"`
	Status      string `json:"status"`
	ReopenCount int    `json:"reopenCount"`
}

// registerRoutes wires the JSON endpoints.
func registerRoutes(router *gin.Engine, db *gorm.DB, registry *bridge.Registry) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": registry.Len()})
	})

	router.GET("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.Snapshot())
	})

	router.GET("/api/accounts", func(c *gin.Context) {
		var accounts []models.RemoteAccount
		if err := db.Find(&accounts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]accountView, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, accountView{
				OperatorID:  a.OperatorID,
				AccountID:   a.AccountID,
				DisplayName: a.DisplayName,
			})
		}
		c.JSON(http.StatusOK, out)
	})

	router.GET("/api/threads", func(c *gin.Context) {
		var rows []models.ChatThread
		q := db.Order("updated_at DESC").Limit(100)
		if status := c.Query("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		if err := q.Find(&rows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]threadView, 0, len(rows))
		for _, r := range rows {
			out = append(out, threadView{
				ChatID:      r.ChatID,
				AccountID:   r.AccountID,
				ThreadID:    r.ThreadID,
				Status:      r.Status,
				ReopenCount: r.ReopenCount,
			})
		}
		c.JSON(http.StatusOK, out)
	})
}
