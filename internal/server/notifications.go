package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/geowarn/geowarn/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListNotifications(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
		Kind      string `form:"kind"`
		AlertID   string `form:"alert_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var alertID snowflake.ID
	if raw := strings.TrimSpace(query.AlertID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("alert_id", "invalid_alert_id", "invalid alert_id"))
			return
		}
		alertID = parsed
	}

	resp, err := s.notifySvc.List(c.Request.Context(), notify.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Kind:    notify.Kind(strings.TrimSpace(query.Kind)),
		AlertID: alertID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Notifications, "page_info": resp.PageInfo})
}
