package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/geometry"
	"github.com/gin-gonic/gin"
)

type createAlertRequest struct {
	Headline    string             `json:"headline"`
	Description string             `json:"description"`
	Severity    string             `json:"severity"`
	Channel     string             `json:"channel"`
	Areas       [][]geometry.Point `json:"areas"`
	ExpiryAt    string             `json:"expiry_at"`
	Submit      bool               `json:"submit"`
	Actor       string             `json:"actor"`
}

func (s *Server) CreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	expiryAt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ExpiryAt))
	if err != nil {
		AbortWithError(c, newValidationError("expiry_at", "invalid_expiry_at", "invalid expiry_at"))
		return
	}

	alert, err := s.alertSvc.Create(c.Request.Context(), alertdomain.CreateAlertRequest{
		Headline:    strings.TrimSpace(req.Headline),
		Description: strings.TrimSpace(req.Description),
		Severity:    alertdomain.Severity(strings.TrimSpace(req.Severity)),
		Channel:     alertdomain.Channel(strings.TrimSpace(req.Channel)),
		Areas:       req.Areas,
		ExpiryAt:    expiryAt,
		Submit:      req.Submit,
		Actor:       resolveActor(c, req.Actor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": alert})
}

type transitionRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Actor           string `json:"actor"`
	Approver        string `json:"approver"`
	Reason          string `json:"reason"`
}

func (s *Server) SubmitAlert(c *gin.Context) {
	id, req, ok := bindTransition(c)
	if !ok {
		return
	}

	alert, err := s.alertSvc.Submit(c.Request.Context(), alertdomain.SubmitAlertRequest{
		ID:              id,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           resolveActor(c, req.Actor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) ApproveAlert(c *gin.Context) {
	id, req, ok := bindTransition(c)
	if !ok {
		return
	}

	approver := strings.TrimSpace(req.Approver)
	if approver == "" {
		approver = resolveActor(c, req.Actor)
	}

	alert, err := s.alertSvc.Approve(c.Request.Context(), alertdomain.ApproveAlertRequest{
		ID:              id,
		ExpectedVersion: req.ExpectedVersion,
		Approver:        approver,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) RejectAlert(c *gin.Context) {
	id, req, ok := bindTransition(c)
	if !ok {
		return
	}

	alert, err := s.alertSvc.Reject(c.Request.Context(), alertdomain.RejectAlertRequest{
		ID:              id,
		ExpectedVersion: req.ExpectedVersion,
		Reason:          strings.TrimSpace(req.Reason),
		Actor:           resolveActor(c, req.Actor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) CancelAlert(c *gin.Context) {
	id, req, ok := bindTransition(c)
	if !ok {
		return
	}

	alert, err := s.alertSvc.Cancel(c.Request.Context(), alertdomain.CancelAlertRequest{
		ID:              id,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           resolveActor(c, req.Actor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) GetAlertByID(c *gin.Context) {
	id, ok := alertIDParam(c)
	if !ok {
		return
	}

	alert, err := s.alertSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) ListAlerts(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
		State     string `form:"state"`
		Severity  string `form:"severity"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.alertSvc.List(c.Request.Context(), alertdomain.ListAlertsRequest{
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  int32(query.PageSize),
		State:     alertdomain.State(strings.TrimSpace(query.State)),
		Severity:  alertdomain.Severity(strings.TrimSpace(query.Severity)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Alerts, "page_info": resp.PageInfo})
}

func (s *Server) ListAlertEvents(c *gin.Context) {
	id, ok := alertIDParam(c)
	if !ok {
		return
	}

	events, err := s.alertSvc.ListEvents(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func bindTransition(c *gin.Context) (snowflake.ID, transitionRequest, bool) {
	id, ok := alertIDParam(c)
	if !ok {
		return 0, transitionRequest{}, false
	}

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return 0, transitionRequest{}, false
	}
	if req.ExpectedVersion <= 0 {
		AbortWithError(c, newValidationError("expected_version", "invalid_expected_version", "expected_version must be positive"))
		return 0, transitionRequest{}, false
	}

	return id, req, true
}

func alertIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}

// resolveActor prefers the explicit body field, then the rate limit
// middleware's header-derived actor.
func resolveActor(c *gin.Context, bodyActor string) string {
	if actor := strings.TrimSpace(bodyActor); actor != "" {
		return actor
	}
	return commandActor(c)
}
