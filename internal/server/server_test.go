package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertrepo "github.com/geowarn/geowarn/internal/alert/repository"
	alertservice "github.com/geowarn/geowarn/internal/alert/service"
	auditrepo "github.com/geowarn/geowarn/internal/audit/repository"
	auditservice "github.com/geowarn/geowarn/internal/audit/service"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/dashboard"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var serverTestSchema = []string{
	`CREATE TABLE alerts (
		id BIGINT PRIMARY KEY,
		version BIGINT NOT NULL,
		state TEXT NOT NULL,
		headline TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL,
		channel TEXT NOT NULL,
		areas TEXT NOT NULL,
		expiry_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		approval_decided_at TIMESTAMP,
		delivered_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		approved_by TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		delivery_failed_at TIMESTAMP,
		delivery_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE alert_change_events (
		id BIGINT PRIMARY KEY,
		alert_id BIGINT NOT NULL,
		version BIGINT NOT NULL,
		prior_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		committed_at TIMESTAMP NOT NULL,
		dispatched_at TIMESTAMP,
		UNIQUE (alert_id, version)
	)`,
	`CREATE TABLE notifications (
		id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		alert_id BIGINT NOT NULL,
		related_alert_id BIGINT,
		message TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		request_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	for _, ddl := range serverTestSchema {
		require.NoError(t, db.Exec(ddl).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	hub := dashboard.NewHub()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  auditrepo.Provide(),
	})
	alertSvc := alertservice.New(alertservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  alertrepo.Provide(),
		Hub:   hub,
		Audit: auditSvc,
	})
	notifySvc := notify.NewService(notify.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  notify.ProvideRepository(),
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	return NewServer(ServerParams{
		Gin:       engine,
		Cfg:       config.Config{},
		DB:        db,
		GenID:     node,
		AlertSvc:  alertSvc,
		NotifySvc: notifySvc,
		AuditSvc:  auditSvc,
		Hub:       hub,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "duty.officer")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Data
}

func createAlertBody(submit bool) map[string]any {
	return map[string]any{
		"headline":    "Flash flood warning",
		"description": "River levels rising fast",
		"severity":    "severe",
		"channel":     "email",
		"areas": [][]map[string]float64{{
			{"lat": 0, "lon": 0}, {"lat": 0, "lon": 1}, {"lat": 1, "lon": 1},
		}},
		"expiry_at": time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"submit":    submit,
	}
}

func TestCreateApproveFlowAndStaleConflict(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/alerts", createAlertBody(true))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData(t, rec)
	alertID := created["id"].(string)
	assert.Equal(t, "pending_approval", created["state"])
	assert.Equal(t, float64(1), created["version"])

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/alerts/%s/approve", alertID), map[string]any{
		"expected_version": 1,
		"approver":         "ops.lead",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeData(t, rec)
	assert.Equal(t, "approved", approved["state"])
	assert.Equal(t, float64(2), approved["version"])

	// a second writer holding the stale version loses
	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/alerts/%s/approve", alertID), map[string]any{
		"expected_version": 1,
		"approver":         "ops.backup",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCreateAlertRejectsMissingHeadline(t *testing.T) {
	s := newTestServer(t)

	body := createAlertBody(false)
	body["headline"] = ""
	rec := doJSON(t, s, http.MethodPost, "/api/alerts", body)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "validation_error")
	assert.Contains(t, rec.Body.String(), "missing_headline")
}

func TestGetAlertNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/alerts/123456789", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestListAlertsFiltersByState(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/alerts", createAlertBody(false))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/alerts", createAlertBody(true))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/alerts?state=draft", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "draft", payload.Data[0]["state"])
}

func TestListAlertEvents(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/alerts", createAlertBody(true))
	require.Equal(t, http.StatusCreated, rec.Code)
	alertID := decodeData(t, rec)["id"].(string)

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/alerts/%s/events", alertID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "created", payload.Data[0]["event_kind"])
}

func TestStreamReplaysCommittedSnapshots(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/alerts", createAlertBody(true))
	require.Equal(t, http.StatusCreated, rec.Code)
	alertID := decodeData(t, rec)["id"].(string)

	// the hub only buffers for streams with subscribers or history;
	// subscribe first, then mutate, then read the replay
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/alerts/%s/stream", alertID), nil).WithContext(ctx)
	streamRec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Engine().ServeHTTP(streamRec, req)
	}()

	// give the stream goroutine time to register its subscription
	time.Sleep(50 * time.Millisecond)

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/alerts/%s/approve", alertID), map[string]any{
		"expected_version": 1,
		"approver":         "ops.lead",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	<-done
	body := streamRec.Body.String()
	assert.Contains(t, body, "retry: 2000")
	assert.Contains(t, body, "approved")
}

func TestListNotificationsValidatesAlertID(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/notifications?alert_id=not-a-snowflake", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestCommandsAreAudited(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/alerts", createAlertBody(true))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/audit-logs?action=alert.create", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "alert.create", payload.Data[0]["action"])
}
