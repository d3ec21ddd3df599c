package router

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobmarket/internal/api/handler"
)

func TestLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		path      string
		requestID string
		wantLevel string
		wantJobID string
	}{
		{name: "ok", path: "/jobs/job-1", wantLevel: "INFO", wantJobID: "job-1"},
		{name: "client error", path: "/jobs/missing", wantLevel: "WARN", wantJobID: "missing"},
		{name: "server error", path: "/jobs/boom", requestID: "req-42", wantLevel: "ERROR", wantJobID: "boom"},
		{name: "health", path: "/health", wantLevel: "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			r := gin.New()
			r.Use(LoggerMiddleware(logger))
			r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
			r.GET("/jobs/:job_id", func(c *gin.Context) {
				switch c.Param("job_id") {
				case "missing":
					c.Status(http.StatusNotFound)
				case "boom":
					c.Status(http.StatusInternalServerError)
				default:
					c.Status(http.StatusOK)
				}
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(handler.ActorHeader, "owner-1")
			if tt.requestID != "" {
				req.Header.Set(RequestIDHeader, tt.requestID)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "owner-1", entry["actor_id"])
			assert.Equal(t, w.Header().Get(RequestIDHeader), entry["request_id"])
			if tt.requestID != "" {
				assert.Equal(t, tt.requestID, w.Header().Get(RequestIDHeader))
			} else {
				assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
			}
			if tt.wantJobID != "" {
				assert.Equal(t, tt.wantJobID, entry["job_id"])
			} else {
				assert.NotContains(t, entry, "job_id")
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{name: "open by default", method: http.MethodGet, origin: "https://a.example", wantStatus: http.StatusOK, wantOrigin: "*"},
		{name: "wildcard", allowed: []string{"*"}, method: http.MethodOptions, origin: "https://a.example", wantStatus: http.StatusNoContent, wantOrigin: "*"},
		{name: "listed origin", allowed: []string{"https://app.example"}, method: http.MethodGet, origin: "https://app.example", wantStatus: http.StatusOK, wantOrigin: "https://app.example"},
		{name: "listed preflight", allowed: []string{"https://app.example"}, method: http.MethodOptions, origin: "https://app.example", wantStatus: http.StatusNoContent, wantOrigin: "https://app.example"},
		{name: "unlisted preflight", allowed: []string{"https://app.example"}, method: http.MethodOptions, origin: "https://evil.example", wantStatus: http.StatusForbidden},
		{name: "unlisted simple request", allowed: []string{"https://app.example"}, method: http.MethodGet, origin: "https://evil.example", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORSMiddleware(tt.allowed))
			r.GET("/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tt.method, "/jobs", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
