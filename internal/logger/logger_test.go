package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/config"
)

func TestNewLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{Env: "test", Log: config.LogConfig{Level: "warn"}}, &buf)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "parking-service", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, "shown", line["message"])
}

func TestGinMiddlewareRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{Log: config.LogConfig{Level: "debug"}}, &buf)

	r := gin.New()
	r.Use(GinMiddleware(log))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "req-1")
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"route":"/ping"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}
