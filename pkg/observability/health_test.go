package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okPing(context.Context) error   { return nil }
func failPing(context.Context) error { return errors.New("connection refused") }

func TestHealthRegistry_Check(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]HealthChecker
		want     HealthStatus
	}{
		{"empty", nil, HealthStatusHealthy},
		{"all healthy", map[string]HealthChecker{
			"database": DatabaseHealthChecker(okPing),
			"redis":    RedisHealthChecker(okPing),
		}, HealthStatusHealthy},
		{"redis down degrades", map[string]HealthChecker{
			"database": DatabaseHealthChecker(okPing),
			"redis":    RedisHealthChecker(failPing),
		}, HealthStatusDegraded},
		{"database down is unhealthy", map[string]HealthChecker{
			"database": DatabaseHealthChecker(failPing),
			"rabbitmq": RabbitMQHealthChecker(failPing),
		}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewHealthRegistry(time.Second)
			for name, c := range tt.checkers {
				r.Register(name, c)
			}

			health := r.Check(context.Background())

			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Checks, len(tt.checkers))
		})
	}
}

func TestHealthRegistry_CheckHonoursTimeout(t *testing.T) {
	r := NewHealthRegistry(20 * time.Millisecond)
	r.Register("slow", DatabaseHealthChecker(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	health := r.Check(context.Background())

	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.Contains(t, health.Checks["slow"].Message, "deadline exceeded")
}

func TestHealthRegistry_Names(t *testing.T) {
	r := NewHealthRegistry(0)
	r.Register("redis", RedisHealthChecker(okPing))
	r.Register("database", DatabaseHealthChecker(okPing))

	assert.Equal(t, []string{"database", "redis"}, r.Names())
}

func TestServeMux(t *testing.T) {
	r := NewHealthRegistry(time.Second)
	r.Register("database", DatabaseHealthChecker(failPing))
	mux := NewServeMux(r, NewPrometheusMetrics("automata"))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health OverallHealth
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.Contains(t, health.Checks["database"].Message, "connection refused")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
