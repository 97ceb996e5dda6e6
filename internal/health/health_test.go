package health

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

func ok(context.Context) error { return nil }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("engine", true, PingCheck("engine", ok))
	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical check not run yet")

	c.RegisterFunc("history", false, PingCheck("history", func(context.Context) error {
		return errors.New("disk I/O error")
	}))
	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["engine"].Status)
	assert.Equal(t, StatusUnhealthy, results["history"].Status)
	assert.Equal(t, "disk I/O error", results["history"].Error)
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("engine", true, PingCheck("engine", func(context.Context) error {
		return errors.New("closed")
	}))
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	c.Unregister("engine")
	c.Unregister("history")
	assert.Empty(t, c.Components())
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "stuck",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	assert.Equal(t, "check timed out", results["stuck"].Message)
	assert.Equal(t, StatusUnhealthy, results["stuck"].Status)
	assert.Equal(t, "check panicked", results["broken"].Message)
	assert.Equal(t, "boom", results["broken"].Error)

	last, found := c.Result("stuck")
	require.True(t, found)
	assert.False(t, last.LastChecked.IsZero())
	assert.Equal(t, []string{"broken", "stuck"}, c.Components())
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("engine", true, PingCheck("engine", ok))
	routes := c.Routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		routes[path].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	c.SetReady(true)
	assert.True(t, c.IsReady())
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Equal(t, "engine ok", resp.Components["engine"].Message)

	c.RegisterFunc("engine", true, PingCheck("engine", func(context.Context) error {
		return context.DeadlineExceeded
	}))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
}
