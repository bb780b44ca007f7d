package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/testsupport"
)

func testConfig() *config.ObservabilityConfig {
	return &config.ObservabilityConfig{
		Port:          "0",
		Timeout:       time.Second,
		CheckTimeout:  500 * time.Millisecond,
		LivenessPath:  "/alive",
		ReadinessPath: "/check-deps",
		MetricsPath:   "/telemetry",
	}
}

func up(name string) observability.Checker {
	return observability.CheckerFunc{Component: name, Fn: func(context.Context) error { return nil }}
}

func down(name string) observability.Checker {
	return observability.CheckerFunc{Component: name, Fn: func(context.Context) error { return errors.New("connection refused") }}
}

type readinessBody struct {
	State  string            `json:"state"`
	Status map[string]string `json:"status"`
}

func probe(t *testing.T, s *observability.Server, path string) (*httptest.ResponseRecorder, readinessBody) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body readinessBody
	if path == "/check-deps" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestServer_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []observability.Checker
		markReady  bool
		wantCode   int
		wantState  string
		wantStatus map[string]string
	}{
		{
			name:       "Should be ready when marked and all dependencies are up",
			checkers:   []observability.Checker{up("postgres"), up("redis")},
			markReady:  true,
			wantCode:   http.StatusOK,
			wantState:  observability.StateReady,
			wantStatus: map[string]string{"postgres": "up", "redis": "up"},
		},
		{
			name:       "Should not be ready before the binary marks itself ready",
			checkers:   []observability.Checker{up("postgres")},
			wantCode:   http.StatusServiceUnavailable,
			wantState:  observability.StateNotReady,
			wantStatus: map[string]string{"postgres": "up"},
		},
		{
			name:       "Should fail when one dependency is down",
			checkers:   []observability.Checker{up("postgres"), down("redis")},
			markReady:  true,
			wantCode:   http.StatusServiceUnavailable,
			wantState:  observability.StateReady,
			wantStatus: map[string]string{"postgres": "up", "redis": "down: connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			s := observability.NewServer(logger.Discard(), testConfig(), tt.checkers...)
			if tt.markReady {
				s.MarkReady()
			}

			// Act
			rr, body := probe(t, s, "/check-deps")

			// Assert
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Equal(t, tt.wantState, body.State)
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestServer_MarkDraining(t *testing.T) {
	t.Parallel()

	s := observability.NewServer(logger.Discard(), testConfig(), up("postgres"))
	s.MarkReady()
	s.MarkDraining()

	rr, body := probe(t, s, "/check-deps")

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, observability.StateNotReady, body.State)
}

func TestServer_DependencyGauge(t *testing.T) {
	t.Parallel()

	s := observability.NewServer(logger.Discard(), testConfig(), up("gauge-up"), down("gauge-down"))
	s.MarkReady()

	rr, _ := probe(t, s, "/check-deps")

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	testsupport.AssertGauge(t, "tally_dependency_up", map[string]string{"component": "gauge-up"}, 1)
	testsupport.AssertGauge(t, "tally_dependency_up", map[string]string{"component": "gauge-down"}, 0)
}

func TestServer_Liveness(t *testing.T) {
	t.Parallel()

	s := observability.NewServer(logger.Discard(), testConfig(), down("postgres"))

	rr, _ := probe(t, s, "/alive")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestServer_Serve(t *testing.T) {
	t.Parallel()

	// Arrange
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := observability.NewServer(logger.Discard(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// Act
	go func() { done <- s.Serve(ctx, ln) }()

	// Assert
	resp, err := http.Get("http://" + ln.Addr().String() + "/telemetry")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), "tally_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}
