package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/internal/classify"
)

func newServer(t *testing.T, handler http.HandlerFunc) *HTTPExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	exec, err := NewHTTPExecutor(HTTPConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return exec
}

func TestExecuteSuccess(t *testing.T) {
	exec := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, executePath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var tc TaskContext
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tc))
		assert.Equal(t, "analyze-xss", tc.AgentID)
		assert.Equal(t, 2, tc.Attempt)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"metrics":{"duration_ns":1500000000,"tokens_in":1200,"tokens_out":800,"cost_usd":0.042}}`))
	})

	res, err := exec.Execute(context.Background(), TaskContext{
		SessionID: "s-1",
		AgentID:   "analyze-xss",
		ChannelID: "channel-xss",
		Attempt:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), res.Metrics.TokensIn)
	assert.InDelta(t, 0.042, res.Metrics.CostUSD, 1e-9)
}

func TestExecuteStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		kind      classify.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, true, classify.KindRateLimit},
		{"unauthorized", http.StatusUnauthorized, false, classify.KindAuth},
		{"forbidden", http.StatusForbidden, false, classify.KindAuth},
		{"quota", http.StatusPaymentRequired, true, classify.KindQuota},
		{"bad request", http.StatusBadRequest, false, classify.KindBadRequest},
		{"server error", http.StatusInternalServerError, true, classify.KindUpstream},
		{"bad gateway", http.StatusBadGateway, true, classify.KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := exec.Execute(context.Background(), TaskContext{AgentID: "recon"})
			require.Error(t, err)

			c := classify.Classify(err)
			assert.Equal(t, tt.retryable, c.Retryable, "status %d: %v", tt.status, err)
			assert.Equal(t, tt.kind, c.Kind)
		})
	}
}

func TestExecuteReportedFailure(t *testing.T) {
	exec := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"browser session crashed: connection reset"}`))
	})

	_, err := exec.Execute(context.Background(), TaskContext{AgentID: "exploit-xss"})
	require.Error(t, err)
	assert.True(t, classify.Classify(err).Retryable)
}

func TestExecuteRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.False(t, classify.Classify(err).Retryable, "a config error must be terminal")
}

func TestChannelPacingIsIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"metrics":{}}`))
	}))
	t.Cleanup(srv.Close)

	exec, err := NewHTTPExecutor(HTTPConfig{
		BaseURL:           srv.URL,
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1,
	}, zap.NewNop())
	require.NoError(t, err)

	// Distinct channels get distinct limiters.
	a := exec.limiter("channel-a")
	b := exec.limiter("channel-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, exec.limiter("channel-a"))

	_, err = exec.Execute(context.Background(), TaskContext{AgentID: "bootstrap", ChannelID: "channel-a"})
	require.NoError(t, err)
}
