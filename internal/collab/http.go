package collab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const executePath = "/v1/execute"

// HTTPConfig configures the HTTP executor.
type HTTPConfig struct {
	// BaseURL is the root of the execution service.
	BaseURL string
	// RequestTimeout bounds one delegate call end to end.
	RequestTimeout time.Duration
	// RequestsPerSecond and Burst pace calls per execution channel; zero
	// RequestsPerSecond disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// HTTPExecutor posts task contexts to the execution service. One rate limiter
// is kept per execution channel so pacing on a busy channel never stalls the
// others.
type HTTPExecutor struct {
	cfg    HTTPConfig
	client *http.Client
	log    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPExecutor builds an executor against cfg.BaseURL.
func NewHTTPExecutor(cfg HTTPConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid configuration: executor base URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPExecutor{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		log:      logger.Named("collab"),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// executeResponse is the collaborator's wire response.
type executeResponse struct {
	Success bool    `json:"success"`
	Metrics Metrics `json:"metrics"`
	Error   string  `json:"error,omitempty"`
}

// Execute posts the task context and maps the response onto the orchestrator's
// failure taxonomy. Error messages deliberately carry the status code text the
// classifier matches on.
func (e *HTTPExecutor) Execute(ctx context.Context, tc TaskContext) (*Result, error) {
	if limiter := e.limiter(tc.ChannelID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait aborted: %w", err)
		}
	}

	body, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	e.log.Debug("Delegating task to execution service",
		zap.String("agent", tc.AgentID),
		zap.String("channel", tc.ChannelID),
		zap.Int("attempt", tc.Attempt),
	)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delegate call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read execute response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("execution service rate limited the request (429)")
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("execution service rejected credentials (%d unauthorized)", resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, fmt.Errorf("execution service reported quota exhaustion (402)")
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("execution service rejected the task context (400 bad request): %s", truncate(data))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("upstream server error (%d): %s", resp.StatusCode, truncate(data))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected execute status %d: %s", resp.StatusCode, truncate(data))
	}

	var out executeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse execute response: %w", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "execution service reported failure without detail"
		}
		return nil, fmt.Errorf("execution failed: %s", msg)
	}
	return &Result{Metrics: out.Metrics}, nil
}

func (e *HTTPExecutor) limiter(channelID string) *rate.Limiter {
	if e.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.RequestsPerSecond), e.cfg.Burst)
		e.limiters[channelID] = l
	}
	return l
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
