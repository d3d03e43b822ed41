// Package classify maps raw collaborator failures into retryable and terminal
// categories. Classification is a pure, total function: it never panics and
// every error lands in exactly one category. The retry budget itself belongs
// to the workflow scheduler, which is why unknown errors default to retryable.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind is the failure taxonomy used across the orchestrator.
type Kind string

const (
	KindNone       Kind = "none"        // nil error
	KindNetwork    Kind = "network"     // connection/timeout failures
	KindRateLimit  Kind = "rate_limit"  // upstream throttling
	KindUpstream   Kind = "upstream"    // collaborator 5xx
	KindQuota      Kind = "quota"       // billing or quota exhaustion
	KindAuth       Kind = "auth"        // authentication/authorization
	KindBadRequest Kind = "bad_request" // malformed request
	KindConfig     Kind = "config"      // configuration errors
	KindValidation Kind = "validation"  // deliverable validation failures
	KindUnknown    Kind = "unknown"     // anything unrecognized
)

// Classification is the verdict for one failure.
type Classification struct {
	Kind      Kind
	Retryable bool
}

// ErrValidation marks synthesized deliverable-validation failures. Validation
// failures roll back and retry like transient errors since a fresh attempt may
// produce correct deliverables.
var ErrValidation = errors.New("deliverable validation failed")

// Terminal patterns are matched before retryable ones so that messages like
// "401 unauthorized after retry" never classify as transient.
var terminalPatterns = []struct {
	kind    Kind
	needles []string
}{
	{KindAuth, []string{"unauthorized", "authentication", "401", "forbidden", "authorization denied", "403", "invalid api key", "permission denied"}},
	{KindBadRequest, []string{"400", "bad request", "malformed", "invalid request", "unprocessable"}},
	{KindConfig, []string{"invalid configuration", "missing required config", "configuration error", "unknown template"}},
}

var retryablePatterns = []struct {
	kind    Kind
	needles []string
}{
	{KindRateLimit, []string{"rate limit", "429", "too many requests", "throttled"}},
	{KindQuota, []string{"quota", "billing", "insufficient credit", "payment required", "402"}},
	{KindUpstream, []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout", "overloaded"}},
	{KindNetwork, []string{"timeout", "timed out", "connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "eof", "i/o error", "deadline exceeded"}},
}

// Classify maps an error to its category. A nil error yields KindNone and is
// not retryable. Unknown errors classify as retryable; the scheduler bounds
// the attempt count, so an optimistic bias here only costs wasted attempts,
// never an unbounded loop.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindNone, Retryable: false}
	}

	if errors.Is(err, ErrValidation) {
		return Classification{Kind: KindValidation, Retryable: true}
	}

	// Typed checks first; they are cheaper and more precise than substring
	// matching on the rendered message.
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindNetwork, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: KindNetwork, Retryable: true}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Classification{Kind: KindNetwork, Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range terminalPatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return Classification{Kind: p.kind, Retryable: false}
			}
		}
	}
	for _, p := range retryablePatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return Classification{Kind: p.kind, Retryable: true}
			}
		}
	}

	return Classification{Kind: KindUnknown, Retryable: true}
}
