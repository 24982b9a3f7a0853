package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRateLimited marks a capacity failure of the analysis capability. It is
// the only error the Analyzer retries.
var ErrRateLimited = errors.New("analysis: rate limited")

// Model is the external content-analysis capability. Implementations return
// the raw structured text the capability produced; parsing and validation
// happen in the Analyzer.
type Model interface {
	CompletePage(ctx context.Context, req PageRequest) (string, error)
	CompleteGraph(ctx context.Context, req GraphRequest) (string, error)
}

type PageRequest struct {
	DocumentName string
	Page         int
	Text         string
	// Image is a PNG of the page; nil for text-only analysis.
	Image []byte
}

type GraphRequest struct {
	DocumentName string
	FullText     string
}

type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("analysis http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}
