package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = time.Minute
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the randomization factor of the backoff, 0 disables it.
	Jitter float64
}

type Options struct {
	// RequestsPerMinute throttles outbound calls; 0 means unlimited.
	RequestsPerMinute float64
	Retry             RetryPolicy
}

// PageInput is one page handed to AnalyzePage. Subject, DocumentName and
// Page are authoritative and override whatever the model reports.
type PageInput struct {
	Subject      string
	DocumentName string
	Page         int
	Text         string
	Image        []byte
}

// Analyzer wraps a Model with throttling, rate limit backoff, JSON repair
// and schema validation. It never returns an error: every outcome is a
// Result or GraphResult.
type Analyzer struct {
	model    Model
	limiter  *rate.Limiter
	retry    RetryPolicy
	validate *validator.Validate
	logger   *logger.Logger
}

func NewAnalyzer(model Model, opts Options, log *logger.Logger) *Analyzer {
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultMaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = DefaultInitialBackoff
	}
	if retry.MaxBackoff < retry.InitialBackoff {
		retry.MaxBackoff = max(DefaultMaxBackoff, retry.InitialBackoff)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), 1)
	}

	return &Analyzer{
		model:    model,
		limiter:  limiter,
		retry:    retry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log,
	}
}

type pagePayload struct {
	Question string          `json:"question"`
	Answer   json.RawMessage `json:"answer"`
}

type pageCard struct {
	Question string   `validate:"required"`
	Answer   []string `validate:"min=1,dive,required"`
}

func (a *Analyzer) AnalyzePage(ctx context.Context, in PageInput) Result {
	fail := func(kind FailureKind, attempts int, err error) Result {
		f := &Failure{
			Kind:     kind,
			Subject:  in.Subject,
			Document: in.DocumentName,
			Page:     in.Page,
			Attempts: attempts,
			Err:      err,
		}
		a.logger.Warn("Analysis failed: %v", f)
		return Result{Failure: f}
	}

	req := PageRequest{
		DocumentName: in.DocumentName,
		Page:         in.Page,
		Text:         in.Text,
		Image:        in.Image,
	}
	raw, attempts, err := a.call(ctx, func(ctx context.Context) (string, error) {
		return a.model.CompletePage(ctx, req)
	})
	if err != nil {
		return fail(classify(err), attempts, err)
	}

	var payload pagePayload
	repaired, err := decodeObject(raw, &payload)
	if err != nil {
		return fail(FailureMalformed, attempts, err)
	}

	answer, err := models.DecodeAnswer(payload.Answer)
	if err != nil {
		return fail(FailureInvalid, attempts, err)
	}
	for i := range answer {
		answer[i] = strings.TrimSpace(answer[i])
	}

	candidate := pageCard{Question: strings.TrimSpace(payload.Question), Answer: answer}
	if err := a.validate.Struct(candidate); err != nil {
		return fail(FailureInvalid, attempts, fmt.Errorf("response does not match the card schema: %w", err))
	}

	card := models.NewCard(in.Subject, in.DocumentName, candidate.Question, candidate.Answer, models.PageNumber(in.Page))
	if len(in.Image) > 0 {
		card.Media = &models.Media{
			Image:     base64.StdEncoding.EncodeToString(in.Image),
			ImagePage: in.Page,
		}
	}

	if repaired {
		a.logger.Debug("Recovered JSON for page %d of %s", in.Page, in.DocumentName)
	}
	return Result{Card: card, Repaired: repaired}
}

func (a *Analyzer) AnalyzeDocument(ctx context.Context, subject, documentName, fullText string) GraphResult {
	fail := func(kind FailureKind, attempts int, err error) GraphResult {
		f := &Failure{
			Kind:     kind,
			Subject:  subject,
			Document: documentName,
			Attempts: attempts,
			Err:      err,
		}
		a.logger.Warn("Concept graph failed: %v", f)
		return GraphResult{Failure: f}
	}

	raw, attempts, err := a.call(ctx, func(ctx context.Context) (string, error) {
		return a.model.CompleteGraph(ctx, GraphRequest{DocumentName: documentName, FullText: fullText})
	})
	if err != nil {
		return fail(classify(err), attempts, err)
	}

	var graph models.ConceptGraph
	repaired, err := decodeObject(raw, &graph)
	if err != nil {
		return fail(FailureMalformed, attempts, err)
	}
	if err := graph.Validate(); err != nil {
		return fail(FailureInvalid, attempts, err)
	}
	return GraphResult{Graph: graph, Repaired: repaired}
}

// call runs fn under the limiter and retries it with exponential backoff
// while it reports ErrRateLimited. Any other error ends the loop at once.
func (a *Analyzer) call(ctx context.Context, fn func(context.Context) (string, error)) (string, int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.retry.InitialBackoff
	exp.MaxInterval = a.retry.MaxBackoff
	exp.RandomizationFactor = a.retry.Jitter
	exp.Reset()
	policy := &hintedBackOff{next: exp}

	attempts := 0
	operation := func() (string, error) {
		attempts++
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return "", backoff.Permanent(err)
			}
		}

		raw, err := fn(ctx)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			policy.hint = httpErr.RetryAfter
		}
		return "", err
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(a.retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.logger.Warn("Rate limited, retrying in %s (attempt %d/%d): %v", wait, attempts, a.retry.MaxAttempts, err)
		}),
	)
	return raw, attempts, err
}

// hintedBackOff waits at least as long as the server asked for via
// Retry-After.
type hintedBackOff struct {
	next backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.next.NextBackOff()
	if b.hint > d {
		d = b.hint
	}
	b.hint = 0
	return d
}

func (b *hintedBackOff) Reset() {
	b.next.Reset()
	b.hint = 0
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCanceled
	default:
		return FailureTransport
	}
}

// decodeObject decodes raw into v. When raw is not valid JSON it retries
// with the first balanced {...} span and reports that it had to.
func decodeObject(raw string, v any) (bool, error) {
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return false, nil
	}

	span, ok := ExtractJSONObject(raw)
	if !ok {
		return false, fmt.Errorf("no JSON object in response: %w", err)
	}
	if err := json.Unmarshal([]byte(span), v); err != nil {
		return false, fmt.Errorf("recovered JSON object is invalid: %w", err)
	}
	return true, nil
}
