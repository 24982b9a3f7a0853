package analysis

import (
	"fmt"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

type FailureKind string

const (
	FailureRateLimited FailureKind = "rate_limited"
	FailureMalformed   FailureKind = "malformed"
	FailureInvalid     FailureKind = "invalid"
	FailureTransport   FailureKind = "transport"
	FailureCanceled    FailureKind = "canceled"
	// FailureSource means the page itself could not be read or rendered.
	FailureSource FailureKind = "source"
)

// Failure describes why one analysis unit (a page or the whole document)
// produced no usable content.
type Failure struct {
	Kind     FailureKind
	Subject  string
	Document string
	// Page is 0 for document-level failures.
	Page     int
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Page > 0 {
		return fmt.Sprintf("page %d of %s: %s: %v", f.Page, f.Document, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Document, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of analysing one page: either Card or Failure is
// set, never both.
type Result struct {
	Card     models.Card
	Failure  *Failure
	Repaired bool
}

func (r Result) OK() bool {
	return r.Failure == nil
}

// CardOrPlaceholder returns the generated card, or a placeholder card that
// carries the failure into the normal review flow.
func (r Result) CardOrPlaceholder() models.Card {
	if r.Failure == nil {
		return r.Card
	}
	return PlaceholderCard(r.Failure)
}

type GraphResult struct {
	Graph    models.ConceptGraph
	Failure  *Failure
	Repaired bool
}

func (r GraphResult) OK() bool {
	return r.Failure == nil
}

// PlaceholderCard renders a failure as a card. It is a normal card for
// every consumer; only its text tells the learner what went wrong.
func PlaceholderCard(f *Failure) models.Card {
	var page *int
	question := fmt.Sprintf("Error processing %s (%s)", f.Document, f.Kind)
	if f.Page > 0 {
		page = models.PageNumber(f.Page)
		question = fmt.Sprintf("Error processing page %d of %s (%s)", f.Page, f.Document, f.Kind)
	}

	cause := "unknown error"
	if f.Err != nil {
		cause = f.Err.Error()
	}

	return models.NewCard(f.Subject, f.Document, question, []string{
		fmt.Sprintf("An error occurred: %s", cause),
		"Please try regenerating this card or check the page.",
	}, page)
}
