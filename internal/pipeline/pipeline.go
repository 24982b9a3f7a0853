package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kpauljoseph/merkwerk/internal/analysis"
	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/internal/graph"
	"github.com/kpauljoseph/merkwerk/internal/pdf"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

type Mode string

const (
	ModeText  Mode = "text"
	ModeImage Mode = "image"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeText, ModeImage:
		return m, nil
	}
	return "", fmt.Errorf("unknown analysis mode %q (want text or image)", s)
}

type Regenerate string

const (
	// RegenerateReplace drops earlier cards of the same document before
	// storing the new ones.
	RegenerateReplace Regenerate = "replace"
	RegenerateAppend  Regenerate = "append"
)

const pagesShare = 0.9

type Options struct {
	Regenerate Regenerate
	// Language selects the wording of the graph card question.
	Language string
}

type Pipeline struct {
	analyzer *analysis.Analyzer
	store    cardstore.Store
	options  Options
	logger   *logger.Logger
}

func New(analyzer *analysis.Analyzer, store cardstore.Store, opts Options, log *logger.Logger) *Pipeline {
	if opts.Regenerate == "" {
		opts.Regenerate = RegenerateReplace
	}
	return &Pipeline{
		analyzer: analyzer,
		store:    store,
		options:  opts,
		logger:   log,
	}
}

type Request struct {
	Subject       string
	Document      pdf.Document
	ExcludedPages []int
	// ModePerPage overrides DefaultMode for single pages.
	ModePerPage map[int]Mode
	DefaultMode Mode
	// Progress receives a non-decreasing fraction in [0, 1].
	Progress func(float64)
}

type Output struct {
	// Cards holds one card per analysed page in page order; failed pages
	// are represented by placeholder cards.
	Cards     []models.Card
	GraphCard *models.Card
	Failures  []*analysis.Failure
	GraphErr  *analysis.Failure
}

// All returns the page cards followed by the graph card, if any.
func (o *Output) All() []models.Card {
	all := slices.Clone(o.Cards)
	if o.GraphCard != nil {
		all = append(all, *o.GraphCard)
	}
	return all
}

func (r Request) modeFor(page int) Mode {
	if m, ok := r.ModePerPage[page]; ok {
		return m
	}
	return r.DefaultMode
}

func (r Request) validate() error {
	if err := cardstore.ValidateSubject(r.Subject); err != nil {
		return err
	}
	if r.Document == nil {
		return errors.New("no document to process")
	}
	if _, err := ParseMode(string(r.DefaultMode)); err != nil {
		return err
	}
	for page, m := range r.ModePerPage {
		if _, err := ParseMode(string(m)); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
	}
	return nil
}

// Generate analyses every non-excluded page of the document and then the
// document as a whole. Pages that cannot be read and analysis failures
// become placeholder cards; only a cancelled context aborts the run.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Output, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	doc := req.Document
	name := doc.Name()
	progress := newProgress(req.Progress)

	var pages []int
	for page := 1; page <= doc.PageCount(); page++ {
		if !slices.Contains(req.ExcludedPages, page) {
			pages = append(pages, page)
		}
	}
	p.logger.Info("Generating cards for %s: %d of %d pages", name, len(pages), doc.PageCount())
	progress.set(0)

	out := &Output{}
	texts := make([]string, 0, len(pages))
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in, err := readPage(doc, req, page)
		if err != nil {
			f := &analysis.Failure{
				Kind:     analysis.FailureSource,
				Subject:  req.Subject,
				Document: name,
				Page:     page,
				Err:      err,
			}
			p.logger.Warn("Skipping %v", f)
			out.Failures = append(out.Failures, f)
			out.Cards = append(out.Cards, analysis.PlaceholderCard(f))
			progress.set(pagesShare * float64(i+1) / float64(len(pages)))
			continue
		}
		texts = append(texts, in.Text)

		res := p.analyzer.AnalyzePage(ctx, in)
		if res.Failure != nil {
			if res.Failure.Kind == analysis.FailureCanceled && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out.Failures = append(out.Failures, res.Failure)
		}
		out.Cards = append(out.Cards, res.CardOrPlaceholder())

		p.logger.Debug("Page %d/%d of %s done", page, doc.PageCount(), name)
		progress.set(pagesShare * float64(i+1) / float64(len(pages)))
	}
	progress.set(pagesShare)

	if len(texts) > 0 {
		if err := p.conceptGraph(ctx, req.Subject, name, strings.Join(texts, "\n\n"), out); err != nil {
			return nil, err
		}
	}
	progress.set(1)

	p.logger.Info("Generated %d cards for %s (%d failed pages)", len(out.Cards), name, len(out.Failures))
	return out, nil
}

func readPage(doc pdf.Document, req Request, page int) (analysis.PageInput, error) {
	text, err := doc.PageText(page)
	if err != nil {
		return analysis.PageInput{}, fmt.Errorf("failed to read page: %w", err)
	}
	in := analysis.PageInput{
		Subject:      req.Subject,
		DocumentName: doc.Name(),
		Page:         page,
		Text:         text,
	}
	if req.modeFor(page) == ModeImage {
		if in.Image, err = doc.PageImage(page); err != nil {
			return analysis.PageInput{}, fmt.Errorf("failed to render page: %w", err)
		}
	}
	return in, nil
}

func (p *Pipeline) conceptGraph(ctx context.Context, subject, name, fullText string, out *Output) error {
	res := p.analyzer.AnalyzeDocument(ctx, subject, name, fullText)
	if res.Failure != nil {
		if res.Failure.Kind == analysis.FailureCanceled && ctx.Err() != nil {
			return ctx.Err()
		}
		out.GraphErr = res.Failure
		return nil
	}

	markup, err := graph.Render(name, res.Graph)
	if err != nil {
		out.GraphErr = &analysis.Failure{
			Kind:     analysis.FailureInvalid,
			Subject:  subject,
			Document: name,
			Attempts: 1,
			Err:      err,
		}
		p.logger.Warn("Concept graph for %s could not be rendered: %v", name, err)
		return nil
	}

	g := res.Graph
	card := models.NewCard(subject, name, graphQuestion(p.options.Language, name), []string{markup}, nil)
	card.Media = &models.Media{Graph: true, ConceptGraph: &g}
	out.GraphCard = &card
	return nil
}

func graphQuestion(language, document string) string {
	if strings.EqualFold(language, "en") {
		return "Concept map for " + document
	}
	return "Mindmap für " + document
}

// Run generates the cards and stores them under the configured
// regeneration policy.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Output, error) {
	out, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	cards := out.All()
	name := req.Document.Name()
	if len(cards) == 0 {
		p.logger.Info("No cards generated for %s, keeping the stored ones", name)
		return out, nil
	}
	switch p.options.Regenerate {
	case RegenerateAppend:
		_, err = cardstore.Append(ctx, p.store, req.Subject, cards...)
	default:
		_, err = cardstore.ReplaceDocument(ctx, p.store, req.Subject, name, cards)
	}
	if err != nil {
		return out, fmt.Errorf("failed to store cards of %s: %w", name, err)
	}

	p.logger.Info("Stored %d cards for %s in %s", len(cards), name, req.Subject)
	return out, nil
}

type progress struct {
	report func(float64)
	last   float64
}

func newProgress(report func(float64)) *progress {
	return &progress{report: report, last: -1}
}

func (p *progress) set(v float64) {
	v = min(max(v, 0), 1)
	if p.report == nil || v <= p.last {
		return
	}
	p.last = v
	p.report(v)
}
