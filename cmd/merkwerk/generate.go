package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kpauljoseph/merkwerk/internal/analysis"
	"github.com/kpauljoseph/merkwerk/internal/config"
	"github.com/kpauljoseph/merkwerk/internal/pdf"
	"github.com/kpauljoseph/merkwerk/internal/pipeline"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

const backoffJitter = 0.2

func runGenerate(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("generate", env)
	subject := subjectFlag(flags)
	document := flags.StringP("document", "d", "", "uploaded document to generate cards for")
	excluded := flags.IntSlice("exclude", nil, "pages to skip, e.g. --exclude 1,2")
	pageModes := flags.StringToString("page-mode", nil, "per page analysis mode, e.g. --page-mode 3=text")
	flags.String("generation.default_mode", "", "analysis mode for pages without an override: text or image")
	flags.String("generation.regenerate", "", "how to treat earlier cards of the document: replace or append")
	flags.String("analysis.model", "", "model used for page and document analysis")
	flags.String("analysis.language", "", "card language: de or en")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *document == "" {
		return errors.New("generate needs --document")
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := a.library.Path(*subject, *document)
	if err != nil {
		return err
	}

	perPage, err := parsePageModes(*pageModes)
	if err != nil {
		return err
	}
	defaultMode, err := pipeline.ParseMode(a.cfg.Generation.DefaultMode)
	if err != nil {
		return err
	}

	analyzer, err := newAnalyzer(a.cfg.Analysis, a.log)
	if err != nil {
		return err
	}

	doc, err := pdf.Open(path, pdf.Options{
		RenderDPI:     a.cfg.Generation.RenderDPI,
		MaxImageWidth: a.cfg.Generation.MaxImageWidth,
	}, a.log)
	if err != nil {
		return err
	}
	defer doc.Close()

	p := pipeline.New(analyzer, a.store, pipeline.Options{
		Regenerate: pipeline.Regenerate(a.cfg.Generation.Regenerate),
		Language:   a.cfg.Analysis.Language,
	}, a.log)

	out, err := p.Run(ctx, pipeline.Request{
		Subject:       *subject,
		Document:      doc,
		ExcludedPages: *excluded,
		ModePerPage:   perPage,
		DefaultMode:   defaultMode,
		Progress: func(v float64) {
			fmt.Fprintf(env.stderr, "\rGenerating %s: %3.0f%%", *document, v*100)
			if v >= 1 {
				fmt.Fprintln(env.stderr)
			}
		},
	})
	if err != nil {
		return err
	}

	for _, f := range out.Failures {
		fmt.Fprintf(env.stdout, "failed: %v\n", f)
	}
	if out.GraphErr != nil {
		fmt.Fprintf(env.stdout, "no concept map: %v\n", out.GraphErr)
	}
	fmt.Fprintf(env.stdout, "Stored %d cards for %s (%d pages failed)\n", len(out.All()), *document, len(out.Failures))
	return nil
}

func newAnalyzer(cfg config.AnalysisConfig, log *logger.Logger) (*analysis.Analyzer, error) {
	model, err := analysis.NewOpenAIModel(analysis.OpenAIConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		Language:       cfg.Language,
		Temperature:    cfg.Temperature,
		MaxPageTokens:  cfg.MaxPageTokens,
		MaxGraphTokens: cfg.MaxGraphTokens,
		Timeout:        cfg.Timeout,
	}, log)
	if err != nil {
		return nil, err
	}

	return analysis.NewAnalyzer(model, analysis.Options{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Retry: analysis.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Jitter:         backoffJitter,
		},
	}, log), nil
}

func parsePageModes(raw map[string]string) (map[int]pipeline.Mode, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	modes := make(map[int]pipeline.Mode, len(raw))
	for k, v := range raw {
		page, err := strconv.Atoi(k)
		if err != nil || page < 1 {
			return nil, fmt.Errorf("invalid page %q in --page-mode", k)
		}
		mode, err := pipeline.ParseMode(v)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		modes[page] = mode
	}
	return modes, nil
}
