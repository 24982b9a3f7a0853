package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kpauljoseph/merkwerk/internal/anki"
	"github.com/kpauljoseph/merkwerk/pkg/models"
	"github.com/kpauljoseph/merkwerk/pkg/utils"
)

func runExport(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("export", env)
	subject := subjectFlag(flags)
	document := flags.StringP("document", "d", "", "only export cards of this document")
	output := flags.StringP("output", "o", "", "package file to write (default <subject>.apkg)")
	push := flags.Bool("push", false, "push the cards into a running Anki through AnkiConnect instead")
	flags.String("export.root_deck", "", "parent deck for exported decks")
	flags.String("export.anki_connect_url", "", "AnkiConnect endpoint")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	col, err := a.store.Load(ctx, *subject)
	if err != nil {
		return err
	}
	groups := groupByDocument(col.Cards, *document)
	if len(groups) == 0 {
		return fmt.Errorf("no cards to export in %s", *subject)
	}

	root := a.cfg.Export.RootDeck
	if root == "" {
		root = a.cfg.Export.DeckName
	}

	if *push {
		svc := anki.NewService(a.log, anki.WithURL(a.cfg.Export.AnkiConnectURL))
		a.log.Debug("Checking Anki connection...")
		if err := svc.CheckConnection(ctx); err != nil {
			return fmt.Errorf("anki connection error: %w", err)
		}
		a.log.Info("Successfully connected to Anki")

		var total anki.PushResult
		for _, g := range groups {
			res, err := svc.PushCards(ctx, anki.DeckName(root, *subject, g.document), g.cards)
			if err != nil {
				return err
			}
			total.Added += res.Added
			total.Skipped += res.Skipped
			total.Failed += res.Failed
		}
		fmt.Fprintf(env.stdout, "Pushed to Anki: %d added, %d skipped, %d failed\n", total.Added, total.Skipped, total.Failed)
		return nil
	}

	deckName := anki.DeckName(root, *subject, *document)
	cards := make([]models.Card, 0, len(col.Cards))
	for _, g := range groups {
		cards = append(cards, g.cards...)
	}

	tempDir := utils.GetDefaultTempDir()
	defer os.RemoveAll(tempDir)
	data, err := anki.NewExporter(tempDir, a.log).Export(ctx, deckName, cards)
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = *subject + ".apkg"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(env.stdout, "Exported %d cards to %s (deck %s)\n", len(cards), path, deckName)
	return nil
}

type documentCards struct {
	document string
	cards    []models.Card
}

// groupByDocument keeps the store order of documents and of cards within
// each document. A non-empty only narrows the result to that document.
func groupByDocument(cards []models.Card, only string) []documentCards {
	var groups []documentCards
	index := map[string]int{}
	for _, c := range cards {
		if only != "" && c.SourceDocument != only {
			continue
		}
		i, ok := index[c.SourceDocument]
		if !ok {
			i = len(groups)
			index[c.SourceDocument] = i
			groups = append(groups, documentCards{document: c.SourceDocument})
		}
		groups[i].cards = append(groups[i].cards, c)
	}
	return groups
}
