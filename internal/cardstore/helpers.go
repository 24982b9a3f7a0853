package cardstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

// Mutate loads the subject, applies fn and writes the result back under
// the loaded version. fn reports whether it changed anything; unchanged
// collections are not written.
func Mutate(ctx context.Context, s Store, subject string, fn func([]models.Card) ([]models.Card, bool, error)) (Collection, error) {
	col, err := s.Load(ctx, subject)
	if err != nil {
		return Collection{}, err
	}

	cards, changed, err := fn(slices.Clone(col.Cards))
	if err != nil || !changed {
		return col, err
	}

	version, err := s.Replace(ctx, subject, cards, col.Version)
	if err != nil {
		return Collection{}, err
	}
	return Collection{Version: version, Cards: cards}, nil
}

func Append(ctx context.Context, s Store, subject string, cards ...models.Card) (Collection, error) {
	return Mutate(ctx, s, subject, func(existing []models.Card) ([]models.Card, bool, error) {
		if len(cards) == 0 {
			return existing, false, nil
		}
		return append(existing, cards...), true, nil
	})
}

// ReplaceDocument drops every card generated from document and appends
// cards in their place.
func ReplaceDocument(ctx context.Context, s Store, subject, document string, cards []models.Card) (Collection, error) {
	return Mutate(ctx, s, subject, func(existing []models.Card) ([]models.Card, bool, error) {
		kept := withoutDocument(existing, document)
		if len(kept) == len(existing) && len(cards) == 0 {
			return existing, false, nil
		}
		return append(kept, cards...), true, nil
	})
}

// DeleteDocument removes the cards of document and reports how many were
// removed. Deleting an unknown document is a no-op without a write.
func DeleteDocument(ctx context.Context, s Store, subject, document string) (int, error) {
	removed := 0
	_, err := Mutate(ctx, s, subject, func(existing []models.Card) ([]models.Card, bool, error) {
		kept := withoutDocument(existing, document)
		removed = len(existing) - len(kept)
		return kept, removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// UpdateCard replaces the stored card with the same id.
func UpdateCard(ctx context.Context, s Store, card models.Card) (Collection, error) {
	return Mutate(ctx, s, card.Subject, func(existing []models.Card) ([]models.Card, bool, error) {
		i := indexOf(existing, card.ID)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrCardNotFound, card.ID)
		}
		card.UpdatedAt = time.Now().UTC()
		existing[i] = card
		return existing, true, nil
	})
}

func DeleteCard(ctx context.Context, s Store, subject, id string) (Collection, error) {
	return Mutate(ctx, s, subject, func(existing []models.Card) ([]models.Card, bool, error) {
		i := indexOf(existing, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrCardNotFound, id)
		}
		return slices.Delete(existing, i, i+1), true, nil
	})
}

// Documents lists the distinct source documents of a subject in order of
// first appearance.
func Documents(ctx context.Context, s Store, subject string) ([]string, error) {
	col, err := s.Load(ctx, subject)
	if err != nil {
		return nil, err
	}
	var docs []string
	for _, c := range col.Cards {
		if c.SourceDocument != "" && !slices.Contains(docs, c.SourceDocument) {
			docs = append(docs, c.SourceDocument)
		}
	}
	return docs, nil
}

func withoutDocument(cards []models.Card, document string) []models.Card {
	return slices.DeleteFunc(cards, func(c models.Card) bool {
		return c.SourceDocument == document
	})
}

func indexOf(cards []models.Card, id string) int {
	return slices.IndexFunc(cards, func(c models.Card) bool { return c.ID == id })
}
