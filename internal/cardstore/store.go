package cardstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

var (
	// ErrConflict is returned by Replace when the stored version is no
	// longer the one the caller loaded.
	ErrConflict       = errors.New("card collection was modified concurrently")
	ErrCardNotFound   = errors.New("card not found")
	ErrInvalidSubject = errors.New("invalid subject name")
	ErrInvalidCard    = errors.New("invalid card")
)

const (
	CardsFileName = "flashcards.json"

	missingAnswer = "(no answer)"
)

// Collection is the whole card set of one subject. Version 0 means the
// subject has never been written.
type Collection struct {
	Version int64
	Cards   []models.Card
}

// Store persists one versioned card collection per subject.
type Store interface {
	Load(ctx context.Context, subject string) (Collection, error)
	// Replace overwrites the collection and returns its new version. It
	// fails with ErrConflict unless the stored version equals expected.
	Replace(ctx context.Context, subject string, cards []models.Card, expected int64) (int64, error)
	Subjects(ctx context.Context) ([]string, error)
	// Delete drops the whole collection of subject. Deleting a subject
	// that was never written is not an error; a later first write starts
	// again at expected version 0.
	Delete(ctx context.Context, subject string) error
	Close() error
}

// ValidateSubject rejects names that cannot be used as a storage key
// segment.
func ValidateSubject(subject string) error {
	s := strings.TrimSpace(subject)
	switch {
	case s == "":
		return fmt.Errorf("%w: empty", ErrInvalidSubject)
	case s != subject:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidSubject, subject)
	case s == "." || s == "..", strings.HasPrefix(s, "."):
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	case strings.ContainsAny(s, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSubject, subject)
	}
	return nil
}

type document struct {
	Version int64         `json:"version"`
	Cards   []models.Card `json:"cards"`
}

// decodeDocument reads either the versioned envelope or a bare legacy card
// list, which counts as version 1.
func decodeDocument(data []byte) (document, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return document{Version: 1}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var cards []models.Card
		if err := json.Unmarshal(data, &cards); err != nil {
			return document{}, fmt.Errorf("failed to decode card list: %w", err)
		}
		return document{Version: 1, Cards: cards}, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("failed to decode card collection: %w", err)
	}
	return doc, nil
}

func encodeDocument(version int64, cards []models.Card) ([]byte, error) {
	if cards == nil {
		cards = []models.Card{}
	}
	return json.MarshalIndent(document{Version: version, Cards: cards}, "", "  ")
}

// loaded fixes up cards read from storage: legacy records get the owning
// subject, and records whose derived ids collide get one that includes
// their position. Both are stable across loads of the same data.
func loaded(subject string, cards []models.Card) []models.Card {
	seen := make(map[string]struct{}, len(cards))
	for i := range cards {
		if cards[i].Subject == "" {
			cards[i].Subject = subject
		}
		if _, dup := seen[cards[i].ID]; dup || cards[i].ID == "" {
			cards[i].ID = models.LegacyID(subject, cards[i].SourceDocument, cards[i].Question, strconv.Itoa(i))
		}
		seen[cards[i].ID] = struct{}{}
		cards[i].Normalize()
		if len(cards[i].Answer) == 0 {
			cards[i].Answer = []string{missingAnswer}
		}
		if cards[i].Page != nil && *cards[i].Page <= 0 {
			cards[i].Page = nil
		}
	}
	return cards
}

// checkCards is run by every backend before a write.
func checkCards(subject string, cards []models.Card) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cards))
	for i := range cards {
		c := &cards[i]
		if c.Subject != subject {
			return fmt.Errorf("%w: card %s belongs to %q, not %q", ErrInvalidCard, c.ID, c.Subject, subject)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCard, err)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidCard, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}
