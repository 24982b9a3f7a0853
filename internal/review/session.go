package review

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

var ErrNoCard = errors.New("no card selected")

// Session is the state of one learner working through the cards of a
// subject, optionally narrowed to one source document.
type Session struct {
	store     cardstore.Store
	scheduler *Scheduler
	logger    *logger.Logger

	subject  string
	document string
	cards    []models.Card
	current  int
	revealed bool
	editing  bool
}

func NewSession(store cardstore.Store, scheduler *Scheduler, log *logger.Logger) *Session {
	if scheduler == nil {
		scheduler = NewScheduler(nil)
	}
	return &Session{store: store, scheduler: scheduler, logger: log, current: -1}
}

// Select loads the working set for subject and document ("" selects every
// document) and draws the first card.
func (s *Session) Select(ctx context.Context, subject, document string) error {
	col, err := s.store.Load(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", subject, err)
	}

	cards := make([]models.Card, 0, len(col.Cards))
	for _, c := range col.Cards {
		if document == "" || c.SourceDocument == document {
			cards = append(cards, c)
		}
	}
	sortWorkingSet(cards)

	s.subject = subject
	s.document = document
	s.cards = cards
	s.scheduler.Reset()
	s.resetView()
	s.pick()

	s.logger.Debug("Review of %s/%s: %d cards", subject, document, len(cards))
	return nil
}

// sortWorkingSet orders cards by page; cards without a page, such as the
// concept graph card, go last.
func sortWorkingSet(cards []models.Card) {
	slices.SortStableFunc(cards, func(a, b models.Card) int {
		return pageKey(a) - pageKey(b)
	})
}

func pageKey(c models.Card) int {
	if c.Page == nil {
		return math.MaxInt32
	}
	return *c.Page
}

func (s *Session) Subject() string  { return s.subject }
func (s *Session) Document() string { return s.document }
func (s *Session) Len() int         { return len(s.cards) }
func (s *Session) Revealed() bool   { return s.revealed }
func (s *Session) Editing() bool    { return s.editing }

// Position is the index of the current card in the working set, or -1.
func (s *Session) Position() int {
	if s.current < 0 || s.current >= len(s.cards) {
		return -1
	}
	return s.current
}

// Cards returns a copy of the working set in display order.
func (s *Session) Cards() []models.Card {
	return slices.Clone(s.cards)
}

func (s *Session) Current() (models.Card, bool) {
	if s.current >= len(s.cards) {
		s.pick()
	}
	if s.current < 0 {
		return models.Card{}, false
	}
	return s.cards[s.current], true
}

// Flip toggles between question and answer side.
func (s *Session) Flip() bool {
	if s.Position() < 0 {
		return false
	}
	s.revealed = !s.revealed
	return s.revealed
}

// Jump shows card i directly. An index outside the working set draws a
// fresh card instead.
func (s *Session) Jump(i int) (models.Card, bool) {
	s.resetView()
	if i < 0 || i >= len(s.cards) {
		s.pick()
	} else {
		s.current = i
		s.scheduler.MarkShown(i)
	}
	return s.Current()
}

// Next skips to a freshly drawn card.
func (s *Session) Next() (models.Card, bool) {
	s.resetView()
	s.pick()
	return s.Current()
}

// Rate stores a new priority for the current card and moves on. The
// working set is updated first so the following draw already uses the new
// weight.
func (s *Session) Rate(ctx context.Context, p models.Priority) (models.Card, bool, error) {
	i := s.Position()
	if i < 0 {
		return models.Card{}, false, ErrNoCard
	}
	if !p.Valid() {
		return models.Card{}, false, fmt.Errorf("invalid priority %d", p)
	}

	s.cards[i].Priority = p
	if _, err := cardstore.UpdateCard(ctx, s.store, s.cards[i]); err != nil {
		return models.Card{}, false, fmt.Errorf("failed to store rating: %w", err)
	}

	card, ok := s.Next()
	return card, ok, nil
}

// Delete removes the current card from the store and the working set and
// draws the next one. Deleting the last card leaves an empty session.
func (s *Session) Delete(ctx context.Context) error {
	i := s.Position()
	if i < 0 {
		return ErrNoCard
	}

	if _, err := cardstore.DeleteCard(ctx, s.store, s.subject, s.cards[i].ID); err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	s.cards = slices.Delete(s.cards, i, i+1)
	s.scheduler.Reset()
	s.resetView()
	s.pick()
	return nil
}

func (s *Session) BeginEdit() error {
	if s.Position() < 0 {
		return ErrNoCard
	}
	s.editing = true
	return nil
}

func (s *Session) CancelEdit() {
	s.editing = false
}

// Edit replaces question and answer of the current card. Each non-blank
// line of answerLines becomes one bullet. The answer markup of a concept
// graph card is kept.
func (s *Session) Edit(ctx context.Context, question string, answerLines string) (models.Card, error) {
	i := s.Position()
	if i < 0 {
		return models.Card{}, ErrNoCard
	}

	edited := s.cards[i]
	edited.Question = strings.TrimSpace(question)
	if !edited.IsGraph() {
		edited.Answer = splitLines(answerLines)
	}
	if edited.Question == "" || len(edited.Answer) == 0 {
		return models.Card{}, errors.New("question and answer must not be empty")
	}

	col, err := cardstore.UpdateCard(ctx, s.store, edited)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to store edit: %w", err)
	}
	if j := slices.IndexFunc(col.Cards, func(c models.Card) bool { return c.ID == edited.ID }); j >= 0 {
		edited = col.Cards[j]
	}

	s.cards[i] = edited
	s.resetView()
	return edited, nil
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (s *Session) resetView() {
	s.revealed = false
	s.editing = false
}

func (s *Session) pick() {
	i, ok := s.scheduler.SelectNext(s.cards)
	if !ok {
		s.current = -1
		return
	}
	s.current = i
}
