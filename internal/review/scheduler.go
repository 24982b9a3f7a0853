package review

import (
	"math/rand/v2"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

const maxRedraws = 10

// Weight maps a priority to its selection weight: hard cards come up five
// times as often as easy ones.
func Weight(p models.Priority) int {
	switch p {
	case models.PriorityHard:
		return 5
	case models.PriorityMedium:
		return 3
	default:
		return 1
	}
}

// Scheduler draws the next card with probability proportional to its
// weight and avoids showing the same card twice in a row.
type Scheduler struct {
	rng       *rand.Rand
	lastShown int
}

// NewScheduler uses rng for every draw; nil seeds a fresh generator.
func NewScheduler(rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{rng: rng, lastShown: -1}
}

func (s *Scheduler) LastShown() int {
	return s.lastShown
}

// MarkShown records i as the card on screen.
func (s *Scheduler) MarkShown(i int) {
	s.lastShown = i
}

func (s *Scheduler) Reset() {
	s.lastShown = -1
}

// SelectNext returns the index of the next card, or false for an empty
// set. When the draw repeats the last card it is redrawn up to ten times;
// after that a uniform draw decides, which may still repeat.
func (s *Scheduler) SelectNext(cards []models.Card) (int, bool) {
	if len(cards) == 0 {
		s.lastShown = -1
		return -1, false
	}

	weights := make([]int, len(cards))
	total := 0
	for i, c := range cards {
		weights[i] = Weight(c.Priority)
		total += weights[i]
	}

	chosen := -1
	for range maxRedraws {
		chosen = s.draw(weights, total)
		if len(cards) == 1 || chosen != s.lastShown {
			s.lastShown = chosen
			return chosen, true
		}
	}

	chosen = s.rng.IntN(len(cards))
	s.lastShown = chosen
	return chosen, true
}

func (s *Scheduler) draw(weights []int, total int) int {
	if total <= 0 {
		return s.rng.IntN(len(weights))
	}
	r := s.rng.IntN(total)
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(weights) - 1
}
