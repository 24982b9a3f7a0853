package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kpauljoseph/merkwerk/internal/graph"
	"github.com/kpauljoseph/merkwerk/internal/review"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

const reviewHelp = `Commands:
  <enter>, f      flip the card
  1, 2, 3         rate hard, medium or easy and continue
  n               skip to the next card
  j <number>      jump to a card of the list
  l               list the cards of the session
  e               edit the current card
  d               delete the current card
  q               quit`

func runReview(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("review", env)
	subject := subjectFlag(flags)
	document := flags.StringP("document", "d", "", "only review cards of this document")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	session := review.NewSession(a.store, nil, a.log)
	if err := session.Select(ctx, *subject, *document); err != nil {
		return err
	}
	return reviewLoop(ctx, session, env.stdin, env.stdout)
}

// reviewLoop drives a session from line based input until the input ends,
// the learner quits or no card is left.
func reviewLoop(ctx context.Context, s *review.Session, in io.Reader, out io.Writer) error {
	lines := bufio.NewScanner(in)
	read := func(prompt string) (string, bool) {
		fmt.Fprint(out, prompt)
		if !lines.Scan() {
			return "", false
		}
		return strings.TrimSpace(lines.Text()), true
	}

	fmt.Fprintf(out, "%d cards in %s\n", s.Len(), s.Subject())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		card, ok := s.Current()
		if !ok {
			fmt.Fprintln(out, "No cards to review.")
			return nil
		}
		showCard(out, s, card)

		input, ok := read("> ")
		if !ok {
			return nil
		}
		cmd, arg, _ := strings.Cut(input, " ")

		switch strings.ToLower(cmd) {
		case "", "f":
			s.Flip()
		case "1", "2", "3":
			p, _ := models.ParsePriority(cmd)
			if _, _, err := s.Rate(ctx, p); err != nil {
				return err
			}
		case "n":
			s.Next()
		case "j":
			n, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil {
				fmt.Fprintln(out, "usage: j <number>")
				continue
			}
			s.Jump(n - 1)
		case "l":
			listCards(out, s)
		case "e":
			if err := editCard(ctx, s, card, read, out); err != nil {
				fmt.Fprintf(out, "edit failed: %v\n", err)
			}
		case "d":
			if err := s.Delete(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Card deleted.")
		case "q":
			return nil
		case "h", "?":
			fmt.Fprintln(out, reviewHelp)
		default:
			fmt.Fprintf(out, "unknown command %q, h shows help\n", cmd)
		}
	}
}

func showCard(out io.Writer, s *review.Session, card models.Card) {
	fmt.Fprintf(out, "\n[%d/%d] %s", s.Position()+1, s.Len(), card.SourceDocument)
	if card.Page != nil {
		fmt.Fprintf(out, " p.%d", *card.Page)
	}
	fmt.Fprintf(out, " (%s)\n", card.Priority)
	fmt.Fprintf(out, "Q: %s\n", card.Question)
	if !s.Revealed() {
		return
	}

	if card.IsGraph() && card.Media.ConceptGraph != nil {
		printOutline(out, graph.Outline(*card.Media.ConceptGraph), 1)
		return
	}
	for _, a := range card.Answer {
		fmt.Fprintf(out, "  - %s\n", a)
	}
	if card.HasImage() {
		fmt.Fprintf(out, "  [page image of p.%d attached]\n", card.Media.ImagePage)
	}
}

func printOutline(out io.Writer, nodes []graph.OutlineNode, depth int) {
	for _, n := range nodes {
		fmt.Fprintf(out, "%s- %s\n", strings.Repeat("  ", depth), n.Label)
		printOutline(out, n.Children, depth+1)
	}
}

func listCards(out io.Writer, s *review.Session) {
	for i, c := range s.Cards() {
		marker := " "
		if i == s.Position() {
			marker = "*"
		}
		page := "-"
		if c.Page != nil {
			page = strconv.Itoa(*c.Page)
		}
		fmt.Fprintf(out, "%s%3d  p.%-4s %s\n", marker, i+1, page, c.Question)
	}
}

// editCard reads a new question and answer bullets, one per line, ending
// with a single "." line. An empty question keeps the old one.
func editCard(ctx context.Context, s *review.Session, card models.Card, read func(string) (string, bool), out io.Writer) error {
	if err := s.BeginEdit(); err != nil {
		return err
	}

	question, ok := read(fmt.Sprintf("Question [%s]: ", card.Question))
	if !ok {
		s.CancelEdit()
		return errors.New("input ended")
	}
	if question == "" {
		question = card.Question
	}

	answer := strings.Join(card.Answer, "\n")
	if !card.IsGraph() {
		fmt.Fprintln(out, "Answer, one bullet per line, end with \".\" (a lone \".\" keeps the old answer):")
		var bullets []string
		for {
			line, ok := read("  ")
			if !ok {
				s.CancelEdit()
				return errors.New("input ended")
			}
			if line == "." {
				break
			}
			bullets = append(bullets, line)
		}
		if len(bullets) > 0 {
			answer = strings.Join(bullets, "\n")
		}
	}

	if _, err := s.Edit(ctx, question, answer); err != nil {
		s.CancelEdit()
		return err
	}
	fmt.Fprintln(out, "Card updated.")
	return nil
}
