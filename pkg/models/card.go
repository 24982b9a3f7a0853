package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Priority int

const (
	PriorityHard   Priority = 1
	PriorityMedium Priority = 2
	PriorityEasy   Priority = 3

	DefaultPriority = PriorityMedium
)

func (p Priority) Valid() bool {
	return p >= PriorityHard && p <= PriorityEasy
}

func (p Priority) String() string {
	switch p {
	case PriorityHard:
		return "hard"
	case PriorityMedium:
		return "medium"
	case PriorityEasy:
		return "easy"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts either the numeric form ("1".."3") or the name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "hard":
		return PriorityHard, nil
	case "2", "medium":
		return PriorityMedium, nil
	case "3", "easy":
		return PriorityEasy, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Media is the optional embedded payload of a card: either a page raster
// or the concept graph the card's answer markup was rendered from.
type Media struct {
	Image        string        `json:"image,omitempty"` // base64 encoded PNG
	ImagePage    int           `json:"image_page,omitempty"`
	Graph        bool          `json:"graph,omitempty"`
	ConceptGraph *ConceptGraph `json:"concept_graph,omitempty"`
}

type Card struct {
	ID             string    `json:"id" validate:"required"`
	Subject        string    `json:"subject" validate:"required"`
	SourceDocument string    `json:"source_document"`
	Question       string    `json:"question" validate:"required"`
	Answer         []string  `json:"answer" validate:"min=1"`
	Page           *int      `json:"page" validate:"omitempty,gt=0"`
	Priority       Priority  `json:"priority"`
	Media          *Media    `json:"media,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewCard builds a normalized card with a fresh identifier.
func NewCard(subject, sourceDocument, question string, answer []string, page *int) Card {
	now := time.Now().UTC()
	c := Card{
		ID:             uuid.NewString(),
		Subject:        subject,
		SourceDocument: sourceDocument,
		Question:       question,
		Answer:         answer,
		Page:           page,
		Priority:       DefaultPriority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.Normalize()
	return c
}

// legacyNamespace seeds the name based ids of records stored without one.
var legacyNamespace = uuid.MustParse("6f1c2a0e-5b7d-4c3e-9a8f-2d4b6e8a1c3f")

// LegacyID derives a stable id from the given record fields, so a record
// stored without an id gets the same one on every read.
func LegacyID(parts ...string) string {
	return uuid.NewSHA1(legacyNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

func PageNumber(n int) *int {
	return &n
}

func (c Card) IsGraph() bool {
	return c.Media != nil && c.Media.Graph
}

func (c Card) HasImage() bool {
	return c.Media != nil && c.Media.Image != ""
}

// PageOrZero returns the page number, or 0 for cards without a page.
func (c Card) PageOrZero() int {
	if c.Page == nil {
		return 0
	}
	return *c.Page
}

// Normalize trims answer bullets, drops empty ones and fills in the
// default priority and a missing id. Graph card markup is left untouched.
func (c *Card) Normalize() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !c.Priority.Valid() {
		c.Priority = DefaultPriority
	}
	c.Question = strings.TrimSpace(c.Question)
	if c.IsGraph() {
		return
	}
	bullets := c.Answer[:0:0]
	for _, a := range c.Answer {
		if a = strings.TrimSpace(a); a != "" {
			bullets = append(bullets, a)
		}
	}
	c.Answer = bullets
}

func (c Card) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid card %q: %w", c.ID, err)
	}
	return nil
}

// DecodeAnswer accepts a JSON list of bullets or a single string, which
// becomes a one element list.
func DecodeAnswer(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				out = append(out, v)
			case nil:
			default:
				out = append(out, fmt.Sprint(v))
			}
		}
		return out, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("answer is neither a list nor a string: %w", err)
	}
	return []string{single}, nil
}

type cardJSON struct {
	ID             string          `json:"id"`
	Subject        string          `json:"subject"`
	SourceDocument string          `json:"source_document"`
	Upload         string          `json:"upload"`
	Question       string          `json:"question"`
	Answer         json.RawMessage `json:"answer"`
	Page           *int            `json:"page"`
	Priority       *int            `json:"priority"`
	Media          *Media          `json:"media"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// fields written by earlier versions of the store
	ImageBase64 string `json:"image_base64"`
	Images      []struct {
		Page   int    `json:"page"`
		Base64 string `json:"base64"`
	} `json:"images"`
	Mindmap bool `json:"mindmap"`
}

func (c *Card) UnmarshalJSON(data []byte) error {
	var raw cardJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	answer, err := DecodeAnswer(raw.Answer)
	if err != nil {
		return err
	}

	*c = Card{
		ID:             raw.ID,
		Subject:        raw.Subject,
		SourceDocument: raw.SourceDocument,
		Question:       raw.Question,
		Answer:         answer,
		Page:           raw.Page,
		Media:          raw.Media,
		CreatedAt:      raw.CreatedAt,
		UpdatedAt:      raw.UpdatedAt,
	}
	if c.SourceDocument == "" {
		c.SourceDocument = raw.Upload
	}
	if c.ID == "" {
		c.ID = LegacyID(c.Subject, c.SourceDocument, strings.TrimSpace(c.Question))
	}
	if raw.Priority != nil {
		c.Priority = Priority(*raw.Priority)
	}

	if c.Media == nil {
		switch {
		case raw.Mindmap:
			c.Media = &Media{Graph: true}
		case len(raw.Images) > 0 && raw.Images[0].Base64 != "":
			c.Media = &Media{Image: raw.Images[0].Base64, ImagePage: raw.Images[0].Page}
		case raw.ImageBase64 != "":
			c.Media = &Media{Image: raw.ImageBase64, ImagePage: c.PageOrZero()}
		}
	}

	c.Normalize()
	return nil
}
