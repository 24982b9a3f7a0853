package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
	"github.com/kpauljoseph/merkwerk/pkg/utils"
)

const (
	DefaultAnkiConnectURL = "http://localhost:8765"
	AnkiConnectVersion    = 6
	MaxRetries            = 3
	RetryDelay            = 500 * time.Millisecond
)

// Service pushes cards into a running Anki through the AnkiConnect add-on.
type Service struct {
	ankiConnectURL string
	httpClient     *http.Client
	retryDelay     time.Duration
	logger         *logger.Logger
}

type AnkiConnectRequest struct {
	Action  string      `json:"action"`
	Version int         `json:"version"`
	Params  interface{} `json:"params"`
}

type Note struct {
	DeckName  string                 `json:"deckName"`
	ModelName string                 `json:"modelName"`
	Fields    map[string]string      `json:"fields"`
	Options   map[string]interface{} `json:"options"`
	Tags      []string               `json:"tags"`
}

type PushResult struct {
	Added   int
	Skipped int
	Failed  int
}

type ServiceOption func(*Service)

func WithURL(url string) ServiceOption {
	return func(s *Service) {
		if url != "" {
			s.ankiConnectURL = strings.TrimRight(url, "/")
		}
	}
}

func WithRetryDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.retryDelay = d
	}
}

func NewService(log *logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		ankiConnectURL: DefaultAnkiConnectURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		retryDelay:     RetryDelay,
		logger:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CheckConnection(ctx context.Context) error {
	_, err := s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "version",
		Version: AnkiConnectVersion,
		Params:  map[string]interface{}{},
	})
	if err != nil {
		s.logger.Info("Error sending request to Anki: %v", err)
		return fmt.Errorf("could not connect to Anki. Please ensure:\n" +
			"1. Anki is running https://apps.ankiweb.net/#download\n" +
			"2. AnkiConnect add-on is installed (code: 2055492159) https://ankiweb.net/shared/info/2055492159\n" +
			"3. Anki has been restarted after installing AnkiConnect")
	}
	return nil
}

func (s *Service) ensureModelExists(ctx context.Context) error {
	result, err := s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "modelNames",
		Version: AnkiConnectVersion,
		Params:  map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to get models: %w", err)
	}

	var modelNames []string
	if err := json.Unmarshal(result, &modelNames); err != nil {
		return fmt.Errorf("failed to parse model names: %w", err)
	}
	for _, name := range modelNames {
		if name == ModelName {
			s.logger.Debug("%s model already exists", ModelName)
			return nil
		}
	}

	_, err = s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "createModel",
		Version: AnkiConnectVersion,
		Params: map[string]interface{}{
			"modelName":     ModelName,
			"inOrderFields": []string{"Question", "Answer", "Hash"},
			"css":           cardCSS + "\n.hash { display: none; }",
			"cardTemplates": []map[string]interface{}{
				{
					"Name":  "Card 1",
					"Front": `{{Question}}<div class="hash">{{Hash}}</div>`,
					"Back":  "{{FrontSide}}\n<hr id=\"answer\">\n{{Answer}}",
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}

	s.logger.Info("Created %s model", ModelName)
	return nil
}

func (s *Service) CreateDeck(ctx context.Context, deckName string) error {
	s.logger.Info("Creating deck: %s", deckName)
	_, err := s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "createDeck",
		Version: AnkiConnectVersion,
		Params:  map[string]string{"deck": deckName},
	})
	return err
}

func (s *Service) findExistingNoteByHash(ctx context.Context, hash string) (int64, error) {
	result, err := s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "findNotes",
		Version: AnkiConnectVersion,
		Params:  map[string]interface{}{"query": fmt.Sprintf("Hash:%s", hash)},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to search notes: %w", err)
	}

	var noteIDs []int64
	if err := json.Unmarshal(result, &noteIDs); err != nil {
		return 0, fmt.Errorf("failed to parse note IDs: %w", err)
	}
	if len(noteIDs) > 0 {
		return noteIDs[0], nil
	}
	return 0, nil
}

// cardHash identifies a card's content; an unchanged card pushed twice is
// skipped the second time.
func cardHash(c models.Card) string {
	parts := append([]string{c.ID, c.Question}, c.Answer...)
	return utils.ShortHash(parts...)
}

// AddCard pushes one card. It reports false when an identical card is
// already in Anki.
func (s *Service) AddCard(ctx context.Context, deckName string, card models.Card) (bool, error) {
	contentHash := cardHash(card)
	s.logger.Debug("Processing card %s (hash %s) for deck %s", card.ID, contentHash, deckName)

	existing, err := s.findExistingNoteByHash(ctx, contentHash)
	if err != nil {
		s.logger.Debug("Warning: failed to check for existing note: %v", err)
	} else if existing != 0 {
		s.logger.Info("Skipping duplicate card with hash: %s", contentHash)
		return false, nil
	}

	imageFile := ""
	if card.HasImage() && !card.IsGraph() {
		imageFile = fmt.Sprintf("merkwerk_%s.png", utils.ShortHash(card.Media.Image))
		if err := s.storeMediaFile(ctx, imageFile, card.Media.Image); err != nil {
			return false, err
		}
	}

	note := Note{
		DeckName:  deckName,
		ModelName: ModelName,
		Fields: map[string]string{
			"Question": questionField(card),
			"Answer":   answerField(card, imageFile),
			"Hash":     contentHash,
		},
		Options: map[string]interface{}{"allowDuplicate": false},
		Tags:    []string{exportTag, deckTag(deckName)},
	}

	_, err = s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "addNote",
		Version: AnkiConnectVersion,
		Params:  map[string]interface{}{"note": note},
	})
	if err != nil {
		return false, fmt.Errorf("failed to add note: %w", err)
	}

	s.logger.Debug("Successfully added card with hash: %s", contentHash)
	return true, nil
}

// PushCards creates the deck and adds every card, continuing past
// individual failures.
func (s *Service) PushCards(ctx context.Context, deckName string, cards []models.Card) (PushResult, error) {
	var res PushResult
	if err := s.CheckConnection(ctx); err != nil {
		return res, err
	}
	if err := s.ensureModelExists(ctx); err != nil {
		return res, fmt.Errorf("failed to ensure model exists: %w", err)
	}
	if err := s.CreateDeck(ctx, deckName); err != nil {
		return res, fmt.Errorf("failed to create deck: %w", err)
	}

	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, err := s.AddCard(ctx, deckName, card)
		switch {
		case err != nil:
			s.logger.Debug("Error adding card %s: %v", card.ID, err)
			res.Failed++
		case added:
			res.Added++
		default:
			res.Skipped++
		}
	}

	s.logger.Info("Pushed %d cards to %s (%d duplicates, %d failed)", res.Added, deckName, res.Skipped, res.Failed)
	if res.Failed > 0 {
		return res, fmt.Errorf("failed to add %d out of %d cards", res.Failed, len(cards))
	}
	return res, nil
}

func (s *Service) storeMediaFile(ctx context.Context, filename, base64Data string) error {
	_, err := s.sendRequest(ctx, AnkiConnectRequest{
		Action:  "storeMediaFile",
		Version: AnkiConnectVersion,
		Params:  map[string]string{"filename": filename, "data": base64Data},
	})
	if err != nil {
		return fmt.Errorf("failed to store media file %s: %w", filename, err)
	}
	return nil
}

func (s *Service) sendRequest(ctx context.Context, req AnkiConnectRequest) (json.RawMessage, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Info("Retrying %s (attempt %d/%d)...", req.Action, attempt+1, MaxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		result, err := s.post(ctx, reqBody)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("after %d attempts: %w", MaxRetries, lastErr)
}

func (s *Service) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ankiConnectURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result struct {
		Error  *string         `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("anki error: %s", *result.Error)
	}
	return result.Result, nil
}
