package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

const responsesPath = "/v1/responses"

type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Language       string
	Temperature    float64
	MaxPageTokens  int
	MaxGraphTokens int
	Timeout        time.Duration
}

// OpenAIModel talks to an OpenAI compatible Responses endpoint with strict
// JSON schema output.
type OpenAIModel struct {
	cfg        OpenAIConfig
	prompts    promptSet
	httpClient *http.Client
	logger     *logger.Logger
}

var _ Model = (*OpenAIModel)(nil)

func NewOpenAIModel(cfg OpenAIConfig, log *logger.Logger) (*OpenAIModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing analysis API key (set analysis.api_key or OPENAI_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, errors.New("missing analysis model")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &OpenAIModel{
		cfg:        cfg,
		prompts:    promptsFor(cfg.Language),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}, nil
}

type inputMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	Text            responsesText  `json:"text"`
	Temperature     *float64       `json:"temperature,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
}

type responsesText struct {
	Format map[string]any `json:"format"`
}

type responsesResponse struct {
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
}

func (m *OpenAIModel) CompletePage(ctx context.Context, req PageRequest) (string, error) {
	var content any = m.prompts.pagePrompt(req)
	if len(req.Image) > 0 {
		content = []map[string]any{
			{"type": "input_text", "text": m.prompts.pagePrompt(req)},
			{
				"type":      "input_image",
				"image_url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Image),
			},
		}
	}

	body := m.newRequest(pageSchemaName, pageSchema, m.cfg.MaxPageTokens)
	body.Input = []inputMessage{
		{Role: "system", Content: m.prompts.pageSystem},
		{Role: "user", Content: content},
	}
	return m.complete(ctx, body)
}

func (m *OpenAIModel) CompleteGraph(ctx context.Context, req GraphRequest) (string, error) {
	body := m.newRequest(graphSchemaName, graphSchema, m.cfg.MaxGraphTokens)
	body.Input = []inputMessage{
		{Role: "user", Content: m.prompts.graphPrompt(req)},
	}
	return m.complete(ctx, body)
}

func (m *OpenAIModel) newRequest(schemaName string, schema map[string]any, maxTokens int) responsesRequest {
	temperature := m.cfg.Temperature
	return responsesRequest{
		Model: m.cfg.Model,
		Text: responsesText{Format: map[string]any{
			"type":   "json_schema",
			"name":   schemaName,
			"schema": schema,
			"strict": true,
		}},
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}
}

func (m *OpenAIModel) complete(ctx context.Context, body responsesRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+responsesPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	m.logger.Trace("Analysis call returned %d in %s (%d bytes)", resp.StatusCode, time.Since(start), len(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: retryAfter(resp),
		}
	}

	var parsed responsesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return outputText(parsed)
}

func outputText(resp responsesResponse) (string, error) {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			switch c.Type {
			case "output_text":
				out.WriteString(c.Text)
			case "refusal":
				return "", fmt.Errorf("model refused: %s", c.Refusal)
			}
		}
	}
	if strings.TrimSpace(out.String()) == "" {
		return "", fmt.Errorf("no output_text in response (status %q)", resp.Status)
	}
	return out.String(), nil
}

func retryAfter(resp *http.Response) time.Duration {
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
