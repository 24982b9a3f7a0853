package analysis_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kpauljoseph/merkwerk/internal/analysis"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

const okEnvelope = `{
  "status": "completed",
  "output": [
    {"type": "reasoning"},
    {"type": "message", "role": "assistant", "content": [
      {"type": "output_text", "text": "{\"question\":\"Q\",\"answer\":[\"A\"]}"}
    ]}
  ]
}`

var _ = Describe("OpenAIModel", func() {
	var (
		server   *httptest.Server
		handler  http.HandlerFunc
		lastBody map[string]any
		lastAuth string
	)

	BeforeEach(func() {
		lastBody = nil
		handler = func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, okEnvelope)
		}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Path).To(Equal("/v1/responses"))
			lastAuth = r.Header.Get("Authorization")
			raw, err := io.ReadAll(r.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(raw, &lastBody)).To(Succeed())
			handler(w, r)
		}))
		DeferCleanup(server.Close)
	})

	newModel := func(language string) *analysis.OpenAIModel {
		m, err := analysis.NewOpenAIModel(analysis.OpenAIConfig{
			BaseURL:  server.URL + "/",
			APIKey:   "sk-test",
			Model:    "gpt-4o-mini",
			Language: language,
			Timeout:  5 * time.Second,
		}, logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	It("should refuse to start without an API key", func() {
		_, err := analysis.NewOpenAIModel(analysis.OpenAIConfig{Model: "m"}, logger.Nop())
		Expect(err).To(MatchError(ContainSubstring("API key")))
	})

	It("should send a strict schema request and return the output text", func() {
		text, err := newModel("en").CompletePage(context.Background(), analysis.PageRequest{
			DocumentName: "ds.pdf",
			Page:         2,
			Text:         "Stacks are LIFO",
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal(`{"question":"Q","answer":["A"]}`))
		Expect(lastAuth).To(Equal("Bearer sk-test"))
		Expect(lastBody["model"]).To(Equal("gpt-4o-mini"))

		format := lastBody["text"].(map[string]any)["format"].(map[string]any)
		Expect(format["type"]).To(Equal("json_schema"))
		Expect(format["strict"]).To(BeTrue())

		input := lastBody["input"].([]any)
		Expect(input).To(HaveLen(2))
		user := input[1].(map[string]any)
		Expect(user["content"]).To(ContainSubstring("Stacks are LIFO"))
		Expect(user["content"]).To(ContainSubstring("Page: 2"))
	})

	It("should attach the page image as a data URL", func() {
		_, err := newModel("de").CompletePage(context.Background(), analysis.PageRequest{
			DocumentName: "ds.pdf",
			Page:         1,
			Text:         "Text",
			Image:        []byte("png-bytes"),
		})
		Expect(err).NotTo(HaveOccurred())

		user := lastBody["input"].([]any)[1].(map[string]any)
		parts := user["content"].([]any)
		Expect(parts).To(HaveLen(2))
		Expect(parts[0].(map[string]any)["text"]).To(ContainSubstring("BEIDE"))
		image := parts[1].(map[string]any)
		Expect(image["type"]).To(Equal("input_image"))
		Expect(image["image_url"]).To(HavePrefix("data:image/png;base64,"))
	})

	It("should name the document as the central topic of the graph prompt", func() {
		_, err := newModel("en").CompleteGraph(context.Background(), analysis.GraphRequest{
			DocumentName: "Algorithms",
			FullText:     "sorting",
		})
		Expect(err).NotTo(HaveOccurred())

		user := lastBody["input"].([]any)[0].(map[string]any)
		Expect(user["content"]).To(ContainSubstring(`"Algorithms"`))
		Expect(lastBody["text"].(map[string]any)["format"].(map[string]any)["name"]).To(Equal("concept_graph"))
	})

	It("should surface 429 as a rate limit with the Retry-After hint", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"rate limit"}`)
		}

		_, err := newModel("en").CompletePage(context.Background(), analysis.PageRequest{Page: 1})

		Expect(errors.Is(err, analysis.ErrRateLimited)).To(BeTrue())
		var httpErr *analysis.HTTPError
		Expect(errors.As(err, &httpErr)).To(BeTrue())
		Expect(httpErr.RetryAfter).To(Equal(7 * time.Second))
	})

	It("should not treat server errors as rate limits", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}

		_, err := newModel("en").CompletePage(context.Background(), analysis.PageRequest{Page: 1})

		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, analysis.ErrRateLimited)).To(BeFalse())
	})

	It("should report refusals", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"status":"completed","output":[{"type":"message","content":[{"type":"refusal","refusal":"no"}]}]}`)
		}

		_, err := newModel("en").CompletePage(context.Background(), analysis.PageRequest{Page: 1})

		Expect(err).To(MatchError(ContainSubstring("refused")))
	})

	It("should work end to end behind the analyzer", func() {
		calls := 0
		handler = func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = io.WriteString(w, okEnvelope)
		}
		a := analysis.NewAnalyzer(newModel("en"), analysis.Options{
			Retry: analysis.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		}, logger.Nop())

		res := a.AnalyzePage(context.Background(), analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})

		Expect(res.OK()).To(BeTrue())
		Expect(strings.TrimSpace(res.Card.Question)).To(Equal("Q"))
		Expect(calls).To(Equal(2))
	})
})
