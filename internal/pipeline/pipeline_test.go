package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kpauljoseph/merkwerk/internal/analysis"
	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/internal/pipeline"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

type memDocument struct {
	name        string
	pages       []string
	failOn      int
	failImageOn int
	renders     []int
}

func (d *memDocument) Name() string   { return d.name }
func (d *memDocument) PageCount() int { return len(d.pages) }
func (d *memDocument) Close() error   { return nil }

func (d *memDocument) PageText(page int) (string, error) {
	if page == d.failOn {
		return "", errors.New("corrupt page")
	}
	return d.pages[page-1], nil
}

func (d *memDocument) PageImage(page int) ([]byte, error) {
	if page == d.failImageOn {
		return nil, errors.New("cannot rasterize")
	}
	d.renders = append(d.renders, page)
	return []byte(fmt.Sprintf("png-%d", page)), nil
}

// pageModel answers page N with a card about page N unless told otherwise.
type pageModel struct {
	mu        sync.Mutex
	override  map[int]string
	graph     string
	graphErr  error
	pages     []int
	graphText string
}

func (m *pageModel) CompletePage(_ context.Context, req analysis.PageRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, req.Page)
	if body, ok := m.override[req.Page]; ok {
		return body, nil
	}
	return fmt.Sprintf(`{"question":"Question %d","answer":["• %s"]}`, req.Page, req.Text), nil
}

func (m *pageModel) CompleteGraph(_ context.Context, req analysis.GraphRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphText = req.FullText
	return m.graph, m.graphErr
}

const validGraph = `{"nodes":["Doc","Topic"],"edges":[["Doc","Topic"]]}`

func pagesOf(cards []models.Card) []int {
	out := make([]int, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.PageOrZero())
	}
	return out
}

var _ = Describe("Pipeline", func() {
	var (
		ctx   context.Context
		model *pageModel
		doc   *memDocument
		store cardstore.Store
		p     *pipeline.Pipeline
	)

	build := func(opts pipeline.Options) {
		a := analysis.NewAnalyzer(model, analysis.Options{}, logger.Nop())
		p = pipeline.New(a, store, opts, logger.Nop())
	}

	BeforeEach(func() {
		ctx = context.Background()
		model = &pageModel{graph: validGraph}
		doc = &memDocument{name: "lecture.pdf", pages: []string{"one", "two", "three", "four"}}

		dir, err := os.MkdirTemp("", "merkwerk-pipeline-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		store, err = cardstore.NewFileStore(dir, logger.Nop())
		Expect(err).NotTo(HaveOccurred())

		build(pipeline.Options{})
	})

	request := func() pipeline.Request {
		return pipeline.Request{Subject: "Informatik", Document: doc, DefaultMode: pipeline.ModeText}
	}

	It("should skip excluded pages everywhere", func() {
		req := request()
		req.ExcludedPages = []int{3}

		out, err := p.Generate(ctx, req)

		Expect(err).NotTo(HaveOccurred())
		Expect(pagesOf(out.Cards)).To(Equal([]int{1, 2, 4}))
		Expect(model.pages).NotTo(ContainElement(3))
		Expect(model.graphText).To(Equal("one\n\ntwo\n\nfour"))
		Expect(out.Failures).To(BeEmpty())
	})

	It("should put a placeholder in place of a page with broken output", func() {
		doc.pages = doc.pages[:3]
		model.override = map[int]string{2: "this is not json"}

		out, err := p.Generate(ctx, request())

		Expect(err).NotTo(HaveOccurred())
		Expect(out.Cards).To(HaveLen(3))
		Expect(out.Cards[0].Question).To(Equal("Question 1"))
		Expect(out.Cards[1].Question).To(HavePrefix("Error processing page 2"))
		Expect(*out.Cards[1].Page).To(Equal(2))
		Expect(out.Cards[2].Question).To(Equal("Question 3"))
		Expect(out.Failures).To(HaveLen(1))
		Expect(out.Failures[0].Kind).To(Equal(analysis.FailureMalformed))
	})

	It("should add the concept graph card last", func() {
		out, err := p.Generate(ctx, request())

		Expect(err).NotTo(HaveOccurred())
		Expect(out.GraphCard).NotTo(BeNil())
		Expect(out.GraphCard.IsGraph()).To(BeTrue())
		Expect(out.GraphCard.Page).To(BeNil())
		Expect(out.GraphCard.Priority).To(Equal(models.PriorityMedium))
		Expect(out.GraphCard.Question).To(Equal("Mindmap für lecture.pdf"))
		Expect(out.GraphCard.Answer).To(HaveLen(1))
		Expect(out.GraphCard.Answer[0]).To(ContainSubstring("<!DOCTYPE html>"))
		Expect(out.GraphCard.Media.ConceptGraph.Nodes).To(Equal([]string{"Doc", "Topic"}))

		all := out.All()
		Expect(all).To(HaveLen(5))
		Expect(all[4].IsGraph()).To(BeTrue())
	})

	It("should keep the page cards when the graph fails", func() {
		model.graph = `{"nodes":["A"],"edges":[["A","missing"]]}`

		out, err := p.Generate(ctx, request())

		Expect(err).NotTo(HaveOccurred())
		Expect(out.Cards).To(HaveLen(4))
		Expect(out.GraphCard).To(BeNil())
		Expect(out.GraphErr).NotTo(BeNil())
		Expect(out.GraphErr.Kind).To(Equal(analysis.FailureInvalid))
	})

	It("should render images only for image pages", func() {
		req := request()
		req.ModePerPage = map[int]pipeline.Mode{2: pipeline.ModeImage}

		out, err := p.Generate(ctx, req)

		Expect(err).NotTo(HaveOccurred())
		Expect(doc.renders).To(Equal([]int{2}))
		Expect(out.Cards[1].HasImage()).To(BeTrue())
		Expect(out.Cards[0].HasImage()).To(BeFalse())
	})

	It("should report monotone progress ending at 1", func() {
		var seen []float64
		req := request()
		req.Progress = func(f float64) { seen = append(seen, f) }

		_, err := p.Generate(ctx, req)

		Expect(err).NotTo(HaveOccurred())
		Expect(seen[0]).To(Equal(0.0))
		Expect(seen[len(seen)-1]).To(Equal(1.0))
		for i := 1; i < len(seen); i++ {
			Expect(seen[i]).To(BeNumerically(">", seen[i-1]))
		}
		Expect(seen).To(ContainElement(BeNumerically("~", 0.9, 1e-9)))
	})

	It("should keep going when a page cannot be read", func() {
		doc.failOn = 2

		out, err := p.Generate(ctx, request())

		Expect(err).NotTo(HaveOccurred())
		Expect(pagesOf(out.Cards)).To(Equal([]int{1, 2, 3, 4}))
		Expect(out.Cards[1].Question).To(Equal("Error processing page 2 of lecture.pdf (source)"))
		Expect(out.Cards[1].Answer[0]).To(ContainSubstring("corrupt page"))
		Expect(out.Cards[2].Question).To(Equal("Question 3"))
		Expect(out.Failures).To(HaveLen(1))
		Expect(out.Failures[0].Kind).To(Equal(analysis.FailureSource))
		Expect(out.Failures[0].Page).To(Equal(2))
		Expect(model.pages).NotTo(ContainElement(2))
		Expect(model.graphText).To(Equal("one\n\nthree\n\nfour"))
		Expect(out.GraphCard).NotTo(BeNil())
	})

	It("should keep going when a page cannot be rendered", func() {
		doc.failImageOn = 3
		req := request()
		req.DefaultMode = pipeline.ModeImage

		out, err := p.Generate(ctx, req)

		Expect(err).NotTo(HaveOccurred())
		Expect(out.Cards).To(HaveLen(4))
		Expect(out.Failures).To(HaveLen(1))
		Expect(out.Failures[0].Kind).To(Equal(analysis.FailureSource))
		Expect(out.Cards[2].Question).To(ContainSubstring("page 3"))
		Expect(doc.renders).To(Equal([]int{1, 2, 4}))
	})

	It("should abort on cancellation", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := p.Generate(cancelled, request())

		Expect(err).To(MatchError(context.Canceled))
	})

	It("should reject unknown modes", func() {
		req := request()
		req.DefaultMode = "audio"

		_, err := p.Generate(ctx, req)

		Expect(err).To(MatchError(ContainSubstring("unknown analysis mode")))
	})

	Describe("Run", func() {
		It("should keep stored cards when nothing was generated", func() {
			_, err := cardstore.Append(ctx, store, "Informatik",
				models.NewCard("Informatik", "lecture.pdf", "old", []string{"x"}, models.PageNumber(1)))
			Expect(err).NotTo(HaveOccurred())

			req := request()
			req.ExcludedPages = []int{1, 2, 3, 4}
			out, err := p.Run(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.All()).To(BeEmpty())

			col, err := store.Load(ctx, "Informatik")
			Expect(err).NotTo(HaveOccurred())
			Expect(col.Cards).To(HaveLen(1))
			Expect(col.Cards[0].Question).To(Equal("old"))
		})

		It("should replace earlier cards of the same document", func() {
			_, err := cardstore.Append(ctx, store, "Informatik",
				models.NewCard("Informatik", "lecture.pdf", "old", []string{"x"}, models.PageNumber(1)),
				models.NewCard("Informatik", "other.pdf", "keep", []string{"y"}, models.PageNumber(1)),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = p.Run(ctx, request())
			Expect(err).NotTo(HaveOccurred())

			col, err := store.Load(ctx, "Informatik")
			Expect(err).NotTo(HaveOccurred())
			Expect(col.Cards).To(HaveLen(6))
			Expect(col.Cards[0].Question).To(Equal("keep"))
			for _, c := range col.Cards[1:] {
				Expect(c.SourceDocument).To(Equal("lecture.pdf"))
				Expect(c.Question).NotTo(Equal("old"))
			}
		})

		It("should keep earlier cards in append mode", func() {
			build(pipeline.Options{Regenerate: pipeline.RegenerateAppend, Language: "en"})
			_, err := p.Run(ctx, request())
			Expect(err).NotTo(HaveOccurred())
			_, err = p.Run(ctx, request())
			Expect(err).NotTo(HaveOccurred())

			col, err := store.Load(ctx, "Informatik")
			Expect(err).NotTo(HaveOccurred())
			Expect(col.Cards).To(HaveLen(10))
			graphs := 0
			for _, c := range col.Cards {
				if c.IsGraph() {
					graphs++
					Expect(strings.HasPrefix(c.Question, "Concept map for")).To(BeTrue())
				}
			}
			Expect(graphs).To(Equal(2))
		})
	})
})

var _ = DescribeTable("ParseMode",
	func(in string, want pipeline.Mode, ok bool) {
		m, err := pipeline.ParseMode(in)
		if !ok {
			Expect(err).To(HaveOccurred())
			return
		}
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(want))
	},
	Entry("text", "text", pipeline.ModeText, true),
	Entry("image upper case", "IMAGE", pipeline.ModeImage, true),
	Entry("unknown", "audio", pipeline.Mode(""), false),
)
