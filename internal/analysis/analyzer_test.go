package analysis_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kpauljoseph/merkwerk/internal/analysis"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

type scriptedReply struct {
	text string
	err  error
}

// scriptedModel replays its replies in order and repeats the last one.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []scriptedReply
	calls    int
	pageReqs []analysis.PageRequest
}

func (m *scriptedModel) next() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := min(m.calls, len(m.replies)-1)
	m.calls++
	return m.replies[i].text, m.replies[i].err
}

func (m *scriptedModel) CompletePage(_ context.Context, req analysis.PageRequest) (string, error) {
	m.mu.Lock()
	m.pageReqs = append(m.pageReqs, req)
	m.mu.Unlock()
	return m.next()
}

func (m *scriptedModel) CompleteGraph(_ context.Context, _ analysis.GraphRequest) (string, error) {
	return m.next()
}

func reply(text string) scriptedReply { return scriptedReply{text: text} }

func failWith(err error) scriptedReply { return scriptedReply{err: err} }

var rateLimited = &analysis.HTTPError{StatusCode: 429, Body: "slow down"}

var _ = Describe("Analyzer", func() {
	var (
		ctx   context.Context
		model *scriptedModel
	)

	fastRetry := analysis.Options{
		Retry: analysis.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}

	newAnalyzer := func(replies ...scriptedReply) *analysis.Analyzer {
		model = &scriptedModel{replies: replies}
		return analysis.NewAnalyzer(model, fastRetry, logger.Nop())
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("AnalyzePage", func() {
		It("should build a card carrying the caller's metadata", func() {
			a := newAnalyzer(reply(`{"question":"What is a stack?","answer":["• LIFO","• push and pop"]}`))

			res := a.AnalyzePage(ctx, analysis.PageInput{
				Subject:      "Informatik",
				DocumentName: "ds.pdf",
				Page:         4,
				Text:         "Stacks",
			})

			Expect(res.OK()).To(BeTrue())
			Expect(res.Repaired).To(BeFalse())
			Expect(res.Card.Subject).To(Equal("Informatik"))
			Expect(res.Card.SourceDocument).To(Equal("ds.pdf"))
			Expect(*res.Card.Page).To(Equal(4))
			Expect(res.Card.Question).To(Equal("What is a stack?"))
			Expect(res.Card.Answer).To(Equal([]string{"• LIFO", "• push and pop"}))
			Expect(res.Card.ID).NotTo(BeEmpty())
			Expect(res.Card.Media).To(BeNil())
		})

		It("should ignore metadata the model makes up", func() {
			a := newAnalyzer(reply(`{"question":"Q","answer":["A"],"page":99,"upload":"other.pdf"}`))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "real.pdf", Page: 2})

			Expect(res.OK()).To(BeTrue())
			Expect(*res.Card.Page).To(Equal(2))
			Expect(res.Card.SourceDocument).To(Equal("real.pdf"))
		})

		It("should coerce a single string answer into one bullet", func() {
			a := newAnalyzer(reply(`{"question":"Q","answer":"only one"}`))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})

			Expect(res.OK()).To(BeTrue())
			Expect(res.Card.Answer).To(Equal([]string{"only one"}))
		})

		It("should recover JSON wrapped in prose and flag the repair", func() {
			a := newAnalyzer(reply("Sure! ```json\n{\"question\":\"Q\",\"answer\":[\"A\"]}\n``` Hope that helps."))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})

			Expect(res.OK()).To(BeTrue())
			Expect(res.Repaired).To(BeTrue())
			Expect(res.Card.Question).To(Equal("Q"))
		})

		It("should attach the page image when one was sent", func() {
			png := []byte{0x89, 'P', 'N', 'G'}
			a := newAnalyzer(reply(`{"question":"Q","answer":["A"]}`))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 3, Image: png})

			Expect(res.OK()).To(BeTrue())
			Expect(res.Card.Media).NotTo(BeNil())
			Expect(res.Card.Media.Image).To(Equal(base64.StdEncoding.EncodeToString(png)))
			Expect(res.Card.Media.ImagePage).To(Equal(3))
			Expect(model.pageReqs[0].Image).To(Equal(png))
		})

		It("should report unparseable output as malformed", func() {
			a := newAnalyzer(reply("I cannot help with that."))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 7})

			Expect(res.OK()).To(BeFalse())
			Expect(res.Failure.Kind).To(Equal(analysis.FailureMalformed))
			Expect(res.Failure.Page).To(Equal(7))
			Expect(model.calls).To(Equal(1))
		})

		DescribeTable("rejecting payloads outside the card schema",
			func(body string) {
				a := newAnalyzer(reply(body))
				res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})
				Expect(res.OK()).To(BeFalse())
				Expect(res.Failure.Kind).To(Equal(analysis.FailureInvalid))
			},
			Entry("missing question", `{"answer":["A"]}`),
			Entry("blank question", `{"question":"   ","answer":["A"]}`),
			Entry("empty answer list", `{"question":"Q","answer":[]}`),
			Entry("blank bullet", `{"question":"Q","answer":["A",""]}`),
			Entry("answer of wrong type", `{"question":"Q","answer":42}`),
		)

		It("should retry rate limited calls and then succeed", func() {
			a := newAnalyzer(failWith(rateLimited), failWith(rateLimited), reply(`{"question":"Q","answer":["A"]}`))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})

			Expect(res.OK()).To(BeTrue())
			Expect(model.calls).To(Equal(3))
		})

		It("should give up after the configured attempts", func() {
			a := newAnalyzer(failWith(rateLimited))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 5})

			Expect(res.OK()).To(BeFalse())
			Expect(res.Failure.Kind).To(Equal(analysis.FailureRateLimited))
			Expect(res.Failure.Attempts).To(Equal(3))
			Expect(errors.Is(res.Failure, analysis.ErrRateLimited)).To(BeTrue())
			Expect(model.calls).To(Equal(3))
		})

		It("should not retry transport failures", func() {
			a := newAnalyzer(failWith(errors.New("connection reset")))

			res := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})

			Expect(res.Failure.Kind).To(Equal(analysis.FailureTransport))
			Expect(model.calls).To(Equal(1))
		})

		It("should report cancellation", func() {
			a := newAnalyzer(failWith(context.Canceled))
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			res := a.AnalyzePage(cancelled, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 1})

			Expect(res.Failure.Kind).To(Equal(analysis.FailureCanceled))
		})

		It("should turn a failure into a placeholder card", func() {
			a := newAnalyzer(reply("garbage"))

			card := a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: 9}).CardOrPlaceholder()

			Expect(card.Question).To(ContainSubstring("Error processing page 9"))
			Expect(card.Answer).To(HaveLen(2))
			Expect(card.Answer[0]).To(HavePrefix("An error occurred:"))
			Expect(card.Answer[1]).To(Equal("Please try regenerating this card or check the page."))
			Expect(*card.Page).To(Equal(9))
			Expect(card.Subject).To(Equal("S"))
			Expect(card.Validate()).To(Succeed())
		})
	})

	Describe("AnalyzeDocument", func() {
		It("should return a validated graph", func() {
			a := newAnalyzer(reply(`{"nodes":["Datenstrukturen","Stack","Queue"],"edges":[["Datenstrukturen","Stack"],["Datenstrukturen","Queue"]]}`))

			res := a.AnalyzeDocument(ctx, "S", "ds.pdf", "text")

			Expect(res.OK()).To(BeTrue())
			Expect(res.Graph.Nodes).To(ConsistOf("Datenstrukturen", "Stack", "Queue"))
			Expect(res.Graph.Edges).To(HaveLen(2))
			Expect(res.Graph.Edges[0].Target()).To(Equal("Stack"))
		})

		It("should reject edges to undeclared nodes", func() {
			a := newAnalyzer(reply(`{"nodes":["A"],"edges":[["A","B"]]}`))

			res := a.AnalyzeDocument(ctx, "S", "ds.pdf", "text")

			Expect(res.OK()).To(BeFalse())
			Expect(res.Failure.Kind).To(Equal(analysis.FailureInvalid))
			Expect(res.Failure.Page).To(BeZero())
		})

		It("should report malformed output", func() {
			a := newAnalyzer(reply("nodes: A, B"))

			res := a.AnalyzeDocument(ctx, "S", "ds.pdf", "text")

			Expect(res.Failure.Kind).To(Equal(analysis.FailureMalformed))
		})
	})

	It("should throttle calls to the configured rate", func() {
		model = &scriptedModel{replies: []scriptedReply{reply(`{"question":"Q","answer":["A"]}`)}}
		// 1200 per minute is one call every 50ms after the initial burst of one.
		a := analysis.NewAnalyzer(model, analysis.Options{RequestsPerMinute: 1200}, logger.Nop())

		start := time.Now()
		for page := 1; page <= 3; page++ {
			Expect(a.AnalyzePage(ctx, analysis.PageInput{Subject: "S", DocumentName: "d.pdf", Page: page}).OK()).To(BeTrue())
		}
		Expect(time.Since(start)).To(BeNumerically(">=", 90*time.Millisecond))
	})
})
