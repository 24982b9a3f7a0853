package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kpauljoseph/merkwerk/internal/anki"
	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/internal/pdf/pdftest"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

// fakeResponses answers page requests with a card naming the page text and
// graph requests with a two node graph.
func fakeResponses(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text struct {
			Format struct {
				Name string `json:"name"`
			} `json:"format"`
		} `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	payload := `{"question":"What is on this page?","answer":["A stack"]}`
	if body.Text.Format.Name == "concept_graph" {
		payload = `{"nodes":["Data","Stack"],"edges":[["Data","Stack"]]}`
	}
	envelope := map[string]any{
		"status": "completed",
		"output": []any{map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": payload,
			}},
		}},
	}
	_ = json.NewEncoder(w).Encode(envelope)
}

var _ = Describe("merkwerk", func() {
	var (
		ctx     context.Context
		dataDir string
		stdin   *bytes.Buffer
		stdout  *bytes.Buffer
		env     *environment
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		dataDir, err = os.MkdirTemp("", "merkwerk-cli-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dataDir)

		stdin = &bytes.Buffer{}
		stdout = &bytes.Buffer{}
		env = &environment{stdin: stdin, stdout: stdout, stderr: GinkgoWriter}
	})

	exec := func(args ...string) error {
		stdout.Reset()
		if len(args) > 0 && args[0] != "version" && args[0] != "init-config" {
			args = append(args, "--data_dir", dataDir, "--config", filepath.Join(dataDir, "config.yaml"))
		}
		return run(ctx, env, args)
	}

	writePDF := func(name string, pages ...string) string {
		path := filepath.Join(dataDir, "in", name)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, pdftest.Minimal(pages...), 0644)).To(Succeed())
		return path
	}

	seed := func(cards ...models.Card) {
		store, err := cardstore.NewFileStore(filepath.Join(dataDir, "subjects"), logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		_, err = cardstore.Append(ctx, store, "Bio", cards...)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())
	}

	BeforeEach(func() {
		Expect(run(ctx, env, []string{"init-config", "--config", filepath.Join(dataDir, "config.yaml")})).To(Succeed())
	})

	It("fails without a command", func() {
		Expect(run(ctx, env, nil)).To(MatchError("no command given"))
	})

	It("rejects unknown commands", func() {
		Expect(exec("frobnicate")).To(MatchError(ContainSubstring("unknown command")))
	})

	It("prints the version", func() {
		Expect(exec("version")).To(Succeed())
		Expect(stdout.String()).To(HavePrefix("Merkwerk "))
	})

	It("checks for a newer release", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"tag_name":"v999.0.0","html_url":"https://example.com/release"}`))
		}))
		DeferCleanup(server.Close)

		Expect(exec("version", "--check", "--release-url", server.URL)).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("999.0.0 is available"))
	})

	It("refuses to overwrite an existing config", func() {
		err := run(ctx, env, []string{"init-config", "--config", filepath.Join(dataDir, "config.yaml")})
		Expect(err).To(MatchError(ContainSubstring("already exists")))
	})

	It("adds, lists and deletes documents", func() {
		Expect(exec("add", "-s", "Bio", writePDF("cells.pdf", "one", "two"))).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("2 pages"))

		seed(models.NewCard("Bio", "cells.pdf", "Q", []string{"A"}, models.PageNumber(1)))

		Expect(exec("documents", "-s", "Bio")).To(Succeed())
		Expect(stdout.String()).To(MatchRegexp(`cells\.pdf\s+\d+\s+1`))

		Expect(exec("subjects")).To(Succeed())
		Expect(stdout.String()).To(Equal("Bio\n"))

		Expect(exec("delete-document", "-s", "Bio", "cells.pdf")).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("1 cards"))

		Expect(exec("documents", "-s", "Bio")).To(Succeed())
		Expect(stdout.String()).NotTo(ContainSubstring("cells.pdf"))
	})

	It("deletes a subject after confirmation", func() {
		Expect(exec("add", "-s", "Bio", writePDF("cells.pdf", "one"))).To(Succeed())
		seed(models.NewCard("Bio", "cells.pdf", "Q", []string{"A"}, models.PageNumber(1)))

		stdin.WriteString("n\n")
		Expect(exec("delete-subject", "-s", "Bio")).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("Aborted"))
		Expect(exec("subjects")).To(Succeed())
		Expect(stdout.String()).To(Equal("Bio\n"))

		stdin.WriteString("y\n")
		Expect(exec("delete-subject", "-s", "Bio")).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("Deleted subject Bio and 1 cards"))

		Expect(exec("subjects")).To(Succeed())
		Expect(stdout.String()).To(BeEmpty())
		Expect(exec("documents", "-s", "Bio")).To(Succeed())
		Expect(stdout.String()).NotTo(ContainSubstring("cells.pdf"))

		Expect(exec("delete-subject", "-s", "Bio", "--yes")).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("0 cards"))
	})

	It("imports a directory of PDFs", func() {
		writePDF("a.pdf", "a")
		writePDF("b.pdf", "b")
		Expect(exec("import", "-s", "Bio", filepath.Join(dataDir, "in"))).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("2 imported"))
	})

	It("generates cards for an uploaded document", func() {
		server := httptest.NewServer(http.HandlerFunc(fakeResponses))
		DeferCleanup(server.Close)
		GinkgoT().Setenv("MERKWERK_ANALYSIS__BASE_URL", server.URL)
		GinkgoT().Setenv("MERKWERK_ANALYSIS__API_KEY", "sk-test")

		Expect(exec("add", "-s", "Bio", writePDF("ds.pdf", "one", "two", "three"))).To(Succeed())
		Expect(exec("generate", "-s", "Bio", "-d", "ds.pdf", "--exclude", "2",
			"--generation.default_mode", "text", "--analysis.language", "en")).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("Stored 3 cards"))

		store, err := cardstore.NewFileStore(filepath.Join(dataDir, "subjects"), logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		col, err := store.Load(ctx, "Bio")
		Expect(err).NotTo(HaveOccurred())
		Expect(col.Cards).To(HaveLen(3))
		Expect(*col.Cards[0].Page).To(Equal(1))
		Expect(*col.Cards[1].Page).To(Equal(3))
		Expect(col.Cards[2].IsGraph()).To(BeTrue())
		Expect(col.Cards[2].Question).To(Equal("Concept map for ds.pdf"))
	})

	It("requires a document to generate", func() {
		Expect(exec("generate", "-s", "Bio")).To(MatchError(ContainSubstring("--document")))
	})

	Describe("review", func() {
		It("flips, rates and persists the rating", func() {
			seed(models.NewCard("Bio", "cells.pdf", "What is a cell?", []string{"The unit of life"}, models.PageNumber(1)))
			stdin.WriteString("f\n3\nq\n")

			Expect(exec("review", "-s", "Bio")).To(Succeed())
			Expect(stdout.String()).To(ContainSubstring("Q: What is a cell?"))
			Expect(stdout.String()).To(ContainSubstring("- The unit of life"))

			store, err := cardstore.NewFileStore(filepath.Join(dataDir, "subjects"), logger.Nop())
			Expect(err).NotTo(HaveOccurred())
			defer store.Close()
			col, err := store.Load(ctx, "Bio")
			Expect(err).NotTo(HaveOccurred())
			Expect(col.Cards[0].Priority).To(Equal(models.PriorityEasy))
		})

		It("edits the current card", func() {
			seed(models.NewCard("Bio", "cells.pdf", "Old?", []string{"old"}, models.PageNumber(1)))
			stdin.WriteString("e\nNew?\nfirst\nsecond\n.\nf\nq\n")

			Expect(exec("review", "-s", "Bio")).To(Succeed())
			Expect(stdout.String()).To(ContainSubstring("Card updated."))
			Expect(stdout.String()).To(ContainSubstring("- second"))
		})

		It("ends once the only card is deleted", func() {
			seed(models.NewCard("Bio", "cells.pdf", "Q", []string{"A"}, models.PageNumber(1)))
			stdin.WriteString("d\n")

			Expect(exec("review", "-s", "Bio")).To(Succeed())
			Expect(stdout.String()).To(ContainSubstring("No cards to review."))
		})
	})

	It("exports an Anki package", func() {
		seed(
			models.NewCard("Bio", "cells.pdf", "Q1", []string{"A1"}, models.PageNumber(1)),
			models.NewCard("Bio", "dna.pdf", "Q2", []string{"A2"}, models.PageNumber(1)),
		)
		out := filepath.Join(dataDir, "out", "bio.apkg")

		Expect(exec("export", "-s", "Bio", "-d", "dna.pdf", "-o", out)).To(Succeed())

		data, err := os.ReadFile(out)
		Expect(err).NotTo(HaveOccurred())
		pkg, err := anki.ReadPackage(ctx, data)
		Expect(err).NotTo(HaveOccurred())
		Expect(pkg.Notes).To(HaveLen(1))
		Expect(pkg.Notes[0].Question()).To(Equal("Q2"))
		Expect(pkg.Decks).To(ConsistOf("Merkwerk::Bio::dna"))
	})

	It("fails to export an empty subject", func() {
		Expect(exec("export", "-s", "Bio")).To(MatchError(ContainSubstring("no cards")))
	})

	It("prints usage for help", func() {
		stderr := &bytes.Buffer{}
		env.stderr = stderr
		Expect(run(ctx, env, []string{"help"})).To(Succeed())
		Expect(stderr.String()).To(ContainSubstring("generate"))
	})
})
