package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"

	"github.com/kpauljoseph/merkwerk/internal/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "merkwerk-config-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, tempDir)
	})

	writeConfig := func(body string) string {
		path := filepath.Join(tempDir, "config.yaml")
		Expect(os.WriteFile(path, []byte(body), 0644)).To(Succeed())
		return path
	}

	It("should fill in defaults for keys the file leaves out", func() {
		path := writeConfig(`
data_dir: /tmp/merkwerk
analysis:
  model: gpt-4o
  requests_per_minute: 3
`)
		cfg, err := config.Load(path, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.DataDir).To(Equal("/tmp/merkwerk"))
		Expect(cfg.Analysis.Model).To(Equal("gpt-4o"))
		Expect(cfg.Analysis.RequestsPerMinute).To(Equal(3.0))
		Expect(cfg.Analysis.MaxAttempts).To(Equal(5))
		Expect(cfg.Analysis.InitialBackoff).To(Equal(2 * time.Second))
		Expect(cfg.Export.DeckName).To(Equal("Merkwerk"))
		Expect(cfg.Store.Backend).To(Equal("file"))
	})

	It("should let the environment override the file", func() {
		path := writeConfig("store:\n  backend: file\n  path: /tmp/a\n")
		GinkgoT().Setenv("MERKWERK_STORE__BACKEND", "sqlite")
		GinkgoT().Setenv("MERKWERK_ANALYSIS__INITIAL_BACKOFF", "250ms")

		cfg, err := config.Load(path, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Store.Backend).To(Equal("sqlite"))
		Expect(cfg.Store.Path).To(Equal("/tmp/a"))
		Expect(cfg.Analysis.InitialBackoff).To(Equal(250 * time.Millisecond))
	})

	It("should apply only flags that were set", func() {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("store.backend", "file", "")
		flags.Bool("log.verbose", false, "")
		Expect(flags.Parse([]string{"--log.verbose"})).To(Succeed())

		cfg, err := config.Load("", flags)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Log.Verbose).To(BeTrue())
		Expect(cfg.Store.Backend).To(Equal("file"))
	})

	It("should place the store below the data directory by default", func() {
		path := writeConfig("data_dir: /tmp/mw\nstore:\n  backend: sqlite\n")
		cfg, err := config.Load(path, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Store.Path).To(Equal(filepath.Join("/tmp/mw", "merkwerk.db")))
		Expect(cfg.LibraryDir()).To(Equal(filepath.Join("/tmp/mw", "uploads")))
	})

	It("should require a bucket for the gcs backend", func() {
		path := writeConfig("store:\n  backend: gcs\n")
		_, err := config.Load(path, nil)
		Expect(err).To(MatchError(ContainSubstring("Bucket")))
	})

	It("should reject unknown generation modes", func() {
		path := writeConfig("generation:\n  default_mode: audio\n")
		_, err := config.Load(path, nil)
		Expect(err).To(MatchError(ContainSubstring("DefaultMode")))
	})

	It("should fail for a missing file", func() {
		_, err := config.Load(filepath.Join(tempDir, "nope.yaml"), nil)
		Expect(err).To(HaveOccurred())
	})

	It("should write a default file that loads back", func() {
		path := filepath.Join(tempDir, "nested", "config.yaml")
		Expect(config.WriteDefault(path)).To(Succeed())
		Expect(config.WriteDefault(path)).NotTo(Succeed())

		cfg, err := config.Load(path, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Analysis.MaxBackoff).To(Equal(time.Minute))
	})
})
