package logger_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	It("should always write info entries", func() {
		log := logger.New(logger.WithOutput(buf), logger.WithTimestamps(false))
		log.Info("processed %d pages", 3)
		Expect(buf.String()).To(ContainSubstring("processed 3 pages"))
	})

	It("should drop debug entries unless verbose", func() {
		log := logger.New(logger.WithOutput(buf))
		log.Debug("hidden")
		Expect(buf.String()).To(BeEmpty())

		log.SetVerbose(true)
		log.Debug("shown")
		Expect(buf.String()).To(ContainSubstring("shown"))
	})

	It("should only trace at trace level", func() {
		log := logger.New(logger.WithOutput(buf))
		log.SetVerbose(true)
		log.Trace("nope")
		Expect(buf.String()).NotTo(ContainSubstring("nope"))

		log.SetLevel(logger.LevelTrace)
		log.Trace("yes")
		Expect(buf.String()).To(ContainSubstring("TRACE: yes"))
	})

	It("should name entries with the prefix and carry fields", func() {
		log := logger.New(logger.WithOutput(buf), logger.WithPrefix("[merkwerk] "), logger.WithJSON(true))
		log.With("subject", "bio").Info("hello")
		Expect(buf.String()).To(ContainSubstring(`"logger":"merkwerk"`))
		Expect(buf.String()).To(ContainSubstring(`"subject":"bio"`))
	})
})
