package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"
)

type command struct {
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

// environment carries the process streams so commands can be driven from
// tests.
type environment struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

var commands = map[string]command{
	"init-config":     {"write a starter config file", runInitConfig},
	"add":             {"upload PDF files into a subject", runAdd},
	"import":          {"upload every PDF below a directory", runImport},
	"subjects":        {"list subjects with stored cards", runSubjects},
	"documents":       {"list uploaded documents and card counts of a subject", runDocuments},
	"generate":        {"generate study cards for an uploaded document", runGenerate},
	"review":          {"review the cards of a subject interactively", runReview},
	"export":          {"export cards as an Anki package or push them to Anki", runExport},
	"delete-document": {"delete a document and all cards generated from it", runDeleteDocument},
	"delete-subject":  {"delete a subject with all its documents and cards", runDeleteSubject},
	"version":         {"print version information", runVersion},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env := &environment{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := run(ctx, env, os.Args[1:]); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "merkwerk: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(env.stderr)
		if len(args) == 0 {
			return errors.New("no command given")
		}
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		usage(env.stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, env, args[1:])
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Usage: merkwerk <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
}
