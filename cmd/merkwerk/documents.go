package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/updater"
	"github.com/kpauljoseph/merkwerk/pkg/version"
)

func runAdd(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("add", env)
	subject := subjectFlag(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("add needs at least one PDF file")
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range flags.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		pages, err := a.library.Add(ctx, *subject, path, f)
		f.Close()
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "%s: %d pages\n", path, pages)
	}
	return nil
}

func runImport(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("import", env)
	subject := subjectFlag(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("import needs exactly one directory")
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("Scanning directory: %s", flags.Arg(0))
	stats, err := a.library.Import(ctx, *subject, flags.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Found %d PDFs: %d imported, %d skipped\n", stats.PDFCount, stats.Imported, stats.Skipped)
	return nil
}

func runSubjects(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("subjects", env)
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	subjects, err := a.store.Subjects(ctx)
	if err != nil {
		return err
	}
	for _, s := range subjects {
		fmt.Fprintln(env.stdout, s)
	}
	return nil
}

// runDocuments lists uploads next to the documents that only exist as
// cards, e.g. after the upload was removed by hand.
func runDocuments(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("documents", env)
	subject := subjectFlag(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.library.List(*subject)
	if err != nil {
		return err
	}
	col, err := a.store.Load(ctx, *subject)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for _, c := range col.Cards {
		counts[c.SourceDocument]++
	}

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tSIZE\tCARDS")
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Name] = true
		fmt.Fprintf(tw, "%s\t%d\t%d\n", e.Name, e.Size, counts[e.Name])
	}
	names, err := cardstore.Documents(ctx, a.store, *subject)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !seen[name] {
			fmt.Fprintf(tw, "%s\t-\t%d\n", name, counts[name])
		}
	}
	return tw.Flush()
}

func runDeleteDocument(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("delete-document", env)
	subject := subjectFlag(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("delete-document needs exactly one document name")
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.library.Delete(ctx, *subject, flags.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Deleted %s and %d cards\n", flags.Arg(0), removed)
	return nil
}

func runDeleteSubject(ctx context.Context, env *environment, args []string) error {
	flags := newFlagSet("delete-subject", env)
	subject := subjectFlag(flags)
	yes := flags.BoolP("yes", "y", false, "do not ask for confirmation")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := cardstore.ValidateSubject(*subject); err != nil {
		return err
	}

	if !*yes {
		fmt.Fprintf(env.stdout, "Delete subject %s with all documents and cards? [y/N] ", *subject)
		answer, _ := bufio.NewReader(env.stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(env.stdout, "Aborted")
			return nil
		}
	}

	a, err := newApp(ctx, env, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.library.DeleteSubject(ctx, *subject)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Deleted subject %s and %d cards\n", *subject, removed)
	return nil
}

func runVersion(ctx context.Context, env *environment, args []string) error {
	flags := pflag.NewFlagSet("version", pflag.ContinueOnError)
	flags.SetOutput(env.stderr)
	detailed := flags.Bool("detailed", false, "include the commit")
	check := flags.Bool("check", false, "check for a newer release")
	releaseURL := flags.String("release-url", updater.DefaultReleaseURL, "release endpoint used by --check")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *detailed {
		fmt.Fprint(env.stdout, version.GetDetailedVersionInfo())
	} else {
		fmt.Fprintln(env.stdout, version.GetVersionInfo())
	}
	if !*check {
		return nil
	}

	log := logger.New(logger.WithOutput(env.stderr), logger.WithPrefix("[merkwerk] "))
	info, err := updater.NewChecker(*releaseURL, log).Check(ctx, version.Version)
	if err != nil {
		return err
	}
	if info.IsAvailable {
		fmt.Fprintf(env.stdout, "Version %s is available: %s\n", info.LatestVersion, info.DownloadURL)
	} else {
		fmt.Fprintln(env.stdout, "You are running the latest version.")
	}
	return nil
}
