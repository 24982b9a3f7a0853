package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/internal/config"
	"github.com/kpauljoseph/merkwerk/internal/library"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/utils"
)

const defaultConfigName = "config.yaml"

// newFlagSet returns a flag set carrying the flags every command shares.
// Flag names double as config keys, so --store.backend overrides
// store.backend from the config file.
func newFlagSet(name string, env *environment) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.String("config", "", "path to config file")
	fs.String("data_dir", "", "directory holding uploads and the default card store")
	fs.String("store.backend", "", "card store backend: file, sqlite or gcs")
	fs.String("store.path", "", "card store directory or sqlite database")
	fs.BoolP("log.verbose", "v", false, "enable verbose logging")
	fs.Bool("log.debug", false, "enable debug mode with trace logging")
	fs.Bool("log.json", false, "log JSON lines")
	return fs
}

func subjectFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("subject", "s", "", "subject the cards belong to")
}

// app is the wired set of components a command works with.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   cardstore.Store
	library *library.Library
}

func configPath(fs *pflag.FlagSet) string {
	if path, _ := fs.GetString("config"); path != "" {
		return path
	}
	path := filepath.Join(utils.GetDefaultDataDir(), defaultConfigName)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func newApp(ctx context.Context, env *environment, fs *pflag.FlagSet) (*app, error) {
	cfg, err := config.Load(configPath(fs), fs)
	if err != nil {
		return nil, err
	}

	log := logger.New(
		logger.WithOutput(env.stderr),
		logger.WithPrefix("[merkwerk] "),
		logger.WithJSON(cfg.Log.JSON),
	)
	log.SetVerbose(cfg.Log.Verbose)
	if cfg.Log.Debug {
		log.SetLevel(logger.LevelTrace)
	}
	log.Debug("Data directory: %s", cfg.DataDir)

	store, err := cardstore.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open card store: %w", err)
	}

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		library: library.New(cfg.LibraryDir(), store, log),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close card store: %v", err)
	}
	a.log.Sync()
}

func runInitConfig(_ context.Context, env *environment, args []string) error {
	flags := pflag.NewFlagSet("init-config", pflag.ContinueOnError)
	flags.SetOutput(env.stderr)
	path := flags.String("config", filepath.Join(utils.GetDefaultDataDir(), defaultConfigName), "where to write the config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := config.WriteDefault(*path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", *path)
		}
		return fmt.Errorf("failed to write %s: %w", *path, err)
	}
	fmt.Fprintf(env.stdout, "Wrote %s\n", *path)
	return nil
}
