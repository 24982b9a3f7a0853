package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kpauljoseph/merkwerk/pkg/utils"
)

const EnvPrefix = "MERKWERK_"

type Config struct {
	DataDir    string           `yaml:"data_dir" validate:"required"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Generation GenerationConfig `yaml:"generation"`
	Store      StoreConfig      `yaml:"store"`
	Export     ExportConfig     `yaml:"export"`
	Log        LogConfig        `yaml:"log"`
}

type AnalysisConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model" validate:"required"`
	Language          string        `yaml:"language" validate:"oneof=de en"`
	Temperature       float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxPageTokens     int           `yaml:"max_page_tokens" validate:"gt=0"`
	MaxGraphTokens    int           `yaml:"max_graph_tokens" validate:"gt=0"`
	RequestsPerMinute float64       `yaml:"requests_per_minute" validate:"gte=0"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
}

type GenerationConfig struct {
	DefaultMode   string  `yaml:"default_mode" validate:"oneof=text image"`
	RenderDPI     float64 `yaml:"render_dpi" validate:"gte=36,lte=600"`
	MaxImageWidth int     `yaml:"max_image_width" validate:"gte=0"`
	Regenerate    string  `yaml:"regenerate" validate:"oneof=replace append"`
}

type StoreConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=file sqlite gcs"`
	Path            string `yaml:"path" validate:"required_unless=Backend gcs"`
	Bucket          string `yaml:"bucket" validate:"required_if=Backend gcs"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
	// Endpoint overrides the storage API endpoint, e.g. for an emulator.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

type ExportConfig struct {
	DeckName       string `yaml:"deck_name" validate:"required"`
	RootDeck       string `yaml:"root_deck"`
	AnkiConnectURL string `yaml:"anki_connect_url" validate:"omitempty,url"`
}

type LogConfig struct {
	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`
	JSON    bool `yaml:"json"`
}

// Default returns the configuration used for every key the file, the
// environment and the flags leave unset.
func Default() Config {
	dataDir := utils.GetDefaultDataDir()
	return Config{
		DataDir: dataDir,
		Analysis: AnalysisConfig{
			BaseURL:        "https://api.openai.com",
			Model:          "gpt-4o-mini",
			Language:       "de",
			Temperature:    0.3,
			MaxPageTokens:  800,
			MaxGraphTokens: 1200,
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     time.Minute,
			Timeout:        2 * time.Minute,
		},
		Generation: GenerationConfig{
			DefaultMode:   "image",
			RenderDPI:     144,
			MaxImageWidth: 1600,
			Regenerate:    "replace",
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Export: ExportConfig{
			DeckName:       "Merkwerk",
			AnkiConnectURL: "http://localhost:8765",
		},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty),
// MERKWERK_* environment variables and explicitly set flags, in that order.
// Nested keys are addressed with a double underscore in the environment,
// e.g. MERKWERK_ANALYSIS__API_KEY.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := k.Load(rawYAML(defaults), koanfyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Analysis.APIKey == "" {
		cfg.Analysis.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.resolveStorePath()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes a starter config file; it refuses to overwrite.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// resolveStorePath places a file or sqlite store below the data directory
// unless a path was configured.
func (c *Config) resolveStorePath() {
	if c.Store.Path != "" {
		return
	}
	switch c.Store.Backend {
	case "file":
		c.Store.Path = filepath.Join(c.DataDir, "subjects")
	case "sqlite":
		c.Store.Path = filepath.Join(c.DataDir, "merkwerk.db")
	}
}

func (c Config) LibraryDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// rawYAML is a koanf.Provider over an in-memory YAML document.
type rawYAML []byte

func (r rawYAML) ReadBytes() ([]byte, error) {
	return r, nil
}

func (r rawYAML) Read() (map[string]interface{}, error) {
	return nil, errors.New("rawYAML provider does not support Read")
}
