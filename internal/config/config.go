// Package config loads the daemon configuration from, in order of
// precedence: command-line flags, JPDBSYNC_* environment variables, and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "JPDBSYNC_"

// Config is the full daemon configuration. The sync fields are only
// defaults: values stored in the settings table by the UI take precedence
// at sync time.
type Config struct {
	DBPath      string `koanf:"db_path" validate:"required"`
	ListenAddr  string `koanf:"listen_addr" validate:"required"`
	AnkiURL     string `koanf:"anki_url" validate:"required,url"`
	JPDBBaseURL string `koanf:"jpdb_base_url" validate:"required,url"`
	JPDBAPIKey  string `koanf:"jpdb_api_key"`

	Deck        string `koanf:"deck"`
	SourceField string `koanf:"source_field"`
	GlossField  string `koanf:"gloss_field"`
	ImageField  string `koanf:"image_field"`
	AudioField  string `koanf:"audio_field"`
	FetchMedia  bool   `koanf:"fetch_media"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DBPath:      "jpdbsync.db",
		ListenAddr:  "127.0.0.1:8766",
		AnkiURL:     "http://localhost:8765",
		JPDBBaseURL: "https://jpdb.io",
		SourceField: "Expression",
	}
}

// Load layers the YAML file (when it exists), environment and flags over
// the defaults, then validates the result.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Flags returns the flag set Load understands. Flag names mirror the
// config keys so posflag can map them directly.
func Flags() *pflag.FlagSet {
	d := Defaults()
	f := pflag.NewFlagSet("jpdbsync", pflag.ContinueOnError)
	f.String("config", "", "path to YAML config file")
	f.String("db_path", d.DBPath, "path to the SQLite cache database")
	f.String("listen_addr", d.ListenAddr, "HTTP API listen address")
	f.String("anki_url", d.AnkiURL, "AnkiConnect endpoint URL")
	f.String("jpdb_base_url", d.JPDBBaseURL, "jpdb API base URL")
	f.String("jpdb_api_key", "", "jpdb API key")
	f.String("deck", "", "deck to sync")
	f.String("source_field", d.SourceField, "field holding the source-language text")
	f.String("gloss_field", "", "field holding the gloss text")
	f.String("image_field", "", "field holding the image")
	f.String("audio_field", "", "field holding the audio")
	f.Bool("fetch_media", false, "cache media binaries locally")
	f.Bool("serve", false, "serve the HTTP API instead of a one-shot sync")
	return f
}
