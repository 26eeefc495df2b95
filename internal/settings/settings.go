// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package settings loads permkeeper configuration from, in increasing
// precedence: built-in defaults, a YAML file, PERMKEEPER_* environment
// variables and command-line flags.
package settings

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/xdg"
)

// EnvPrefix prefixes every settings environment variable. Nested keys use
// a double underscore, e.g. PERMKEEPER_APPLY__WRITE_TIMEOUT.
const EnvPrefix = "PERMKEEPER_"

// TokenEnv holds the bot token. It is never read from files or flags.
const TokenEnv = "DISCORD_TOKEN"

// Log configures logging.
type Log struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	// File receives log output; "-" means stderr.
	File string `koanf:"file"`
}

// Undo configures where the undo log is persisted. When DSN is set the
// log lives in PostgreSQL under Slot and Path is ignored.
type Undo struct {
	Path string `koanf:"path"`
	DSN  string `koanf:"dsn"`
	Slot string `koanf:"slot"`
}

// Apply tunes the write pipeline.
type Apply struct {
	MaxRateLimitRetries int           `koanf:"max_rate_limit_retries"`
	WriteTimeout        time.Duration `koanf:"write_timeout"`
}

// Metrics configures the optional observability server.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Settings is the merged configuration.
type Settings struct {
	GuildID string  `koanf:"guild_id"`
	Log     Log     `koanf:"log"`
	Undo    Undo    `koanf:"undo"`
	Apply   Apply   `koanf:"apply"`
	Metrics Metrics `koanf:"metrics"`

	// Token comes from DISCORD_TOKEN only.
	Token string `koanf:"-"`
	// Source is the settings file that was read, if any.
	Source string `koanf:"-"`
}

// Default returns the built-in settings. Paths fall back to the XDG state
// directory.
func Default() Settings {
	s := Settings{
		Log:   Log{Format: "text", Level: "info", File: "permkeeper.log"},
		Undo:  Undo{Slot: "default"},
		Apply: Apply{WriteTimeout: 30 * time.Second},
	}
	if p, err := xdg.LogPath(); err == nil {
		s.Log.File = p
	}
	if p, err := xdg.UndoPath(); err == nil {
		s.Undo.Path = p
	}
	return s
}

// flagKeys maps command-line flags onto settings keys.
var flagKeys = map[string]string{
	"guild":                  "guild_id",
	"log-format":             "log.format",
	"log-level":              "log.level",
	"log-file":               "log.file",
	"undo-file":              "undo.path",
	"undo-dsn":               "undo.dsn",
	"undo-slot":              "undo.slot",
	"max-rate-limit-retries": "apply.max_rate_limit_retries",
	"write-timeout":          "apply.write_timeout",
	"metrics-addr":           "metrics.addr",
}

// RegisterFlags adds the settings flags to fs. Flag defaults are the
// built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "settings file (default $XDG_CONFIG_HOME/permkeeper/config.yaml)")
	fs.String("guild", d.GuildID, "server id or name to manage")
	fs.String("log-format", d.Log.Format, "log format: json or text")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.String("log-file", d.Log.File, `log file, "-" for stderr`)
	fs.String("undo-file", d.Undo.Path, "where the undo log is kept")
	fs.String("undo-dsn", d.Undo.DSN, "PostgreSQL URL to share the undo log through")
	fs.String("undo-slot", d.Undo.Slot, "undo log name inside the database")
	fs.Int("max-rate-limit-retries", d.Apply.MaxRateLimitRetries, "re-issues per entry after a rate limit, 0 for no cap")
	fs.Duration("write-timeout", d.Apply.WriteTimeout, "timeout of one overwrite write, 0 for none")
	fs.String("metrics-addr", d.Metrics.Addr, "serve /metrics and health probes on this address")
}

// LoadOptions tunes Load.
type LoadOptions struct {
	// ConfigFile is read when set and must exist. When empty the default
	// XDG config file is read if present.
	ConfigFile string
	// Flags, when set, override every other source. Unchanged flags only
	// supply defaults.
	Flags *pflag.FlagSet
	// EnvFiles are dotenv files loaded into the environment first.
	// Missing files are ignored. Defaults to ".env".
	EnvFiles []string
}

// Load merges every configuration source.
func Load(opts LoadOptions) (*Settings, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Already-set variables win over the file.
		_ = godotenv.Load(f)
	}

	k := koanf.New(".")
	s := Default()

	path, explicit := opts.ConfigFile, opts.ConfigFile != ""
	if !explicit && opts.Flags != nil {
		if v, err := opts.Flags.GetString("config"); err == nil && v != "" {
			path, explicit = v, true
		}
	}
	if !explicit {
		path, _ = xdg.ConfigFile()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.Code(perm.CodeInvalidConfig).
					With("path", path).
					Wrapf(err, "read settings file")
			}
			s.Source = path
		} else if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code(perm.CodeInvalidConfig).
				With("path", path).
				Wrapf(err, "settings file")
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "read environment")
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "read flags")
		}
	}

	if err := k.Unmarshal("", &s); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "decode settings")
	}
	s.Token = strings.TrimSpace(os.Getenv(TokenEnv))

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// envKey turns PERMKEEPER_APPLY__WRITE_TIMEOUT into apply.write_timeout.
func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(name, "__", ".")
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	switch s.Log.Format {
	case "json", "text":
	default:
		return oops.Code(perm.CodeInvalidConfig).
			With("key", "log.format").
			With("value", s.Log.Format).
			Errorf("log.format must be json or text, got %q", s.Log.Format)
	}
	if s.Apply.MaxRateLimitRetries < 0 {
		return oops.Code(perm.CodeInvalidConfig).
			With("key", "apply.max_rate_limit_retries").
			Errorf("apply.max_rate_limit_retries must not be negative")
	}
	if s.Apply.WriteTimeout < 0 {
		return oops.Code(perm.CodeInvalidConfig).
			With("key", "apply.write_timeout").
			Errorf("apply.write_timeout must not be negative")
	}
	if s.Undo.DSN != "" && strings.TrimSpace(s.Undo.Slot) == "" {
		return oops.Code(perm.CodeInvalidConfig).
			With("key", "undo.slot").
			Errorf("undo.slot must not be empty when undo.dsn is set")
	}
	return nil
}
