// Package config loads the CLI settings shared across mergekit commands.
// Settings come from mergekit.yaml, MERGEKIT_ environment variables, and
// command-line flags, in increasing order of precedence. The merge
// configuration itself (models, method, parameters) is a separate file
// handled by internal/config.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Default settings values.
const (
	DefaultStateFile = ".mergekit/state.db"
)

// Settings holds the CLI-level knobs that apply across commands.
type Settings struct {
	// StatePath is the SQLite run-ledger location.
	StatePath string `koanf:"state_path"`
	// Parallel bounds task concurrency during merges. Zero means one
	// worker per CPU.
	Parallel int  `koanf:"parallel"`
	Verbose  bool `koanf:"verbose"`
	NoColor  bool `koanf:"no_color"`
}

var (
	settingsFileUsed string
	current          *Settings
)

// loggerKey stores the logger in the command context.
type loggerKey struct{}

// findSettingsFile picks the settings file to use.
// Priority: explicit path > mergekit.yaml > mergekit.yml
func findSettingsFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"mergekit.yaml", "mergekit.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load loads settings with the standard precedence:
// defaults < settings file < environment < flags.
func Load(cfgFile string, flags *pflag.FlagSet) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"state_path": DefaultStateFile,
		"parallel":   0,
		"verbose":    false,
		"no_color":   false,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	settingsFileUsed = findSettingsFile(cfgFile)
	if settingsFileUsed != "" {
		if err := k.Load(file.Provider(settingsFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading settings file %s: %w", settingsFileUsed, err)
		}
	}

	// MERGEKIT_STATE_PATH -> state_path
	if err := k.Load(env.Provider("MERGEKIT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "MERGEKIT_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			// The CLI spells the ledger flag --state; the settings key is
			// state_path.
			if key == "state" {
				return "state_path", posflag.FlagVal(flags, f)
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unable to decode settings: %w", err)
	}
	current = &s
	return &s, nil
}

// SettingsFileUsed returns the path of the settings file Load read, if
// any.
func SettingsFileUsed() string {
	return settingsFileUsed
}

// GetCurrentSettings returns the settings from the last Load, or
// defaults when no Load has happened (help paths, tests).
func GetCurrentSettings() *Settings {
	if current != nil {
		return current
	}
	return &Settings{StatePath: DefaultStateFile}
}

// Reset clears loaded settings. Used by tests.
func Reset() {
	settingsFileUsed = ""
	current = nil
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
