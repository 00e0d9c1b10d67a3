// Package commands implements the mergekit subcommands.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Protekly/mergekit/internal/cli/config"
	"github.com/Protekly/mergekit/internal/cli/output"
	"github.com/Protekly/mergekit/internal/state"
)

// CommandContext holds the dependencies commands share.
type CommandContext struct {
	Settings *config.Settings
	Logger   *slog.Logger
	Styles   *output.Styles
}

// NewCommandContext assembles per-command dependencies from the loaded
// settings and the command's context.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	s := config.GetCurrentSettings()
	return &CommandContext{
		Settings: s,
		Logger:   config.GetLogger(cmd.Context()),
		Styles:   output.NewStyles(cmd.OutOrStdout(), s.NoColor),
	}
}

// openStore opens the run ledger at the configured path and brings its
// schema up to date.
func openStore(s *config.Settings, logger *slog.Logger) (*state.SQLiteStore, error) {
	store := state.NewSQLiteStore(logger)
	if err := store.Open(s.StatePath); err != nil {
		return nil, fmt.Errorf("opening run ledger: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating run ledger: %w", err)
	}
	return store, nil
}
