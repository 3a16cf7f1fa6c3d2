package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/internal/logging"
)

// rootOptions holds global flags and the state loaded before each command.
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    *Config
	logger *slog.Logger
	stderr io.Writer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{stderr: os.Stderr}

	cmd := &cobra.Command{
		Use:   "idflow",
		Short: "Identity sync and workflow automation",
		Long: `idflow syncs people from CSV files, SQL databases and LDAP directories
into unified profiles, and runs workflows of typed actions over them.

Configuration is read from ~/.idflow/config.yaml (or --config) and
IDFLOW_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides db_path)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newSyncCommand(opts),
		newRecoverStuckCommand(opts),
		newImportCommand(opts),
		newDiagramCommand(opts),
		newScheduleCommand(opts),
		newSecretCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) load() error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	o.cfg = cfg
	// stdout carries command output and the MCP stdio transport.
	o.logger = logging.New(o.stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(o.logger)
	return nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
