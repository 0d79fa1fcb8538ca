// Package cli implements the docvm command line: run and check scripts,
// serve the HTTP console and poke at the raw key/value store.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"docvm/pkg/config"
	"docvm/pkg/engine"
	"docvm/pkg/logger"
)

// skipDB marks commands that run without an open database.
const skipDB = "docvm/skip-db"

type app struct {
	envFile string
	cfg     config.Config
	db      *engine.DB
}

// Execute runs the command line in args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	defer a.close()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "docvm: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "docvm",
		Short:         "Run document scripts against an embedded store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "read configuration from this .env file")

	root.AddCommand(
		a.runCommand(),
		a.checkCommand(),
		a.serveCommand(),
		a.kvCommand(),
		versionCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger.SetupWriter(cmd.ErrOrStderr(), cfg.Env, cfg.LogLevel)

	if cmd.Annotations[skipDB] != "" {
		return nil
	}
	// Opening is not interrupted by a cancelled context; the command itself
	// sees the cancellation and stops.
	db, err := engine.Open(context.WithoutCancel(cmd.Context()), engine.Config{
		Driver:  cfg.Driver,
		DSN:     cfg.DSN,
		MaxOpen: cfg.MaxOpen,
		MaxIdle: cfg.MaxIdle,
	})
	if err != nil {
		return fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	a.db = db
	return nil
}

func (a *app) close() {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		logger.Log.Warn("docvm: closing database", "error", err)
	}
	a.db = nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the engine version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipDB: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "docvm %s\n", engine.Version)
			return err
		},
	}
}
