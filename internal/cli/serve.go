package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docvm/internal/console"
	"docvm/pkg/logger"
)

func (a *app) serveCommand() *cobra.Command {
	var addr, blocklist string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP console until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.ConsoleAddr = addr
			}
			srv := console.New(a.db, a.cfg, logger.Log)
			if blocklist != "" {
				if err := srv.BlockList().LoadFile(blocklist); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Log.Info("docvm: starting console", "addr", a.cfg.ConsoleAddr, "driver", a.cfg.Driver, "auth", a.cfg.ConsoleJWTSecret != "")
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides DOCVM_CONSOLE_ADDR")
	cmd.Flags().StringVar(&blocklist, "blocklist", "", "file with one blocked client IP per line")
	return cmd
}
