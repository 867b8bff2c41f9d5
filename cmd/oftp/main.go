// Command oftp runs an ODETTE file transfer node and manages its queues.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/drunlade/go-oftp/internal/config"
	"github.com/drunlade/go-oftp/internal/log"
	"github.com/drunlade/go-oftp/internal/server"
)

const defaultConfigFile = "oftp.toml"

type app struct {
	configFile string
	cfg        *config.Config
	backend    *log.Backend
}

// open loads the configuration and prepares the server without serving.
func (a *app) open() (*server.Server, error) {
	cfg, err := config.LoadFile(a.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", a.configFile, err)
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	a.cfg, a.backend = cfg, backend
	return server.New(cfg, backend)
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "oftp",
		Short: "ODETTE file transfer node",
		Long: `oftp exchanges files with ODETTE partners over TCP or TLS.

Files queued for a partner are stored under the storage directory and
sent on the next session, started by a schedule, a queue watcher, the
connect command or the partner itself.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", defaultConfigFile, "configuration file")

	cmd.AddCommand(
		newServeCommand(a),
		newConnectCommand(a),
		newQueueCommand(a),
		newListCommand(a),
		newAckCommand(a),
		newHashPasswordCommand(),
	)
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept sessions and run scheduled connects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			logger := a.backend.GetLogger("main")
			go func() {
				for {
					select {
					case <-hup:
						if err := a.backend.Rotate(); err != nil {
							logger.Errorf("reopen log: %v", err)
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			logger.Noticef("oftp %s starting as %s", versioninfo.Short(), a.cfg.Odette.ID)
			err = s.Run(ctx)
			logger.Notice("stopped")
			return err
		},
	}
}

func newConnectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <partner>",
		Short: "Run one session with a partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.Connect(ctx, args[0])
		},
	}
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
