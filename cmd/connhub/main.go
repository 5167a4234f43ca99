// Command connhub connects to the hosts of a hosts file and lists remote
// objects through their subsystems.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/websoft9/connhub/internal/config"
	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/workspace"
)

// app carries the state shared by every command of one invocation.
type app struct {
	prompter connector.Prompter

	hostsFile string
	logLevel  string
	jsonOut   bool

	cfg     *config.Config
	ws      *workspace.Workspace
	closeWS workspace.CloseFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{prompter: newTerminalPrompter(os.Stdin, os.Stderr)}
	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", connector.Summary(err))
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "connhub",
		Short:         "Connect to hosts and browse their subsystems",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.hostsFile, "hosts", "", "hosts file (overrides HOSTS_FILE)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON")

	root.AddCommand(
		newHostsCommand(a),
		newConnectCommand(a),
		newLsCommand(a),
		newForgetCommand(a),
		newServeCommand(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.hostsFile != "" {
		cfg.HostsFile = a.hostsFile
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	setupLogger(cfg, cmd.ErrOrStderr())
	a.cfg = cfg

	a.ws, a.closeWS, err = workspace.Open(cmd.Context(), cfg, a.prompter, "cli")
	return err
}

func (a *app) close(ctx context.Context) error {
	if a.closeWS == nil {
		return nil
	}
	err := a.closeWS(context.WithoutCancel(ctx))
	a.ws, a.closeWS = nil, nil
	return err
}

func (a *app) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupLogger writes human-readable logs to stderr; the CLI is quiet below
// warnings unless asked.
func setupLogger(cfg *config.Config, w io.Writer) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "info" {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}
