package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diagramsync/internal/canvas"
	"diagramsync/internal/config"
	"diagramsync/internal/logging"
	"diagramsync/internal/session"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "roomsync",
		Short:         "Real-time collaborative diagram rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "path to a .env file, loaded when present")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newRelayCmd(opts), newClientCmd(opts))
	return cmd
}

// setupLogger validates the configuration and builds the logger. Flags of
// the subcommand have been applied to cfg at this point.
func (o *rootOptions) setupLogger() error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	o.logger = logging.New(o.cfg.Log)
	return nil
}

func sessionConfig(cfg config.SessionConfig) session.Config {
	out := session.DefaultConfig()
	if cfg.SyncTimeout > 0 {
		out.SyncTimeout = cfg.SyncTimeout
	}
	if cfg.SaveInterval > 0 {
		out.SaveInterval = cfg.SaveInterval
	}
	if cfg.AwarenessTimeout > 0 {
		out.AwarenessTimeout = cfg.AwarenessTimeout
	}
	out.ResyncInterval = cfg.ResyncInterval
	out.CaptureTimeout = cfg.CaptureTimeout
	out.Debounce = cfg.Debounce
	if cfg.AllowMultiEdges {
		out.EdgePolicy = canvas.EdgePolicyAllowMulti
	}
	return out
}
