// Package cli is the watchguard command line: the progress service, a
// headless player, scenario replays and maintenance commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/config"
	"github.com/treefix50/watchguard/internal/logger"
	"github.com/treefix50/watchguard/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

// RootOptions holds global flags and the state PersistentPreRunE builds
// from them.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "text" | "json"
	ServerURL  string

	Config    config.Config
	Logger    *slog.Logger
	Telemetry *telemetry.Manager
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "watchguard",
		Short: "Playback position guard and progress service for HLS video",
		Long: `watchguard keeps viewers from skipping ahead of what they have watched and
remembers where they stopped. It serves an HLS library with a progress API,
plays videos headlessly against that API, and replays scripted viewing
sessions for testing.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.teardown()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./"+config.DefaultFile+" when present)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "progress service URL for client commands")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewVideosCommand(opts))
	cmd.AddCommand(NewProgressCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewUserCommand(opts))
	cmd.AddCommand(NewDBCommand(opts))

	return cmd
}

func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.ServerURL != "" {
		cfg.Client.ServerURL = o.ServerURL
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return WrapExitError(ExitCommandError, "log level", err)
	}
	o.Config = cfg
	o.Logger = logger.Init(logger.Options{
		Level:  level,
		Color:  cfg.Log.ColorMode(),
		Writer: cmd.ErrOrStderr(),
	})

	if cfg.Telemetry.Enabled {
		mgr, err := telemetry.NewManager(cmd.Context(), telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "telemetry", err)
		}
		telemetry.SetDefault(mgr)
		o.Telemetry = mgr
	}
	return nil
}

func (o *RootOptions) teardown() error {
	if o.Telemetry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Telemetry.Shutdown(ctx); err != nil {
		o.Logger.Warn("telemetry shutdown failed", "err", err)
	}
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
