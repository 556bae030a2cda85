package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/auth"
	"github.com/treefix50/watchguard/internal/config"
	"github.com/treefix50/watchguard/internal/server"
	"github.com/treefix50/watchguard/internal/storage"
)

const sessionCleanupInterval = time.Hour

type serveFlags struct {
	addr      string
	mediaRoot string
	backend   string
	auth      bool
	noWatch   bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HLS library and the progress API",
		Long: `Serve the HLS tree under the media root and the progress API the player
saves to. Progress goes to SQLite or MongoDB; accounts and sessions always
live in SQLite. With --auth the first start creates an admin account and
prints its password once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyServeFlags(cmd, flags, &rootOpts.Config)
			return runServe(cmd, rootOpts)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&flags.mediaRoot, "media-root", "", "HLS output directory (overrides server.media_root)")
	cmd.Flags().StringVar(&flags.backend, "storage", "", "progress backend: sqlite or mongo")
	cmd.Flags().BoolVar(&flags.auth, "auth", false, "require login for the progress API")
	cmd.Flags().BoolVar(&flags.noWatch, "no-watch", false, "disable filesystem watching of the media root")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, f *serveFlags, cfg *config.Config) {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.mediaRoot != "" {
		cfg.Server.MediaRoot = f.mediaRoot
	}
	if f.backend != "" {
		cfg.Storage.Backend = f.backend
	}
	if cmd.Flags().Changed("auth") {
		cfg.Server.Auth = f.auth
	}
	if f.noWatch {
		cfg.Server.Watch = false
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg := rootOpts.Config
	log := rootOpts.Logger
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "config", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close failed", "err", err)
			}
		}
	}()

	store, closer, err := openProgressStore(ctx, cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "open progress store", err)
	}
	closers = append(closers, closer)

	var authMgr *auth.Manager
	if cfg.Server.Auth {
		db, ok := store.(*storage.Store)
		if !ok {
			db, err = openSQLite(cfg, false)
			if err != nil {
				return WrapExitError(ExitCommandError, "open auth store", err)
			}
			closers = append(closers, db)
		}
		authMgr = auth.NewManager(db, auth.Options{SessionDuration: cfg.Server.SessionTTL, Logger: log})
		defer authMgr.Close()

		password, err := authMgr.InitializeAdmin()
		if err != nil {
			return WrapExitError(ExitCommandError, "initialize admin", err)
		}
		if password != "" {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "========================================")
			fmt.Fprintln(out, "Admin account created")
			fmt.Fprintf(out, "Username: %s\n", auth.AdminUsername)
			fmt.Fprintf(out, "Password: %s\n", password)
			fmt.Fprintln(out, "Store it now, it is not shown again.")
			fmt.Fprintln(out, "========================================")
		}
		go cleanupSessions(ctx, authMgr, log)
	}

	srv, err := server.New(server.Options{
		Addr:           cfg.Server.Addr,
		MediaRoot:      cfg.Server.MediaRoot,
		MediaPrefix:    cfg.Server.MediaPrefix,
		Store:          store,
		Auth:           authMgr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ScanInterval:   cfg.Server.ScanInterval,
		Watch:          cfg.Server.Watch,
		LoginInterval:  cfg.Server.LoginInterval,
		Logger:         log,
		Telemetry:      rootOpts.Telemetry,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "start server", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info("watchguard listening",
		"addr", cfg.Server.Addr,
		"media", cfg.Server.MediaRoot,
		"videos", len(srv.Library().All()),
		"storage", cfg.Storage.Backend,
		"auth", authMgr != nil,
	)

	select {
	case err := <-errCh:
		_ = srv.Close()
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return srv.Close()
	}
}

func cleanupSessions(ctx context.Context, mgr *auth.Manager, log *slog.Logger) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.CleanupExpiredSessions(); err != nil {
				log.Warn("session cleanup failed", "err", err)
			}
		}
	}
}

// openProgressStore opens the configured progress backend.
func openProgressStore(ctx context.Context, cfg config.Config, log *slog.Logger) (server.ProgressStore, io.Closer, error) {
	switch cfg.Storage.Backend {
	case "", "sqlite":
		db, err := openSQLite(cfg, false)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	case "mongo":
		m, err := storage.OpenMongo(ctx, storage.MongoOptions{
			URI:              cfg.Storage.Mongo.URI,
			Database:         cfg.Storage.Mongo.Database,
			AppName:          "watchguard",
			ConnectTimeout:   cfg.Storage.Mongo.ConnectTimeout,
			OperationTimeout: cfg.Storage.Mongo.OperationTimeout,
			MaxPoolSize:      cfg.Storage.Mongo.MaxPoolSize,
			Logger:           log,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	}
	return nil, nil, errors.New("unknown storage backend " + cfg.Storage.Backend)
}

func openSQLite(cfg config.Config, readOnly bool) (*storage.Store, error) {
	return storage.Open(cfg.Storage.Path, storage.Options{
		BusyTimeout: cfg.Storage.BusyTimeout,
		ReadOnly:    readOnly,
	})
}
