package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/capture"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/config"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/logging"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/server"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/watcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "brain-api",
		Short: "Digital Brain capture and search service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)
	rootCmd.AddCommand(newReindexCommand())
	return rootCmd
}

func newReindexCommand() *cobra.Command {
	var pruneAttachments bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the note directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), cmd, pruneAttachments)
		},
	}
	cmd.Flags().BoolVar(&pruneAttachments, "prune-attachments", false, "Delete attachment files no note references")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Directory holding notes, attachments and the index")
	cmd.PersistentFlags().String("index-path", defaults.GetString("index.path"), "SQLite index path (defaults to <storage-root>/index.db)")
	cmd.PersistentFlags().String("index-embedder", defaults.GetString("index.embedder"), "Embedder (hashing, api)")
	cmd.PersistentFlags().String("public-base-url", defaults.GetString("public.base_url"), "Absolute prefix for attachment download URLs")
	cmd.PersistentFlags().Bool("watch", defaults.GetBool("watch.enabled"), "Reindex notes edited on disk")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("llm-api-key", "", "LLM API key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "index.path", "index-path")
	bindFlag(cmd, "index.embedder", "index-embedder")
	bindFlag(cmd, "public.base_url", "public-base-url")
	bindFlag(cmd, "watch.enabled", "watch")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "llm.api_key", "llm-api-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func runServer(ctx context.Context) error {
	app, err := loadApplication()
	if err != nil {
		return err
	}
	defer app.logger.Sync() //nolint:errcheck
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Capture:        app.service,
		Attachments:    app.attachments,
		Realtime:       app.dispatcher,
		AllowedOrigins: app.config.AllowedOrigins,
		Logger:         app.logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts derive from signalCtx so open event streams end on shutdown.
	httpServer := &http.Server{
		Addr:        app.config.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	watchDone := make(chan struct{})
	if app.config.WatchEnabled {
		noteWatcher, err := watcher.New(watcher.Config{
			Dirs:     []string{app.config.InboxDir, app.config.ArchiveDir},
			Debounce: app.config.WatchDebounce,
			Indexer:  app.service,
			Logger:   app.logger,
		})
		if err != nil {
			return err
		}
		go func() {
			defer close(watchDone)
			if err := noteWatcher.Run(signalCtx); err != nil {
				app.logger.Error("note watcher stopped", zap.Error(err))
			}
		}()
	} else {
		close(watchDone)
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-watchDone
		return err
	case err := <-errCh:
		stop()
		<-watchDone
		return err
	}
}

func runReindex(ctx context.Context, cmd *cobra.Command, pruneAttachments bool) error {
	app, err := loadApplication()
	if err != nil {
		return err
	}
	defer app.logger.Sync() //nolint:errcheck
	defer app.Close()

	report, err := app.service.Rebuild(ctx, capture.RebuildOptions{PruneAttachments: pruneAttachments})
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
