package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/adlibrary-insight/internal/api"
	"github.com/JakeFAU/adlibrary-insight/internal/config"
	"github.com/JakeFAU/adlibrary-insight/internal/logging"
	"github.com/JakeFAU/adlibrary-insight/internal/telemetry"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard HTTP API",
		Long: `Starts the HTTP API used by the dashboard: start and stream batch runs,
translate and analyze their ads, and browse search history. Runs until
interrupted, then drains connections and cancels any active run.`,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			if cmd.Flags().Changed("port") {
				s.cfg.Server.Port = port
			}
			return runServe(cmd.Context(), s, cmd)
		}),
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, s *session, cmd *cobra.Command) error {
	cfg := s.cfg
	logger := s.logger.Named("serve")

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	if s.cfgPath != "" {
		err := config.Watch(s.cfgPath, logger, func(next config.Config) {
			if err := logging.SetLevel(s.level, next.Logging.Level); err != nil {
				logger.Warn("ignoring log level change", zap.Error(err))
				return
			}
			logger.Info("log level applied", zap.String("level", s.level.String()))
		})
		if err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	server := api.NewServer(s.app.Runs, s.app.History, api.Options{
		AuthEnabled:       cfg.Auth.Enabled,
		APIKey:            cfg.Auth.APIKey,
		RequestTimeout:    cfg.Server.RequestTimeout,
		DefaultCredential: cfg.Apify.Token,
		SubBatchSize:      cfg.Batch.SubBatchSize,
		Ready:             s.app.Ready,
		Logger:            s.logger,
	})

	// Streams watch the request context; cancelling the base context at
	// shutdown lets them return so Shutdown can drain.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
