// Package cmd defines and implements the CLI commands for the adsearch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/app"
	"github.com/JakeFAU/adlibrary-insight/internal/config"
	"github.com/JakeFAU/adlibrary-insight/internal/logging"
)

// sessionKeyType is the key for storing the session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// session carries what every subcommand needs once config is loaded.
type session struct {
	cfgPath string
	cfg     config.Config
	logger  *zap.Logger
	level   zap.AtomicLevel
	app     *app.App
}

// newApp is the application factory. It's a variable so tests can inject a
// fake searcher.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "adsearch",
		Short: "Batch keyword search over the ad library.",
		Long: `adsearch runs large keyword lists against the ad library scraping API,
splitting them into concurrent sub-batches, merging and deduplicating the
ads, and reporting progress as it goes. Use "serve" for the dashboard API or
"batch" for a one-off run from the terminal.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), sessionKey, s))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); ADSEARCH_* env vars override it")
	cmd.AddCommand(newServeCmd(), newBatchCmd())
	return cmd
}

func openSession(ctx context.Context, cfgPath string) (*session, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, level, err := logging.NewLeveled(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return &session{cfgPath: cfgPath, cfg: cfg, logger: logger, level: level, app: a}, nil
}

func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := s.app.Close(ctx)
	// Sync fails on terminals; nothing useful to do about it.
	_ = s.logger.Sync()
	if err != nil {
		return fmt.Errorf("shutdown services: %w", err)
	}
	return nil
}

// withSession runs fn with the session and always releases it afterwards;
// cobra skips post-run hooks when RunE fails.
func withSession(fn func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		s, err := resolveSession(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, s.close()) }()
		return fn(cmd, s, args)
	}
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(sessionKey).(*session)
	if !ok || s == nil {
		return nil, errors.New("application services not initialized")
	}
	return s, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "adsearch:", err)
		stop()
		os.Exit(1)
	}
}
