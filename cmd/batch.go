package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/report"
	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// CLIUser identifies runs started from the terminal.
const CLIUser = "cli"

type batchOptions struct {
	keywordsFile string
	groupSize    int
	startGroup   int
	groupCount   int
	concurrency  int
	token        string
	filters      ads.SearchFilters
	format       string
	output       string
	translate    string
	quiet        bool
}

// newBatchCmd creates the 'batch' subcommand.
func newBatchCmd() *cobra.Command {
	opts := batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run one batch search from a keyword file",
		Long: `Reads a keyword list (newline or comma separated) from --keywords-file or
stdin, searches the selected group window, and prints a report. Progress is
drawn on stderr; the report goes to stdout or --output.`,
		Example: `  adsearch batch --keywords-file brands.txt --group-size 50 --concurrency 5
  cat brands.txt | adsearch batch --format json --output run.json`,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			return runBatch(cmd, s, opts)
		}),
	}

	f := cmd.Flags()
	f.StringVarP(&opts.keywordsFile, "keywords-file", "f", "-", "keyword file, - for stdin")
	f.IntVar(&opts.groupSize, "group-size", 50, "keywords per group")
	f.IntVar(&opts.startGroup, "start-group", 1, "first group to search (1-based)")
	f.IntVar(&opts.groupCount, "group-count", 1, "number of consecutive groups")
	f.IntVar(&opts.concurrency, "concurrency", 5, "concurrent sub-batch calls")
	f.StringVar(&opts.token, "token", "", "scraping API token (defaults to apify.token)")
	f.StringVar(&opts.filters.Region, "region", "", "country filter, e.g. US")
	f.StringVar(&opts.filters.DateRange, "date-range", "", "date range filter")
	f.StringVar(&opts.filters.AdType, "ad-type", "", "ad type filter")
	f.StringVar(&opts.filters.Language, "language", "", "language filter")
	f.StringVar(&opts.filters.MediaType, "media-type", "", "media type filter")
	f.StringVar(&opts.filters.Status, "status", "", "active status filter")
	f.StringSliceVar(&opts.filters.Platforms, "platform", nil, "platform filter, repeatable")
	f.StringVar(&opts.format, "format", string(report.FormatText), "report format: text, json or yaml")
	f.StringVarP(&opts.output, "output", "o", "", "write the report to a file instead of stdout")
	f.StringVar(&opts.translate, "translate", "", "translate ad copy to this language after the run")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func runBatch(cmd *cobra.Command, s *session, opts batchOptions) error {
	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	raw, err := readKeywords(cmd.InOrStdin(), opts.keywordsFile)
	if err != nil {
		return err
	}
	token := opts.token
	if token == "" {
		token = s.cfg.Apify.Token
	}

	mgr := s.app.Runs
	started, err := mgr.Start(runs.Caller{UserID: CLIUser, Credential: token}, ads.BatchRequest{
		RawInput:    raw,
		GroupSize:   opts.groupSize,
		StartGroup:  opts.startGroup,
		GroupCount:  opts.groupCount,
		Concurrency: opts.concurrency,
		Filters:     opts.filters,
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	runID, err := uuid.Parse(started.ID)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	s.logger.Info("batch run started",
		zap.String("run_id", started.ID),
		zap.Int("first", started.First),
		zap.Int("last", started.Last),
		zap.Int("sub_batches", started.SubBatches),
	)

	final, interrupted, err := follow(cmd.Context(), s, runID, opts.quiet, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if opts.translate != "" && !interrupted && final.AdCount > 0 {
		rep, err := mgr.Translate(cmd.Context(), runID, opts.translate)
		if err != nil {
			s.logger.Warn("translation failed", zap.Error(err), zap.Int("failed_chunks", rep.FailedChunks))
		} else {
			s.logger.Info("translation finished", zap.Int("translated", rep.Translated))
		}
		if final, err = mgr.Get(runID); err != nil {
			return fmt.Errorf("reload run: %w", err)
		}
	}

	if err := writeReport(cmd.OutOrStdout(), opts.output, final, format); err != nil {
		return err
	}
	switch {
	case interrupted:
		return errors.New("interrupted")
	case final.Status == store.StatusAborted:
		return fmt.Errorf("run aborted: %s", final.FatalReason)
	default:
		return nil
	}
}

// follow renders progress until the run finishes or ctx is cancelled, then
// returns the final view with ads.
func follow(ctx context.Context, s *session, runID uuid.UUID, quiet bool, stderr io.Writer) (runs.View, bool, error) {
	mgr := s.app.Runs
	views, cancel, err := mgr.Subscribe(runID)
	if err != nil {
		return runs.View{}, false, fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()

	var bar *report.Progress
	if !quiet {
		bar = report.NewProgress(stderr, 30)
		defer bar.Done()
	}

	interrupted := false
loop:
	for {
		select {
		case v, open := <-views:
			if !open {
				break loop
			}
			if bar != nil {
				bar.Update(v)
			}
			if v.Terminal() {
				break loop
			}
		case <-ctx.Done():
			interrupted = true
			s.logger.Warn("interrupted; cancelling run")
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
			err := mgr.Shutdown(sctx)
			scancel()
			if err != nil {
				return runs.View{}, true, fmt.Errorf("cancel run: %w", err)
			}
			break loop
		}
	}

	final, err := mgr.Get(runID)
	if err != nil {
		return runs.View{}, interrupted, fmt.Errorf("load run: %w", err)
	}
	return final, interrupted, nil
}

func readKeywords(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read keywords: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("no keywords provided")
	}
	return string(data), nil
}

func writeReport(stdout io.Writer, path string, v runs.View, format report.Format) error {
	if path == "" {
		return report.Write(stdout, v, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Write(f, v, format); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	return nil
}
