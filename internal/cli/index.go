package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"catrec/internal/domain"
	"catrec/internal/usecase"
)

var indexSQLiteTable string

var indexCmd = &cobra.Command{
	Use:   "index [glob...]",
	Short: "Build and activate a new index version",
	Long: `Read historical records from the configured feed, embed them into a new
index version and activate it. Positional arguments override feed.paths
with doublestar globs of JSONL files; a path ending in .db or .sqlite is
read as a SQLite feed.

Examples:
  catrec index                          # Use the feed from catrec.yaml
  catrec index 'exports/**/*.jsonl'     # Index JSONL exports
  catrec index tickets.db --table hist  # Index a SQLite table`,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringVar(&indexSQLiteTable, "table", "", "table name for a SQLite feed (default records)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()

	if len(args) > 0 {
		cfg.Feed.Paths = nil
		cfg.Feed.SQLite.Path = ""
		for _, arg := range args {
			if isSQLitePath(arg) {
				cfg.Feed.SQLite.Path = arg
				continue
			}
			cfg.Feed.Paths = append(cfg.Feed.Paths, arg)
		}
	}
	if indexSQLiteTable != "" {
		cfg.Feed.SQLite.Table = indexSQLiteTable
	}

	a, err := newApp(ctx, cfg, GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.feed()
	if err != nil {
		return err
	}
	fmt.Printf("Indexing from %s...\n", src.Name())

	var (
		bar       *progressbar.ProgressBar
		barMu     sync.Mutex
		startTime time.Time
	)
	progress := func(p usecase.Progress) {
		barMu.Lock()
		defer barMu.Unlock()

		if p.State != domain.RunEmbedding || p.Total == 0 {
			return
		}
		if bar == nil {
			startTime = time.Now()
			bar = progressbar.NewOptions(p.Total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		}

		bar.Set(p.Done)

		if p.Done > 0 {
			elapsed := time.Since(startTime)
			rate := float64(p.Done) / elapsed.Seconds()
			if rate > 0 {
				eta := time.Duration(float64(p.Total-p.Done)/rate) * time.Second
				bar.Describe(fmt.Sprintf("[cyan]Embedding[reset] ETA: %s", formatDuration(eta)))
			}
		}
	}

	run, err := a.indexer.Run(ctx, src, progress)
	if run != nil {
		printRun(run)
	}
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	if a.dbPath != "" {
		fmt.Printf("\nIndex stored at: %s\n", a.dbPath)
	}
	return nil
}

func isSQLitePath(p string) bool {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

func printRun(run *domain.IndexRun) {
	fmt.Printf("\nRun %s %s:\n", run.ID, run.State)
	fmt.Printf("  Version:    %d\n", run.Version)
	fmt.Printf("  Records:    %d\n", run.Total)
	fmt.Printf("  Indexed:    %d\n", run.Indexed)
	fmt.Printf("  Failed:     %d\n", run.Failed)
	fmt.Printf("  Invalid:    %d\n", run.Invalid)
	fmt.Printf("  Duplicates: %d\n", run.Duplicates)
	if !run.FinishedAt.IsZero() {
		fmt.Printf("  Duration:   %s\n", formatDuration(run.FinishedAt.Sub(run.StartedAt)))
	}
	if run.Error != "" {
		fmt.Printf("  Error:      %s\n", run.Error)
	}

	if len(run.Failures) > 0 {
		fmt.Printf("\nFailures:\n")
		for _, f := range run.Failures {
			fmt.Printf("  - %s [%s] %s\n", f.RecordID, f.Code, f.Message)
		}
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
