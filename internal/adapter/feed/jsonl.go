// Package feed reads historical records from extraction sources.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/port"
)

const maxLineBytes = 4 << 20

// JSONLFeed streams records from newline-delimited JSON files matched by
// doublestar patterns.
type JSONLFeed struct {
	patterns []string
	log      *slog.Logger
}

var _ port.RecordFeed = (*JSONLFeed)(nil)

func NewJSONLFeed(patterns []string, logger *slog.Logger) *JSONLFeed {
	return &JSONLFeed{patterns: patterns, log: logging.Or(logger)}
}

func (f *JSONLFeed) Name() string {
	return "jsonl:" + strings.Join(f.patterns, ",")
}

// Files expands the patterns into a sorted, duplicate-free file list.
func (f *JSONLFeed) Files() ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range f.patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad feed pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no feed files match %v", f.patterns)
	}
	sort.Strings(files)
	return files, nil
}

func (f *JSONLFeed) Records(ctx context.Context, fn func(domain.HistoricalRecord) error) error {
	files, err := f.Files()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := f.readFile(ctx, path, fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *JSONLFeed) readFile(ctx context.Context, path string, fn func(domain.HistoricalRecord) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open feed file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line, skipped := 0, 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec domain.HistoricalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			skipped++
			f.log.Warn("skipping malformed feed line", "file", path, "line", line, "error", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if skipped > 0 {
		f.log.Info("feed file read with malformed lines", "file", path, "lines", line, "skipped", skipped)
	}
	return nil
}
