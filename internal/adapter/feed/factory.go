package feed

import (
	"fmt"
	"log/slog"

	"catrec/config"
	"catrec/internal/port"
)

// New picks the feed described by cfg. A SQLite path wins over JSONL globs.
func New(cfg config.FeedConfig, logger *slog.Logger) (port.RecordFeed, error) {
	switch {
	case cfg.SQLite.Path != "":
		return NewSQLiteFeed(cfg.SQLite.Path, cfg.SQLite.Table)
	case len(cfg.Paths) > 0:
		return NewJSONLFeed(cfg.Paths, logger), nil
	default:
		return nil, fmt.Errorf("no feed configured: set feed.paths or feed.sqlite.path")
	}
}
