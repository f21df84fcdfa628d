package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"catrec/internal/domain"
	"catrec/internal/port"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteFeed reads records from a table with the columns
// id, text, catalog_item_id, timestamp and metadata (JSON object).
type SQLiteFeed struct {
	path  string
	table string
}

var _ port.RecordFeed = (*SQLiteFeed)(nil)

func NewSQLiteFeed(path, table string) (*SQLiteFeed, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite feed: path required")
	}
	if table == "" {
		table = "records"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("sqlite feed: invalid table name %q", table)
	}
	return &SQLiteFeed{path: path, table: table}, nil
}

func (f *SQLiteFeed) Name() string {
	return "sqlite:" + f.path + "#" + f.table
}

func (f *SQLiteFeed) Records(ctx context.Context, fn func(domain.HistoricalRecord) error) error {
	// modernc.org/sqlite takes pragmas as _pragma= query parameters.
	db, err := sql.Open("sqlite", f.path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return fmt.Errorf("open sqlite feed: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	q := fmt.Sprintf(`SELECT id, text, catalog_item_id, timestamp, metadata FROM %s ORDER BY id`, f.table)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query sqlite feed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      domain.HistoricalRecord
			text     sql.NullString
			catalog  sql.NullString
			ts       sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&rec.ID, &text, &catalog, &ts, &metadata); err != nil {
			return fmt.Errorf("scan sqlite feed row: %w", err)
		}
		rec.Text = text.String
		rec.CatalogItemID = catalog.String
		if ts.Valid {
			t, err := parseTimestamp(ts.String)
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			rec.Timestamp = t
		}
		if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
				return fmt.Errorf("record %s: metadata: %w", rec.ID, err)
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// parseTimestamp accepts RFC3339, SQLite's "YYYY-MM-DD HH:MM:SS" and unix
// seconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
