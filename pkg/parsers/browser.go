package parsers

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"

	_ "modernc.org/sqlite"
)

// sqliteMagic is the first 16 bytes of every SQLite 3 database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// webkitEpochOffsetMicros is the microsecond gap between the WebKit
// epoch (1601-01-01) and the Unix epoch.
const webkitEpochOffsetMicros = 11644473600 * 1_000_000

// BrowserHistoryParser extracts visit and download events from browser
// SQLite databases. Chromium's History (urls/visits/downloads, WebKit
// microsecond timestamps) and Firefox's places.sqlite
// (moz_places/moz_historyvisits, Unix microseconds) are supported. The
// database is always opened read-only.
type BrowserHistoryParser struct {
	BaseParser
}

// NewBrowserHistoryParser constructs the browser history parser.
func NewBrowserHistoryParser() *BrowserHistoryParser {
	return &BrowserHistoryParser{
		BaseParser: NewBaseParser("browser_history", CategoryArtifacts,
			[]string{".sqlite", ".db"},
			[]string{"application/x-sqlite3", "application/vnd.sqlite3"}),
	}
}

// CanParse requires the SQLite magic header.
func (p *BrowserHistoryParser) CanParse(_ string, prefix []byte) bool {
	return bytes.HasPrefix(prefix, sqliteMagic)
}

// Parse opens the database read-only and runs the fixed per-schema
// queries. When sourceName is not an on-disk path the reader is spooled
// to a temporary file first; SQLite needs a seekable file.
func (p *BrowserHistoryParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	path := sourceName
	if _, err := os.Stat(path); err != nil {
		tmp, err := os.CreateTemp("", "browser-history-*.sqlite")
		if err != nil {
			return fmt.Errorf("spooling %s: %w", sourceName, err)
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, r); err != nil {
			tmp.Close()
			return fmt.Errorf("spooling %s: %w", sourceName, err)
		}
		tmp.Close()
		path = tmp.Name()
	}

	dsn := "file:" + path + "?mode=ro&immutable=1"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: opening sqlite: %v", ErrMalformedSource, err)
	}
	defer db.Close()

	schema, err := p.detectSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}

	switch schema {
	case "chromium":
		if err := p.chromiumVisits(ctx, db, sourceName, emit); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
		return p.chromiumDownloads(ctx, db, sourceName, emit)
	case "firefox":
		return p.firefoxVisits(ctx, db, sourceName, emit)
	default:
		return fmt.Errorf("%w: unrecognized browser schema", ErrMalformedSource)
	}
}

// detectSchema inspects sqlite_master table names.
func (p *BrowserHistoryParser) detectSchema(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return "", fmt.Errorf("reading sqlite_master: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch {
	case tables["urls"] && tables["visits"]:
		return "chromium", nil
	case tables["moz_places"] && tables["moz_historyvisits"]:
		return "firefox", nil
	}
	return "", fmt.Errorf("no known history tables")
}

func (p *BrowserHistoryParser) chromiumVisits(ctx context.Context, db *sql.DB, sourceName string, emit EmitFunc) error {
	rows, err := db.QueryContext(ctx, `
		SELECT urls.url, urls.title, urls.visit_count, visits.visit_time
		FROM visits JOIN urls ON visits.url = urls.id
		ORDER BY visits.visit_time`)
	if err != nil {
		return fmt.Errorf("querying chromium visits: %w", err)
	}
	defer rows.Close()

	rowNo := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowNo++
		var (
			rawURL, title sql.NullString
			visitCount    sql.NullInt64
			visitTime     sql.NullInt64
		)
		if err := rows.Scan(&rawURL, &title, &visitCount, &visitTime); err != nil {
			p.skip(sourceName, rowNo, err)
			continue
		}

		ev := p.visitEvent("chromium", rawURL.String, title.String)
		ev.Timestamp = webkitToTime(visitTime.Int64)
		if visitCount.Valid {
			ev.SetLabel("visit_count", fmt.Sprintf("%d", visitCount.Int64))
		}
		if err := emit(p.finish(ev, sourceName, rowNo)); err != nil {
			if err == ErrStop {
				return ErrStop
			}
			return err
		}
	}
	return rows.Err()
}

func (p *BrowserHistoryParser) chromiumDownloads(ctx context.Context, db *sql.DB, sourceName string, emit EmitFunc) error {
	rows, err := db.QueryContext(ctx, `
		SELECT target_path, tab_url, start_time, received_bytes, total_bytes
		FROM downloads ORDER BY start_time`)
	if err != nil {
		// Older History files lack the downloads table; visits alone
		// are still a valid parse.
		return nil
	}
	defer rows.Close()

	rowNo := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowNo++
		var (
			target, tabURL       sql.NullString
			startTime            sql.NullInt64
			received, totalBytes sql.NullInt64
		)
		if err := rows.Scan(&target, &tabURL, &startTime, &received, &totalBytes); err != nil {
			p.skip(sourceName, rowNo, err)
			continue
		}

		ev := &models.NormalizedEvent{
			SourceType:    "browser_history:chromium",
			EventKind:     models.KindEvent,
			EventCategory: []string{"file"},
			EventType:     []string{"download"},
			EventAction:   "file-download",
			Timestamp:     webkitToTime(startTime.Int64),
			FilePath:      target.String,
			FileName:      baseName(target.String),
		}
		applyVisitURL(ev, tabURL.String)
		if received.Valid {
			ev.SetLabel("received_bytes", fmt.Sprintf("%d", received.Int64))
		}
		if totalBytes.Valid {
			ev.SetLabel("total_bytes", fmt.Sprintf("%d", totalBytes.Int64))
		}
		if err := emit(p.finish(ev, sourceName, rowNo)); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (p *BrowserHistoryParser) firefoxVisits(ctx context.Context, db *sql.DB, sourceName string, emit EmitFunc) error {
	rows, err := db.QueryContext(ctx, `
		SELECT moz_places.url, moz_places.title, moz_places.visit_count,
		       moz_historyvisits.visit_date
		FROM moz_historyvisits
		JOIN moz_places ON moz_historyvisits.place_id = moz_places.id
		ORDER BY moz_historyvisits.visit_date`)
	if err != nil {
		return fmt.Errorf("querying firefox visits: %w", err)
	}
	defer rows.Close()

	rowNo := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowNo++
		var (
			rawURL, title sql.NullString
			visitCount    sql.NullInt64
			visitDate     sql.NullInt64
		)
		if err := rows.Scan(&rawURL, &title, &visitCount, &visitDate); err != nil {
			p.skip(sourceName, rowNo, err)
			continue
		}

		ev := p.visitEvent("firefox", rawURL.String, title.String)
		// Firefox stores Unix microseconds directly.
		if visitDate.Valid && visitDate.Int64 > 0 {
			ev.Timestamp = time.UnixMicro(visitDate.Int64).UTC()
		}
		if visitCount.Valid {
			ev.SetLabel("visit_count", fmt.Sprintf("%d", visitCount.Int64))
		}
		if err := emit(p.finish(ev, sourceName, rowNo)); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (p *BrowserHistoryParser) visitEvent(browser, rawURL, title string) *models.NormalizedEvent {
	ev := &models.NormalizedEvent{
		SourceType:    "browser_history:" + browser,
		EventKind:     models.KindEvent,
		EventCategory: []string{"web"},
		EventType:     []string{"access"},
		EventAction:   "page-visit",
		Raw:           rawURL,
	}
	applyVisitURL(ev, rawURL)
	if title != "" {
		ev.SetLabel("page_title", title)
	}
	return ev
}

// applyVisitURL splits a visit URL into the event's URL fields.
func applyVisitURL(ev *models.NormalizedEvent, rawURL string) {
	if rawURL == "" {
		return
	}
	ev.URLFull = rawURL
	if u, err := url.Parse(rawURL); err == nil {
		ev.URLDomain = u.Hostname()
		ev.URLPath = u.Path
		if u.Scheme != "" {
			ev.NetworkProtocol = strings.ToLower(u.Scheme)
		}
	}
}

// webkitToTime converts WebKit microseconds since 1601-01-01 to UTC.
func webkitToTime(us int64) time.Time {
	if us <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(us - webkitEpochOffsetMicros).UTC()
}
