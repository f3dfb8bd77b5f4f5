// Package speechcache persists synthesized audio keyed by the exact utterance
// text so repeated prompts skip the synthesis round trip.
package speechcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/pcm"
	_ "modernc.org/sqlite"
)

// Cache wraps a SQLite table of synthesized speech. Entries never expire.
type Cache struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the cache database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Cache, error) {
	if path == "" {
		return nil, errors.New("speech cache path must not be empty")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	c := &Cache{db: db, log: log.With(slog.String("component", "speechcache")), clock: time.Now}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init speech cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS speech_cache (
    text TEXT PRIMARY KEY,
    audio BLOB NOT NULL,
    sample_rate INTEGER NOT NULL,
    checksum INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached audio for text. A corrupt row is deleted and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, text string) (pcm.Clip, bool, error) {
	var (
		entry    pcm.Clip
		checksum int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT audio, sample_rate, checksum FROM speech_cache WHERE text = ?`, text).
		Scan(&entry.PCM, &entry.SampleRate, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return pcm.Clip{}, false, nil
	}
	if err != nil {
		return pcm.Clip{}, false, fmt.Errorf("read speech cache: %w", err)
	}
	if !valid(entry, checksum) {
		c.log.Warn("discarding corrupt speech cache entry", slog.Int("text_len", len(text)))
		if _, err := c.db.ExecContext(ctx, `DELETE FROM speech_cache WHERE text = ?`, text); err != nil {
			return pcm.Clip{}, false, fmt.Errorf("delete corrupt entry: %w", err)
		}
		return pcm.Clip{}, false, nil
	}
	return entry, true, nil
}

// Put stores audio for text, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, text string, entry pcm.Clip) error {
	if len(entry.PCM) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO speech_cache(text, audio, sample_rate, checksum, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(text) DO UPDATE SET audio=excluded.audio, sample_rate=excluded.sample_rate,
		   checksum=excluded.checksum, created_at=excluded.created_at`,
		text, entry.PCM, entry.SampleRate, int64(crc32.ChecksumIEEE(entry.PCM)), c.clock().UTC().Unix())
	if err != nil {
		return fmt.Errorf("write speech cache: %w", err)
	}
	return nil
}

// Clear removes every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM speech_cache`); err != nil {
		return fmt.Errorf("clear speech cache: %w", err)
	}
	return nil
}

// Len reports the number of cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM speech_cache`).Scan(&n)
	return n, err
}

func valid(entry pcm.Clip, checksum int64) bool {
	if len(entry.PCM) == 0 || len(entry.PCM)%2 != 0 || entry.SampleRate <= 0 {
		return false
	}
	return int64(crc32.ChecksumIEEE(entry.PCM)) == checksum
}
