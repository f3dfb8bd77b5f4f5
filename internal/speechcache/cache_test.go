package speechcache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/pcm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "speech.db"), newLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetExactText(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)

	if err := c.Put(ctx, "Hola", pcm.Clip{PCM: []byte{1, 2, 3, 4}, SampleRate: 22050}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, ok, err := c.Get(ctx, "Hola")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if len(entry.PCM) != 4 || entry.SampleRate != 22050 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok, _ := c.Get(ctx, "hola"); ok {
		t.Fatal("keys must match exactly")
	}
}

func TestCorruptEntryIsMissAndDeleted(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)

	if err := c.Put(ctx, "Hola", pcm.Clip{PCM: []byte{1, 2, 3, 4}, SampleRate: 22050}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE speech_cache SET audio = ? WHERE text = ?`, []byte{9, 9, 9}, "Hola"); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	if _, ok, err := c.Get(ctx, "Hola"); ok || err != nil {
		t.Fatalf("expected silent miss, ok=%v err=%v", ok, err)
	}
	n, err := c.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected corrupt row removed, %d left", n)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)
	for _, text := range []string{"a", "b"} {
		if err := c.Put(ctx, text, pcm.Clip{PCM: []byte{0, 0}, SampleRate: 8000}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Fatalf("expected empty cache, got %d", n)
	}
}
