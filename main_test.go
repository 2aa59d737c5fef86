package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-notifier/pkg/listing"
	"listing-notifier/scraper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func validOpts() Opts {
	return Opts{
		Token:    "123:abc",
		URL:      "https://www.example.com/search?q=bike",
		Count:    5,
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		Rate:     1,
		Workers:  4,
	}
}

func TestOptsDefaults(t *testing.T) {
	var opts Opts
	_, err := flags.ParseArgs(&opts, []string{"--url", "https://www.example.com/search", "--token", "t"})
	require.NoError(t, err)

	assert.Equal(t, 5, opts.Count)
	assert.Equal(t, time.Minute, opts.Interval)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.InDelta(t, 1.0, opts.Rate, 0)
	assert.Equal(t, ":8080", opts.Listen)
	assert.Equal(t, uint(3), opts.Attempts)
	assert.Equal(t, 10, opts.Store.MaxConns)
	assert.Equal(t, 30*time.Minute, opts.Store.ConnLifetime)
	assert.False(t, opts.TrustProxy)

	sel := scraper.DefaultSelectors()
	assert.Equal(t, sel.Feed, opts.Selectors.Feed)
	assert.Equal(t, sel.Title, opts.Selectors.Title)
	assert.Equal(t, sel.Description, opts.Selectors.Description)
	assert.Equal(t, sel.Price, opts.Selectors.Price)
	assert.Equal(t, sel.Image, opts.Selectors.Image)
}

func TestValidateOpts(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Opts)
		wantErr string
	}{
		{name: "valid", modify: func(*Opts) {}},
		{name: "missing url", modify: func(o *Opts) { o.URL = "" }, wantErr: "url"},
		{name: "relative url", modify: func(o *Opts) { o.URL = "/search" }, wantErr: "url"},
		{name: "ftp url", modify: func(o *Opts) { o.URL = "ftp://example.com/x" }, wantErr: "url"},
		{name: "zero count", modify: func(o *Opts) { o.Count = 0 }, wantErr: "count"},
		{name: "short interval", modify: func(o *Opts) { o.Interval = 500 * time.Millisecond }, wantErr: "interval"},
		{name: "zero timeout", modify: func(o *Opts) { o.Timeout = 0 }, wantErr: "timeout"},
		{name: "negative rate", modify: func(o *Opts) { o.Rate = -1 }, wantErr: "rate"},
		{name: "missing token", modify: func(o *Opts) { o.Token = "" }, wantErr: "token"},
		{name: "mock transport needs no token", modify: func(o *Opts) { o.Token = ""; o.MockTransport = true }},
		{name: "no rate limit", modify: func(o *Opts) { o.Rate = 0 }},
		{name: "bad header", modify: func(o *Opts) { o.Headers = []string{"no-colon"} }, wantErr: "header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOpts()
			tt.modify(&opts)
			err := validateOpts(&opts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateOptsClampsWorkers(t *testing.T) {
	opts := validOpts()
	opts.Workers = 0
	require.NoError(t, validateOpts(&opts))
	assert.Equal(t, 1, opts.Workers)
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"Cookie: a=1; b=2", " X-Extra :yes"})
	require.NoError(t, err)
	assert.Equal(t, "a=1; b=2", h.Get("Cookie"))
	assert.Equal(t, "yes", h.Get("X-Extra"))

	h, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	for _, bad := range []string{"novalue", ": x", "Bad Name: x"} {
		_, err := parseHeaders([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestNewScraperWithHeaders(t *testing.T) {
	opts := validOpts()
	opts.Headers = []string{"X-Extra: yes"}
	opts.Attempts = 2
	sc, err := newScraper(&opts, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, sc)

	opts.Headers = []string{"broken"}
	_, err = newScraper(&opts, testLogger())
	require.Error(t, err)
}

func TestStoreKind(t *testing.T) {
	opts := validOpts()
	assert.Equal(t, "local", storeKind(&opts))

	opts.Store.Bucket = "bucket"
	assert.Equal(t, "gcs", storeKind(&opts))

	opts.Store.DB = "file.db"
	assert.Equal(t, "sql", storeKind(&opts))
}

func TestOpenStoreLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	opts := validOpts()
	opts.Store.Local = dir
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, &opts, testLogger())
	require.NoError(t, err)
	defer closeStore()

	created, err := store.Create(ctx, 42)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, store.Save(ctx, &listing.Subscriber{ID: 42, Seen: listing.SeenSet{"https://x/1"}}))

	subs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, listing.SeenSet{"https://x/1"}, subs[0].Seen)
	assert.DirExists(t, dir)
}

func TestOpenStoreSQLite(t *testing.T) {
	opts := validOpts()
	opts.Store.DB = filepath.Join(t.TempDir(), "subscribers.db")
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, &opts, testLogger())
	require.NoError(t, err)
	defer closeStore()

	created, err := store.Create(ctx, 7)
	require.NoError(t, err)
	assert.True(t, created)

	sub, err := store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, sub.Seen)
}

func TestRunOnceWithMockTransport(t *testing.T) {
	opts := validOpts()
	opts.Token = ""
	opts.MockTransport = true
	opts.Once = true
	opts.Store.Local = t.TempDir()

	// no subscribers yet, so nothing is fetched
	require.NoError(t, run(context.Background(), &opts, testLogger()))
}
