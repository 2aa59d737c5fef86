// Package main implements a service that watches a classifieds search page and
// sends new listings to subscribed Telegram chats.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"listing-notifier/notify"
	"listing-notifier/poll"
	"listing-notifier/scraper"
	"listing-notifier/server"
	"listing-notifier/storage"
	"listing-notifier/telegram"

	gcs "cloud.google.com/go/storage"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Opts with all CLI options.
type Opts struct {
	Token         string `long:"token" env:"TELEGRAM_TOKEN" description:"telegram bot token"`
	MockTransport bool   `long:"mock-transport" env:"MOCK_TRANSPORT" description:"log notifications instead of sending them"`

	URL      string        `long:"url" env:"SEARCH_URL" description:"search results page to watch"`
	Count    int           `long:"count" env:"RESULT_COUNT" default:"5" description:"listings taken from the top of the page, also the seen-set size"`
	Interval time.Duration `long:"interval" env:"POLL_INTERVAL" default:"1m" description:"time between checks for each subscriber"`
	Timeout  time.Duration `long:"timeout" env:"FETCH_TIMEOUT" default:"30s" description:"timeout for a single page fetch"`
	Rate     float64       `long:"rate" env:"FETCH_RATE" default:"1" description:"max requests per second to the site, 0 for no limit"`
	Agent    string        `long:"user-agent" env:"USER_AGENT" description:"user agent for site requests"`
	Headers  []string      `long:"header" env:"FETCH_HEADERS" env-delim:"," description:"extra request header for site requests, as Name: value"`
	Attempts uint          `long:"fetch-attempts" env:"FETCH_ATTEMPTS" default:"3" description:"attempts per site request"`

	Selectors struct {
		Feed        string `long:"feed-selector" env:"FEED_SELECTOR" default:"a.slika" description:"listing anchors on the search page"`
		Title       string `long:"title-selector" env:"TITLE_SELECTOR" default:"h1.podrobnosti-naslov" description:"listing title"`
		Description string `long:"description-selector" env:"DESCRIPTION_SELECTOR" default:"meta[itemprop=\"description\"]" description:"listing description"`
		Price       string `long:"price-selector" env:"PRICE_SELECTOR" default:"div.cena" description:"listing price"`
		Image       string `long:"image-selector" env:"IMAGE_SELECTOR" default:"a.rsImg" description:"listing main image"`
	} `group:"selectors"`

	Store struct {
		DB     string `long:"db" env:"DATABASE_URL" description:"sqlite file or postgres:// DSN"`
		Bucket string `long:"bucket" env:"STORAGE_BUCKET" description:"cloud storage bucket"`
		Local  string `long:"local-storage" env:"LOCAL_STORAGE" description:"local directory for subscriber files"`

		MaxConns     int           `long:"db-max-conns" env:"DB_MAX_CONNS" default:"10" description:"max open postgres connections"`
		ConnLifetime time.Duration `long:"db-conn-lifetime" env:"DB_CONN_LIFETIME" default:"30m" description:"max lifetime of a database connection"`
	} `group:"store"`

	Listen            string `long:"listen" env:"LISTEN" default:":8080" description:"http listen address, empty to disable"`
	TrustProxy        bool   `long:"trust-proxy" env:"TRUST_PROXY" description:"take the client IP from X-Forwarded-For, only behind a proxy that sets it"`
	Workers           int    `long:"workers" env:"WORKERS" default:"4" description:"concurrent subscribers in --once mode"`
	RedeliverRejected bool   `long:"redeliver-rejected" env:"REDELIVER_REJECTED" description:"retry listings whose notification failed on the next check"`
	Once              bool   `long:"once" description:"check every subscriber once and exit"`

	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
}

// subscriberStore is implemented by both storage backends.
type subscriberStore interface {
	poll.Store
	poll.Registry
}

var revision = "unknown"

func main() {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	logger := setupLogger(opts.Debug)

	if err := validateOpts(&opts); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting listing notifier", "version", revision, "url", opts.URL, "count", opts.Count, "interval", opts.Interval.String())

	if err := run(ctx, &opts, logger); err != nil {
		logger.Error("Notifier failed", "error", err)
		stop()
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func validateOpts(opts *Opts) error {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", opts.URL)
	}
	if opts.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", opts.Count)
	}
	if opts.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s, got %s", opts.Interval)
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}
	if opts.Rate < 0 {
		return fmt.Errorf("rate must not be negative, got %v", opts.Rate)
	}
	if _, err := parseHeaders(opts.Headers); err != nil {
		return err
	}
	if opts.Token == "" && !opts.MockTransport {
		return errors.New("token is required unless --mock-transport is set")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return nil
}

func run(ctx context.Context, opts *Opts, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sc, err := newScraper(opts, logger)
	if err != nil {
		return err
	}

	var (
		transport notify.Transport
		bot       *telegram.Bot
	)
	if opts.MockTransport {
		logger.Info("Mock transport enabled, notifications are only logged")
		transport = notify.NewMockTransport(logger)
	} else {
		bot, err = telegram.New(opts.Token, logger)
		if err != nil {
			return err
		}
		transport = bot
	}

	monitor := poll.New(sc, store, notify.New(transport, logger), poll.Config{
		SearchURL:       opts.URL,
		Count:           opts.Count,
		RedeliverFailed: opts.RedeliverRejected,
	}, logger)

	if opts.Once {
		return monitor.CheckAll(ctx, opts.Workers)
	}

	sched := poll.NewScheduler(monitor, store, opts.Interval, logger)
	defer sched.Stop()

	if _, err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("restore subscribers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if bot != nil {
		g.Go(func() error {
			return bot.Run(gctx, sched)
		})
	}
	if opts.Listen != "" {
		srv := server.New(&server.Config{
			Scheduler:  sched,
			Loader:     store,
			IsNotFound: storage.IsNotFound,
			Logger:     logger,
			Version:    revision,
			TrustProxy: opts.TrustProxy,
		})
		g.Go(func() error {
			return srv.Run(gctx, opts.Listen)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

func newScraper(opts *Opts, logger *slog.Logger) (*scraper.Scraper, error) {
	header, err := parseHeaders(opts.Headers)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return scraper.New(scraper.Options{
		Client:  &http.Client{Timeout: opts.Timeout},
		Limiter: limiter,
		Selectors: scraper.Selectors{
			Feed:        opts.Selectors.Feed,
			Title:       opts.Selectors.Title,
			Description: opts.Selectors.Description,
			Price:       opts.Selectors.Price,
			Image:       opts.Selectors.Image,
		},
		UserAgent: opts.Agent,
		Header:    header,
		Attempts:  opts.Attempts,
	}, logger), nil
}

// parseHeaders parses "Name: value" pairs into a header.
func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	header := make(http.Header, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("header must be Name: value, got %q", h)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}

// storeKind picks the backend: a database if configured, else a bucket, else local files.
func storeKind(opts *Opts) string {
	switch {
	case opts.Store.DB != "":
		return "sql"
	case opts.Store.Bucket != "":
		return "gcs"
	default:
		return "local"
	}
}

func openStore(ctx context.Context, opts *Opts, logger *slog.Logger) (subscriberStore, func(), error) {
	switch storeKind(opts) {
	case "sql":
		st, err := storage.NewSQL(ctx, storage.SQLConfig{
			DSN:             opts.Store.DB,
			MaxOpenConns:    opts.Store.MaxConns,
			ConnMaxLifetime: opts.Store.ConnLifetime,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using cloud storage", "bucket", opts.Store.Bucket)
		return storage.New(client, opts.Store.Bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		dir := strings.TrimSpace(opts.Store.Local)
		if dir == "" {
			dir = "./data"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local storage", "storage_path", dir)
		return storage.New(nil, "", dir, logger), func() {}, nil
	}
}
