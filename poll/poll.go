// Package poll detects new listings for each subscriber and notifies them.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"listing-notifier/pkg/listing"

	"golang.org/x/sync/errgroup"
)

// commitTimeout bounds the final save when the tick's context was canceled mid-delivery.
const commitTimeout = 10 * time.Second

// Scraper interface for fetching the feed and listing pages.
type Scraper interface {
	Snapshot(ctx context.Context, searchURL string, count int) ([]string, error)
	Listing(ctx context.Context, listingURL string) (*listing.Detail, error)
}

// Store interface for subscriber persistence.
type Store interface {
	Load(ctx context.Context, id int64) (*listing.Subscriber, error)
	Save(ctx context.Context, sub *listing.Subscriber) error
	List(ctx context.Context) ([]*listing.Subscriber, error)
}

// Notifier interface for delivering one listing to one subscriber.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, d *listing.Detail) error
}

// Config holds the polling parameters shared by every subscriber.
type Config struct {
	SearchURL string
	Count     int // N: feed bound and seen-set capacity
	// RedeliverFailed leaves listings whose delivery failed out of the seen-set,
	// so they are offered again on the next tick.
	RedeliverFailed bool
}

// Result summarizes one tick.
type Result struct {
	New       int
	Carried   int
	Delivered int
	Failed    int
	Committed bool
}

// Monitor runs ticks: load, snapshot, reconcile, fetch details, notify, persist.
type Monitor struct {
	scraper  Scraper
	store    Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a new poll monitor.
func New(scraper Scraper, store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		scraper:  scraper,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Tick checks the feed for one subscriber. Any error means nothing was committed
// and the next tick starts from the last persisted seen-set.
func (m *Monitor) Tick(ctx context.Context, id int64) (Result, error) {
	var res Result

	sub, err := m.store.Load(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load subscriber: %w", err)
	}

	feed, err := m.scraper.Snapshot(ctx, m.cfg.SearchURL, m.cfg.Count)
	if err != nil {
		return res, fmt.Errorf("snapshot feed: %w", err)
	}
	if len(feed) == 0 {
		return res, errors.New("snapshot feed: empty")
	}

	plan := Reconcile(feed, sub.Seen, m.cfg.Count)
	res.New, res.Carried = len(plan.New), len(plan.Carried)

	m.logger.Debug("Feed reconciled",
		"subscriber_id", id,
		"feed", len(feed),
		"new", res.New,
		"carried", res.Carried,
		"seen", len(sub.Seen))

	if plan.Empty() {
		return res, nil
	}

	// Every detail is fetched before anything is sent, so a fetch failure
	// leaves no partial notification behind.
	details := make([]*listing.Detail, 0, len(plan.New))
	for _, u := range plan.New {
		d, err := m.scraper.Listing(ctx, u)
		if err != nil {
			return res, fmt.Errorf("fetch listing %s: %w", u, err)
		}
		details = append(details, d)
	}

	m.logger.Info("New listings detected", "subscriber_id", id, "count", len(details))

	var withheld []string
	for i, d := range details {
		if ctx.Err() != nil {
			// not attempted; offer again next tick
			for _, rest := range details[i:] {
				withheld = append(withheld, rest.URL)
			}
			m.logger.Warn("Tick canceled during delivery", "subscriber_id", id, "undelivered", len(details)-i)
			break
		}

		if err := m.notifier.Notify(ctx, id, d); err != nil {
			res.Failed++
			m.logger.Warn("Notification dropped", "subscriber_id", id, "url", d.URL, "error", err)
			if m.cfg.RedeliverFailed {
				withheld = append(withheld, d.URL)
			}
			continue
		}
		res.Delivered++
	}

	next := plan.NextSeen(sub.Seen, m.cfg.Count, withheld...)
	if next.Equal(sub.Seen) {
		return res, nil
	}

	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()
	}
	if err := m.store.Save(saveCtx, &listing.Subscriber{ID: id, Seen: next}); err != nil {
		return res, fmt.Errorf("save subscriber: %w", err)
	}
	res.Committed = true

	m.logger.Info("Tick committed",
		"subscriber_id", id,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"seen", len(next))
	return res, nil
}

// CheckAll runs one tick for every stored subscriber, at most workers at a time.
// Failures are logged per subscriber; only a failure to list subscribers is returned.
func (m *Monitor) CheckAll(ctx context.Context, workers int) error {
	subs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	m.logger.Info("Checking subscribers", "count", len(subs), "timestamp", time.Now().Format(time.RFC3339))

	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	for _, sub := range subs {
		if ctx.Err() != nil {
			m.logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			break
		}
		id := sub.ID
		g.Go(func() error {
			if _, err := m.Tick(ctx, id); err != nil {
				m.logger.Warn("Tick aborted", "subscriber_id", id, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	m.logger.Info("Subscriber check completed", "count", len(subs))
	return ctx.Err()
}
