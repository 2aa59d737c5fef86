package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"listing-notifier/pkg/listing"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver registered as "pgx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed schema.sql
var schema string

// SQLConfig represents database configuration.
type SQLConfig struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore keeps subscribers in a single table of a SQLite or Postgres database.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// row is a subscribers table row.
type row struct {
	SubscriberID int64          `db:"subscriber_id"`
	SeenURLs     sql.NullString `db:"seen_urls"`
}

func (r row) subscriber() *listing.Subscriber {
	sub := &listing.Subscriber{ID: r.SubscriberID}
	if r.SeenURLs.Valid {
		sub.Seen = listing.DecodeSeenSet(r.SeenURLs.String)
	}
	return sub
}

// driverName picks the database/sql driver for a DSN.
func driverName(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

// NewSQL opens the database and makes sure the subscribers table exists.
func NewSQL(ctx context.Context, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if cfg.DSN == "" {
		cfg.DSN = "file:subscribers.db?mode=rwc"
	}
	driver := driverName(cfg.DSN)

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if driver == "sqlite" {
		// one writer; concurrent ticks queue on the lock instead of failing
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("Database ready", "driver", driver)
	return &SQLStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Load loads a subscriber by id.
func (s *SQLStore) Load(ctx context.Context, id int64) (*listing.Subscriber, error) {
	var r row
	query := s.db.Rebind("SELECT subscriber_id, seen_urls FROM subscribers WHERE subscriber_id = ?")
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return r.subscriber(), nil
}

// Save replaces the subscriber's seen-set, inserting the row if needed.
func (s *SQLStore) Save(ctx context.Context, sub *listing.Subscriber) error {
	seen := sql.NullString{}
	if len(sub.Seen) > 0 {
		seen = sql.NullString{String: sub.Seen.Encode(), Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO subscribers (subscriber_id, seen_urls) VALUES (?, ?)
		ON CONFLICT (subscriber_id) DO UPDATE SET seen_urls = excluded.seen_urls
	`)
	if _, err := s.db.ExecContext(ctx, query, sub.ID, seen); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}

	s.logger.Info("Subscriber saved", "subscriber_id", sub.ID, "seen_count", len(sub.Seen))
	return nil
}

// Create adds an empty row for id unless one already exists.
// It reports whether a row was created.
func (s *SQLStore) Create(ctx context.Context, id int64) (bool, error) {
	query := s.db.Rebind("INSERT INTO subscribers (subscriber_id) VALUES (?) ON CONFLICT (subscriber_id) DO NOTHING")
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("create subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("Subscriber created", "subscriber_id", id)
	}
	return n > 0, nil
}

// List loads every stored subscriber.
func (s *SQLStore) List(ctx context.Context) ([]*listing.Subscriber, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, "SELECT subscriber_id, seen_urls FROM subscribers ORDER BY subscriber_id"); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	subs := make([]*listing.Subscriber, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, r.subscriber())
	}
	return subs, nil
}
