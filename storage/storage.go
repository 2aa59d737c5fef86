// Package storage handles persistence of subscribers and their seen-sets.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"listing-notifier/pkg/listing"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when no record exists for a subscriber.
var ErrNotFound = errors.New("storage: subscriber doesn't exist")

// IsNotFound checks if an error indicates a subscriber was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// record is the persisted form of a subscriber. SeenURLs is null until the first commit.
type record struct {
	SubscriberID int64   `json:"subscriber_id"`
	SeenURLs     *string `json:"seen_urls"`
}

func newRecord(sub *listing.Subscriber) record {
	r := record{SubscriberID: sub.ID}
	if len(sub.Seen) > 0 {
		raw := sub.Seen.Encode()
		r.SeenURLs = &raw
	}
	return r
}

func (r record) subscriber() *listing.Subscriber {
	sub := &listing.Subscriber{ID: r.SubscriberID}
	if r.SeenURLs != nil {
		sub.Seen = listing.DecodeSeenSet(*r.SeenURLs)
	}
	return sub
}

// Store keeps one JSON object per subscriber, on local disk or in a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath selects local storage.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SubscriberKey is the object name for a subscriber.
func SubscriberKey(id int64) string {
	return fmt.Sprintf("sub-%d.json", id)
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Save replaces the subscriber's record. A local save is written to a temporary
// file and renamed so a failed write never leaves a partial record.
func (s *Store) Save(ctx context.Context, sub *listing.Subscriber) error {
	key := SubscriberKey(sub.ID)
	s.logger.Debug("Saving subscriber", "key", key, "subscriber_id", sub.ID)

	data, err := json.MarshalIndent(newRecord(sub), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		s.logger.Info("Subscriber saved to local storage", "path", filePath, "subscriber_id", sub.ID, "seen_count", len(sub.Seen))
		return nil
	}

	err = retry.Do(
		func() error {
			return s.write(ctx, s.client.Bucket(s.bucket).Object(key), data)
		},
		s.retryOptions(ctx, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Subscriber saved", "key", key, "subscriber_id", sub.ID, "seen_count", len(sub.Seen))
	return nil
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, writeErr := w.Write(data); writeErr != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", writeErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		return fmt.Errorf("close storage writer: %w", closeErr)
	}
	return nil
}

// Create adds an empty record for id unless one already exists.
// It reports whether a record was created.
func (s *Store) Create(ctx context.Context, id int64) (bool, error) {
	key := SubscriberKey(id)
	data, err := json.MarshalIndent(record{SubscriberID: id}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal subscriber: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(filePath)
			return false, fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return false, fmt.Errorf("close local storage file: %w", err)
		}
		s.logger.Info("Subscriber created in local storage", "path", filePath, "subscriber_id", id)
		return true, nil
	}

	created := true
	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
			writeErr := s.write(ctx, obj, data)
			var apiErr *googleapi.Error
			if errors.As(writeErr, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
				created = false
				return nil
			}
			return writeErr
		},
		s.retryOptions(ctx, "create", key)...,
	)
	if err != nil {
		return false, fmt.Errorf("create after retries: %w", err)
	}

	if created {
		s.logger.Info("Subscriber created", "key", key, "subscriber_id", id)
	}
	return created, nil
}

// Load loads a subscriber by id.
func (s *Store) Load(ctx context.Context, id int64) (*listing.Subscriber, error) {
	return s.loadKey(ctx, SubscriberKey(id))
}

func (s *Store) loadKey(ctx context.Context, key string) (*listing.Subscriber, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		notFound := false
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "load", key)...,
		)
		if notFound {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return r.subscriber(), nil
}

// List loads every stored subscriber. Unreadable records are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*listing.Subscriber, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isSubscriberKey(entry.Name()) {
				continue
			}
			keys = append(keys, entry.Name())
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: "sub-"})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			if isSubscriberKey(attrs.Name) {
				keys = append(keys, attrs.Name)
			}
		}
	}

	subs := make([]*listing.Subscriber, 0, len(keys))
	for _, key := range keys {
		sub, err := s.loadKey(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", key, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func isSubscriberKey(name string) bool {
	return strings.HasPrefix(name, "sub-") && strings.HasSuffix(name, ".json")
}
