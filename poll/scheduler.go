package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"listing-notifier/pkg/listing"
)

// Ticker runs one tick for a subscriber.
type Ticker interface {
	Tick(ctx context.Context, id int64) (Result, error)
}

// Registry creates and enumerates subscriber records.
type Registry interface {
	Create(ctx context.Context, id int64) (bool, error)
	List(ctx context.Context) ([]*listing.Subscriber, error)
}

// Scheduler owns one goroutine per armed subscriber. Each goroutine ticks on its
// own timer and on demand; ticks for one subscriber never overlap.
type Scheduler struct {
	ticker   Ticker
	registry Registry
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	kicks map[int64]chan struct{}
}

// NewScheduler creates a scheduler that ticks every armed subscriber each interval.
func NewScheduler(ticker Ticker, registry Registry, interval time.Duration, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ticker:   ticker,
		registry: registry,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		kicks:    make(map[int64]chan struct{}),
	}
}

// Arm starts the tick loop for id. It reports false if id was already armed
// or the scheduler is stopped.
func (s *Scheduler) Arm(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if _, ok := s.kicks[id]; ok {
		return false
	}

	kick := make(chan struct{}, 1)
	s.kicks[id] = kick
	s.wg.Add(1)
	go s.loop(id, kick)

	s.logger.Info("Subscriber armed", "subscriber_id", id, "interval", s.interval.String())
	return true
}

func (s *Scheduler) loop(id int64, kick <-chan struct{}) {
	defer s.wg.Done()

	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.tick(id)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.tick(id)
		case <-kick:
			s.tick(id)
		}
	}
}

func (s *Scheduler) tick(id int64) {
	start := time.Now()
	res, err := s.ticker.Tick(s.ctx, id)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("Tick aborted", "subscriber_id", id, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("Tick completed",
		"subscriber_id", id,
		"new", res.New,
		"delivered", res.Delivered,
		"committed", res.Committed,
		"duration_ms", time.Since(start).Milliseconds())
}

// Subscribe creates a record for id if needed and arms it.
// It reports whether the subscriber is new.
func (s *Scheduler) Subscribe(ctx context.Context, id int64) (bool, error) {
	created, err := s.registry.Create(ctx, id)
	if err != nil {
		return false, fmt.Errorf("create subscriber: %w", err)
	}
	s.Arm(id)
	return created, nil
}

// Restore arms every stored subscriber and returns how many were armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	subs, err := s.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}

	armed := 0
	for _, sub := range subs {
		if s.Arm(sub.ID) {
			armed++
		}
	}

	s.logger.Info("Subscribers restored", "stored", len(subs), "armed", armed)
	return armed, nil
}

// TriggerAll queues an immediate tick for every armed subscriber. A subscriber
// that already has a tick queued is not queued twice. It returns the number queued.
func (s *Scheduler) TriggerAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return 0
	}
	queued := 0
	for _, kick := range s.kicks {
		select {
		case kick <- struct{}{}:
			queued++
		default:
		}
	}
	return queued
}

// Armed returns the number of armed subscribers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kicks)
}

// Stop cancels all tick loops and waits for running ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}
