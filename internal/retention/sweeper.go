// Package retention ages out quarantined records: overdue entries move to
// EXPIRED and, after a grace window, terminal rows are deleted.
package retention

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Lifecycle is the slice of the storage layer the sweeper drives.
type Lifecycle interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
}

// Config controls sweep cadence and deletion policy.
type Config struct {
	// Interval between sweeps. Zero disables the background loop.
	Interval time.Duration
	// Grace keeps EXPIRED rows visible for audit before deletion.
	Grace time.Duration
	// InitialDelay postpones the first sweep after Start so startup work
	// settles first.
	InitialDelay time.Duration

	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Minute,
		Grace:        7 * 24 * time.Hour,
		InitialDelay: 10 * time.Second,
	}
}

// Sweeper runs the expiration lifecycle on a timer.
type Sweeper struct {
	cfg   Config
	store Lifecycle

	totalExpired atomic.Int64
	totalPurged  atomic.Int64
	lastSweep    atomic.Int64 // Unix timestamp

	running atomic.Bool
	cancel  context.CancelFunc
}

// NewSweeper builds a sweeper over the given store.
func NewSweeper(cfg Config, store Lifecycle) *Sweeper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{cfg: cfg, store: store}
}

// Start begins the background sweep loop. Non-blocking.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		log.Println("retention: background sweeps disabled (interval = 0)")
		return
	}

	if s.running.Swap(true) {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)

	log.Printf("retention: sweeps started (every %s, grace %s)", s.cfg.Interval, s.cfg.Grace)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.running.Store(false)
}

// SweepNow forces an immediate sweep cycle and returns what it did.
func (s *Sweeper) SweepNow(ctx context.Context) (expired, purged int64) {
	return s.sweep(ctx)
}

// Stats returns sweep statistics.
func (s *Sweeper) Stats() Stats {
	return Stats{
		TotalExpired: s.totalExpired.Load(),
		TotalPurged:  s.totalPurged.Load(),
		LastSweep:    time.Unix(s.lastSweep.Load(), 0).UTC(),
		Running:      s.running.Load(),
	}
}

// Stats holds sweep statistics.
type Stats struct {
	TotalExpired int64     `json:"total_expired"`
	TotalPurged  int64     `json:"total_purged"`
	LastSweep    time.Time `json:"last_sweep"`
	Running      bool      `json:"running"`
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.InitialDelay):
		}
	}
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) (int64, int64) {
	now := s.cfg.Now()

	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		log.Printf("retention: expire sweep failed: %v", err)
	}
	purged, err := s.store.PurgeExpired(ctx, now, s.cfg.Grace)
	if err != nil {
		log.Printf("retention: purge sweep failed: %v", err)
	}

	s.totalExpired.Add(expired)
	s.totalPurged.Add(purged)
	s.lastSweep.Store(now.Unix())

	if expired > 0 || purged > 0 {
		log.Printf("retention: sweep done, expired=%d purged=%d", expired, purged)
	}
	return expired, purged
}
