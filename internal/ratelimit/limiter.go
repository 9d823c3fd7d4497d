// Package ratelimit covers C7: the per-connection sliding message counter
// and the liveness sweep that reclaims zombie connections. The counter
// itself is delegated to github.com/ulule/limiter/v3 with an in-memory
// store; liveness tracking has no equivalent library in the pack (no
// package models "time since last message"), so it stays bespoke state on
// registry.Connection plus the sweep loop below.
package ratelimit

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/mhbxyz/OpenWatchParty/internal/clock"
	"github.com/mhbxyz/OpenWatchParty/internal/logging"
	"github.com/mhbxyz/OpenWatchParty/internal/metrics"
	"github.com/mhbxyz/OpenWatchParty/internal/registry"
)

// MessageLimit and MessageWindow implement spec.md §4.5: 30 messages per
// 1000ms, per connection.
const (
	MessageLimit  = 30
	MessageWindow = time.Second
)

// ZombieCheckInterval and ZombieTimeoutMs implement the liveness sweep.
const (
	ZombieCheckInterval = 30 * time.Second
	ZombieTimeoutMs     = 60_000
)

// Limiter enforces the per-connection sliding message counter.
type Limiter struct {
	inner *limiter.Limiter
}

// New builds a Limiter backed by an in-memory store.
func New() *Limiter {
	store := memory.NewStore()
	rate := limiter.Rate{Period: MessageWindow, Limit: MessageLimit}
	return &Limiter{inner: limiter.New(store, rate)}
}

// Allow reports whether connID may send another message this window. On
// store failure it fails open, preferring availability over strict
// enforcement.
func (l *Limiter) Allow(ctx context.Context, connID string) bool {
	result, err := l.inner.Get(ctx, connID)
	if err != nil {
		logging.Warn(ctx, "rate limiter store failed, failing open")
		return true
	}
	if result.Reached {
		metrics.RateLimitedTotal.Inc()
		return false
	}
	return true
}

// Sweeper periodically scans the connection table for peers whose socket
// has gone quiet longer than ZombieTimeoutMs and hands them to onZombie.
type Sweeper struct {
	conns    *registry.ConnTable
	onZombie func(connID string)
}

// NewSweeper builds a Sweeper over conns. onZombie is invoked once per
// reclaimed connection, outside of any table lock.
func NewSweeper(conns *registry.ConnTable, onZombie func(connID string)) *Sweeper {
	return &Sweeper{conns: conns, onZombie: onZombie}
}

// Run blocks, sweeping every ZombieCheckInterval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(ZombieCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	now := clock.NowMs()
	snapshot := s.conns.Snapshot()
	var zombies []string
	for _, c := range snapshot {
		if clock.SinceMs(now, c.LastSeen()) > ZombieTimeoutMs {
			zombies = append(zombies, c.ID)
		}
	}
	for _, id := range zombies {
		metrics.ZombiesReapedTotal.Inc()
		s.onZombie(id)
	}
}
