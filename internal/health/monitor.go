package health

import (
	"context"
	"time"

	"github.com/hivegrid/coordinator/internal/registry"
	"go.uber.org/zap"
)

// Config sets the liveness thresholds. SuspectAfter < DeadAfter.
type Config struct {
	Tick         time.Duration
	SuspectAfter time.Duration
	DeadAfter    time.Duration
	EvictAfter   time.Duration // grace before DEAD records are dropped
}

// Monitor evaluates heartbeat freshness on a fixed tick, independent of
// message arrival. It drives ACTIVE→SUSPECT→DEAD, hands dead peers to
// the failover engine, and evicts DEAD records after a grace period.
// All callbacks run after the registry lock is released.
type Monitor struct {
	reg     *registry.Registry
	cfg     Config
	onDead  func(peerID string)
	onEvent func(peerID, event string)
	log     *zap.Logger
}

// New creates a monitor. onDead is invoked once per peer on the
// transition to DEAD; onEvent archives state changes (suspect, dead,
// evicted) and may be nil.
func New(reg *registry.Registry, cfg Config, onDead func(string), onEvent func(peerID, event string), log *zap.Logger) *Monitor {
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Monitor{
		reg:     reg,
		cfg:     cfg,
		onDead:  onDead,
		onEvent: onEvent,
		log:     log,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	m.log.Info("health monitor started",
		zap.Duration("tick", m.cfg.Tick),
		zap.Duration("suspect_after", m.cfg.SuspectAfter),
		zap.Duration("dead_after", m.cfg.DeadAfter))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.Tick(time.Now())
		}
	}
}

// Tick runs one evaluation pass against the supplied clock reading.
func (m *Monitor) Tick(now time.Time) {
	suspect, dead := m.reg.Sweep(now, m.cfg.SuspectAfter, m.cfg.DeadAfter)

	for _, id := range suspect {
		m.log.Warn("peer suspect", zap.String("peer_id", id))
		m.onEvent(id, "suspect")
	}
	for _, id := range dead {
		m.log.Warn("peer dead", zap.String("peer_id", id))
		m.onEvent(id, "dead")
		// Requeue whatever the dead peer was holding.
		m.onDead(id)
	}

	for _, id := range m.reg.EvictExpired(now, m.cfg.EvictAfter) {
		m.log.Info("dead peer evicted", zap.String("peer_id", id))
		m.onEvent(id, "evicted")
	}
}
