package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hivegrid/coordinator/internal/model"
	"go.uber.org/zap"
)

var (
	ErrDuplicateRegistration = errors.New("peer already registered")
	ErrUnknownPeer           = errors.New("unknown peer")
)

const (
	// New peers start neutral so untested peers are not starved of work.
	defaultReputation = 0.5

	// Smoothing factor for the per-peer latency EMA.
	latencyAlpha = 0.3
)

// record is the live table entry for one peer. Mutated only while the
// registry lock is held.
type record struct {
	id            string
	capabilities  model.CapabilitySet
	load          int
	reputation    float64
	latency       time.Duration // EMA over observed attempt latencies
	lastHeartbeat time.Time
	health        model.HealthState
	registeredAt  time.Time
	deadSince     time.Time
}

// PeerView is an immutable snapshot of one peer record.
type PeerView struct {
	ID            string              `json:"id"`
	Capabilities  model.CapabilitySet `json:"capabilities"`
	Load          int                 `json:"load"`
	Reputation    float64             `json:"reputation"`
	Latency       time.Duration       `json:"latency"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Health        model.HealthState   `json:"health"`
}

// Registry owns the peer table. All mutation goes through its lock;
// callers never hold references into the table.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*record
	log   *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		peers: make(map[string]*record),
		log:   log,
	}
}

// Register creates a fresh record with neutral reputation. A live
// (non-DEAD) record with the same id rejects the registration; a DEAD
// record is replaced, since re-entry requires re-registration.
func (r *Registry) Register(id string, caps model.CapabilitySet) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[id]; ok && existing.health != model.HealthDead {
		return ErrDuplicateRegistration
	}
	r.peers[id] = &record{
		id:            id,
		capabilities:  caps,
		reputation:    defaultReputation,
		lastHeartbeat: now,
		health:        model.HealthActive,
		registeredAt:  now,
	}
	r.log.Info("peer registered",
		zap.String("peer_id", id),
		zap.Strings("capabilities", caps))
	return nil
}

// Unregister removes the peer on explicit disconnect.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return ErrUnknownPeer
	}
	delete(r.peers, id)
	r.log.Info("peer unregistered", zap.String("peer_id", id))
	return nil
}

// RecordHeartbeat refreshes liveness and the reported load. It never
// touches reputation. A heartbeat clears SUSPECT back to ACTIVE; a DEAD
// peer must re-register and is treated as unknown here.
func (r *Registry) RecordHeartbeat(id string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok || rec.health == model.HealthDead {
		return ErrUnknownPeer
	}
	rec.lastHeartbeat = time.Now()
	rec.load = load
	if rec.health == model.HealthSuspect {
		rec.health = model.HealthActive
		r.log.Info("peer recovered from suspect", zap.String("peer_id", id))
	}
	return nil
}

// Reattach refreshes a live record when its peer reconnects, replacing
// the capability set with what the peer re-announced. DEAD records are
// unknown here, same as for heartbeats.
func (r *Registry) Reattach(id string, caps model.CapabilitySet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok || rec.health == model.HealthDead {
		return ErrUnknownPeer
	}
	rec.capabilities = caps
	rec.lastHeartbeat = time.Now()
	if rec.health == model.HealthSuspect {
		rec.health = model.HealthActive
	}
	r.log.Info("peer reattached",
		zap.String("peer_id", id),
		zap.Strings("capabilities", caps))
	return nil
}

// ListEligible returns snapshots of every non-DEAD peer whose
// capabilities satisfy the filter.
func (r *Registry) ListEligible(filter model.CapabilitySet) []PeerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerView, 0, len(r.peers))
	for _, rec := range r.peers {
		if rec.health == model.HealthDead {
			continue
		}
		if !rec.capabilities.Satisfies(filter) {
			continue
		}
		out = append(out, rec.view())
	}
	return out
}

// AcquireBest gathers the eligible candidates (non-DEAD, capability
// match, not excluded), asks pick to choose one, and increments the
// chosen peer's load — all under one lock acquisition, so two concurrent
// assignments can never race on the same load counter.
func (r *Registry) AcquireBest(
	filter model.CapabilitySet,
	exclude map[string]struct{},
	pick func(candidates []PeerView) (string, bool),
) (PeerView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]PeerView, 0, len(r.peers))
	for _, rec := range r.peers {
		if rec.health == model.HealthDead {
			continue
		}
		if _, skip := exclude[rec.id]; skip {
			continue
		}
		if !rec.capabilities.Satisfies(filter) {
			continue
		}
		candidates = append(candidates, rec.view())
	}
	if len(candidates) == 0 {
		return PeerView{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	id, ok := pick(candidates)
	if !ok {
		return PeerView{}, false
	}
	rec := r.peers[id]
	rec.load++
	return rec.view(), true
}

// ReleaseLoad decrements the load counter when an attempt terminates.
func (r *Registry) ReleaseLoad(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.peers[id]; ok && rec.load > 0 {
		rec.load--
	}
}

// AdjustReputation applies a bounded delta, clamped to [0,1].
func (r *Registry) AdjustReputation(id string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok {
		return
	}
	rec.reputation += delta
	if rec.reputation < 0 {
		rec.reputation = 0
	}
	if rec.reputation > 1 {
		rec.reputation = 1
	}
}

// ObserveLatency folds a measured attempt latency into the peer's EMA.
func (r *Registry) ObserveLatency(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok {
		return
	}
	if rec.latency == 0 {
		rec.latency = d
		return
	}
	rec.latency = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(rec.latency))
}

// Sweep applies heartbeat-age transitions against the supplied clock
// reading and returns the ids that moved. Transitions only move toward
// DEAD here; recovery happens solely through RecordHeartbeat.
func (r *Registry) Sweep(now time.Time, suspectAfter, deadAfter time.Duration) (newlySuspect, newlyDead []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.peers {
		if rec.health == model.HealthDead {
			continue
		}
		silence := now.Sub(rec.lastHeartbeat)
		switch {
		case silence > deadAfter:
			rec.health = model.HealthDead
			rec.deadSince = now
			newlyDead = append(newlyDead, id)
		case silence > suspectAfter && rec.health == model.HealthActive:
			rec.health = model.HealthSuspect
			newlySuspect = append(newlySuspect, id)
		}
	}
	sort.Strings(newlySuspect)
	sort.Strings(newlyDead)
	return newlySuspect, newlyDead
}

// EvictExpired drops DEAD records whose grace period has passed and
// returns their ids for archival.
func (r *Registry) EvictExpired(now time.Time, grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, rec := range r.peers {
		if rec.health == model.HealthDead && now.Sub(rec.deadSince) > grace {
			delete(r.peers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Get returns a snapshot of one peer.
func (r *Registry) Get(id string) (PeerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.peers[id]
	if !ok {
		return PeerView{}, false
	}
	return rec.view(), true
}

// Snapshot returns all records, ordered by id.
func (r *Registry) Snapshot() []PeerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerView, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live (non-DEAD) records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.peers {
		if rec.health != model.HealthDead {
			n++
		}
	}
	return n
}

func (rec *record) view() PeerView {
	return PeerView{
		ID:            rec.id,
		Capabilities:  rec.capabilities,
		Load:          rec.load,
		Reputation:    rec.reputation,
		Latency:       rec.latency,
		LastHeartbeat: rec.lastHeartbeat,
		Health:        rec.health,
	}
}
