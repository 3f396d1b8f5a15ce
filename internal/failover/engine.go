package failover

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hivegrid/coordinator/internal/metrics"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/registry"
	"github.com/hivegrid/coordinator/internal/scheduler"
	"go.uber.org/zap"
)

var (
	ErrDuplicateTask = errors.New("task already submitted")
	ErrUnknownTask   = errors.New("unknown task")

	// ErrStaleResult marks a result that no longer matches a PENDING
	// assignment. Never surfaced to requesters; the caller logs and drops.
	ErrStaleResult = errors.New("stale result")
)

// Dispatcher pushes assignments out to peers. Implemented by the ws hub.
type Dispatcher interface {
	DispatchAssignment(peerID string, task *model.Task, a *model.Assignment) error
	RevokeAssignment(peerID, taskID, reason string)
}

// Sink receives every terminal outcome exactly once. Implemented by the
// result aggregator.
type Sink interface {
	DeliverOutcome(o *model.Outcome)
}

// Config tunes retry and reputation policy.
type Config struct {
	MaxAttempts       int
	SweepTick         time.Duration
	ReputationReward  float64 // applied on success
	ReputationPenalty float64 // applied on timeout/failure; larger than the reward
}

// taskEntry tracks one live task. At most one assignment is PENDING for
// it at any instant (single-flight).
type taskEntry struct {
	task     *model.Task
	attempts int
	current  *model.Assignment
}

// Engine owns the in-flight task and assignment tables and drives the
// per-assignment state machine: PENDING → COMPLETED, or PENDING →
// TIMED_OUT/FAILED → requeue or terminal failure. Deadline expiry is
// detected by its own sweep tick; the submission path never blocks on a
// peer.
type Engine struct {
	mu    sync.Mutex
	tasks map[string]*taskEntry

	reg        *registry.Registry
	sched      *scheduler.Scheduler
	dispatcher Dispatcher
	sink       Sink
	cfg        Config
	met        *metrics.Metrics
	log        *zap.Logger
}

func New(reg *registry.Registry, sched *scheduler.Scheduler, cfg Config, met *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		tasks: make(map[string]*taskEntry),
		reg:   reg,
		sched: sched,
		cfg:   cfg,
		met:   met,
		log:   log,
	}
}

// SetDispatcher and SetSink break the construction cycle with the hub
// and the aggregator; both must be called before Submit.
func (e *Engine) SetDispatcher(d Dispatcher) { e.dispatcher = d }
func (e *Engine) SetSink(s Sink)             { e.sink = s }

// Start runs the deadline sweep until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepTick)
	defer ticker.Stop()

	e.log.Info("failover sweep started", zap.Duration("tick", e.cfg.SweepTick))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("failover sweep stopped")
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// Submit registers the task and schedules its first attempt. A task that
// finds zero eligible peers fails immediately with NO_ELIGIBLE_PEER
// through the sink; it never waits for a deadline.
func (e *Engine) Submit(task *model.Task) error {
	e.mu.Lock()
	if _, exists := e.tasks[task.ID]; exists {
		e.mu.Unlock()
		return ErrDuplicateTask
	}

	entry := &taskEntry{task: task}
	a, err := e.sched.Assign(task, 1, nil)
	if err != nil {
		e.mu.Unlock()
		e.met.TasksFailed.WithLabelValues(string(model.ReasonNoEligiblePeer)).Inc()
		e.log.Warn("no eligible peer at submission", zap.String("task_id", task.ID))
		e.sink.DeliverOutcome(e.failureOutcome(entry, model.ReasonNoEligiblePeer))
		return nil
	}
	entry.attempts = 1
	entry.current = a
	e.tasks[task.ID] = entry
	e.met.PendingTasks.Set(float64(len(e.tasks)))
	e.mu.Unlock()

	e.met.AssignmentsTotal.Inc()
	e.dispatch(task, a)
	return nil
}

// HandleResult applies a peer's report for the task's current attempt.
// Anything that does not bind exactly (peer_id, task_id) to the PENDING
// assignment is stale: evicted peers, superseded attempts, cancelled or
// already-finished tasks all land here and are discarded without side
// effects.
func (e *Engine) HandleResult(rec *model.ResultRecord) error {
	e.mu.Lock()
	entry, ok := e.tasks[rec.TaskID]
	if !ok || entry.current == nil ||
		entry.current.State != model.AssignmentPending ||
		entry.current.PeerID != rec.PeerID {
		e.mu.Unlock()
		return ErrStaleResult
	}

	if !rec.Success {
		a := entry.current
		e.mu.Unlock()
		e.failAttempt(a.PeerID, rec.TaskID, model.AssignmentFailed, rec.Error)
		return nil
	}

	a := entry.current
	a.State = model.AssignmentCompleted
	latency := rec.Latency
	if latency <= 0 {
		latency = time.Since(a.IssuedAt)
	}
	delete(e.tasks, rec.TaskID)
	e.met.PendingTasks.Set(float64(len(e.tasks)))
	outcome := &model.Outcome{
		TaskID:   rec.TaskID,
		StreamID: entry.task.StreamID,
		Seq:      entry.task.Seq,
		Success:  true,
		Payload:  rec.Payload,
		PeerID:   rec.PeerID,
		Attempts: entry.attempts,
		Latency:  latency,
	}
	submittedAt := entry.task.SubmittedAt
	e.mu.Unlock()

	e.reg.ReleaseLoad(rec.PeerID)
	e.reg.AdjustReputation(rec.PeerID, e.cfg.ReputationReward)
	e.reg.ObserveLatency(rec.PeerID, latency)
	e.met.TasksCompleted.Inc()
	e.met.TaskDuration.Observe(time.Since(submittedAt).Seconds())
	e.sink.DeliverOutcome(outcome)
	return nil
}

// Cancel ends a task on requester demand. Race-safe against an in-flight
// attempt: once the entry is gone, a late result is stale by definition.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	entry, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTask
	}
	var revokePeer string
	if entry.current != nil && entry.current.State == model.AssignmentPending {
		entry.current.State = model.AssignmentFailed
		revokePeer = entry.current.PeerID
	}
	delete(e.tasks, taskID)
	e.met.PendingTasks.Set(float64(len(e.tasks)))
	outcome := e.failureOutcome(entry, model.ReasonCancelled)
	e.mu.Unlock()

	if revokePeer != "" {
		e.reg.ReleaseLoad(revokePeer)
		e.dispatcher.RevokeAssignment(revokePeer, taskID, "cancelled")
	}
	e.met.TasksFailed.WithLabelValues(string(model.ReasonCancelled)).Inc()
	e.log.Info("task cancelled", zap.String("task_id", taskID))
	e.sink.DeliverOutcome(outcome)
	return nil
}

// HandlePeerDeath fails every PENDING assignment held by a peer the
// health monitor just marked DEAD.
func (e *Engine) HandlePeerDeath(peerID string) {
	e.mu.Lock()
	var held []string
	for id, entry := range e.tasks {
		if entry.current != nil &&
			entry.current.State == model.AssignmentPending &&
			entry.current.PeerID == peerID {
			held = append(held, id)
		}
	}
	e.mu.Unlock()

	for _, taskID := range held {
		e.log.Warn("requeueing assignment of dead peer",
			zap.String("peer_id", peerID),
			zap.String("task_id", taskID))
		e.failAttempt(peerID, taskID, model.AssignmentTimedOut, "peer dead")
	}
}

// Status returns a snapshot of a live task.
func (e *Engine) Status(taskID string) (model.TaskStatusResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.tasks[taskID]
	if !ok {
		return model.TaskStatusResponse{}, false
	}
	st := model.TaskStatusResponse{
		TaskID:   taskID,
		State:    string(model.AssignmentPending),
		Attempts: entry.attempts,
	}
	if entry.current != nil {
		st.PeerID = entry.current.PeerID
	}
	return st, true
}

// PendingCount reports the number of live tasks.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// sweep fails every PENDING assignment whose deadline has passed. Runs
// on the engine tick; the now parameter keeps it testable.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	type expired struct{ peerID, taskID string }
	var hits []expired
	for id, entry := range e.tasks {
		if entry.current != nil &&
			entry.current.State == model.AssignmentPending &&
			now.After(entry.current.Deadline) {
			hits = append(hits, expired{entry.current.PeerID, id})
		}
	}
	e.mu.Unlock()

	for _, h := range hits {
		e.log.Warn("assignment deadline expired",
			zap.String("task_id", h.taskID),
			zap.String("peer_id", h.peerID))
		e.failAttempt(h.peerID, h.taskID, model.AssignmentTimedOut, "deadline expired")
	}
}

// failAttempt terminates one attempt (timeout or explicit failure),
// penalizes the peer, and either requeues the task — excluding the
// just-failed peer for the next attempt only — or reaches a terminal
// failure when attempts are exhausted or no other peer is eligible.
func (e *Engine) failAttempt(peerID, taskID string, terminal model.AssignmentState, cause string) {
	e.mu.Lock()
	entry, ok := e.tasks[taskID]
	if !ok || entry.current == nil ||
		entry.current.State != model.AssignmentPending ||
		entry.current.PeerID != peerID {
		// Lost the race against a result or a cancel. Nothing to do.
		e.mu.Unlock()
		return
	}
	entry.current.State = terminal

	var (
		outcome *model.Outcome
		reason  model.FailReason
		next    *model.Assignment
	)
	if entry.attempts >= e.cfg.MaxAttempts {
		reason = model.ReasonAttemptsExhausted
	} else {
		exclude := map[string]struct{}{peerID: {}}
		a, err := e.sched.Assign(entry.task, entry.attempts+1, exclude)
		if err != nil {
			reason = model.ReasonNoEligiblePeer
		} else {
			entry.attempts++
			entry.current = a
			next = a
		}
	}
	if reason != "" {
		delete(e.tasks, taskID)
		outcome = e.failureOutcome(entry, reason)
	}
	e.met.PendingTasks.Set(float64(len(e.tasks)))
	task := entry.task
	e.mu.Unlock()

	e.reg.ReleaseLoad(peerID)
	e.reg.AdjustReputation(peerID, -e.cfg.ReputationPenalty)
	if terminal == model.AssignmentTimedOut {
		e.dispatcher.RevokeAssignment(peerID, taskID, cause)
	}

	if next != nil {
		e.met.FailoversTotal.Inc()
		e.met.AssignmentsTotal.Inc()
		e.log.Info("attempt failed, requeued",
			zap.String("task_id", taskID),
			zap.String("failed_peer", peerID),
			zap.String("next_peer", next.PeerID),
			zap.Int("attempt", next.Attempt),
			zap.String("cause", cause))
		e.dispatch(task, next)
		return
	}

	e.met.TasksFailed.WithLabelValues(string(reason)).Inc()
	e.log.Warn("task failed permanently",
		zap.String("task_id", taskID),
		zap.String("reason", string(reason)),
		zap.String("cause", cause))
	e.sink.DeliverOutcome(outcome)
}

// dispatch pushes the attempt to the peer. A push that cannot reach the
// peer at all counts as an immediate attempt failure.
func (e *Engine) dispatch(task *model.Task, a *model.Assignment) {
	if err := e.dispatcher.DispatchAssignment(a.PeerID, task, a); err != nil {
		e.log.Warn("dispatch failed",
			zap.String("task_id", task.ID),
			zap.String("peer_id", a.PeerID),
			zap.Error(err))
		e.failAttempt(a.PeerID, task.ID, model.AssignmentFailed, "dispatch failed")
	}
}

// failureOutcome builds the terminal outcome for a task entry. Caller
// holds the lock or exclusive ownership of the entry.
func (e *Engine) failureOutcome(entry *taskEntry, reason model.FailReason) *model.Outcome {
	return &model.Outcome{
		TaskID:   entry.task.ID,
		StreamID: entry.task.StreamID,
		Seq:      entry.task.Seq,
		Success:  false,
		Reason:   reason,
		Attempts: entry.attempts,
	}
}
