package aggregator

import (
	"errors"
	"sync"
	"time"

	"github.com/hivegrid/coordinator/internal/failover"
	"github.com/hivegrid/coordinator/internal/metrics"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/store"
	"go.uber.org/zap"
)

// ErrStreamBackpressure means the stream's reorder window is full; the
// requester must drain results before submitting more.
var ErrStreamBackpressure = errors.New("stream buffer full")

// stream is one requester-ordered sequence of tasks. Results release
// strictly in submission order: a later outcome waits in pending until
// every earlier seq has resolved. A nil pending entry marks an
// abandoned slot (enrolled, then rejected before the engine took the
// task); it releases silently.
type stream struct {
	nextSeq     uint64 // next sequence number to hand out
	nextRelease uint64 // lowest sequence not yet released
	pending     map[uint64]*model.Outcome
	subs        []chan *model.Outcome
}

// flushLocked pops consecutively resolved slots starting at
// nextRelease. Abandoned slots advance the cursor without producing an
// outcome. Caller holds smu.
func (st *stream) flushLocked() []*model.Outcome {
	var release []*model.Outcome
	for {
		next, ok := st.pending[st.nextRelease]
		if !ok {
			return release
		}
		delete(st.pending, st.nextRelease)
		st.nextRelease++
		if next != nil {
			release = append(release, next)
		}
	}
}

// Aggregator matches peer results to pending assignments, applies them
// idempotently through the failover engine, and releases outcomes to
// requesters — directly for one-shot waiters, in submission order for
// streams.
type Aggregator struct {
	engine *failover.Engine
	store  *store.Store // nil in tests
	depth  int
	met    *metrics.Metrics
	log    *zap.Logger

	wmu     sync.Mutex
	waiters map[string][]chan *model.Outcome

	smu     sync.Mutex
	streams map[string]*stream
}

func New(engine *failover.Engine, st *store.Store, depth int, met *metrics.Metrics, log *zap.Logger) *Aggregator {
	return &Aggregator{
		engine:  engine,
		store:   st,
		depth:   depth,
		met:     met,
		log:     log,
		waiters: make(map[string][]chan *model.Outcome),
		streams: make(map[string]*stream),
	}
}

// ─────────────────────────────────────────────
// Result intake (peer → coordinator)
// ─────────────────────────────────────────────

// AcceptResult forwards a peer report to the failover engine. A report
// with no matching PENDING assignment for (peer_id, task_id) is stale —
// logged, counted, discarded, no side effects.
func (a *Aggregator) AcceptResult(peerID, taskID, payload string, latency time.Duration, success bool, errMsg string) error {
	rec := &model.ResultRecord{
		TaskID:  taskID,
		PeerID:  peerID,
		Payload: payload,
		Latency: latency,
		Success: success,
		Error:   errMsg,
	}
	if err := a.engine.HandleResult(rec); err != nil {
		if errors.Is(err, failover.ErrStaleResult) {
			a.met.StaleResults.Inc()
			a.log.Info("stale result discarded",
				zap.String("task_id", taskID),
				zap.String("peer_id", peerID))
		}
		return err
	}
	return nil
}

// ─────────────────────────────────────────────
// Outcome delivery (failover.Sink)
// ─────────────────────────────────────────────

// DeliverOutcome receives each terminal outcome exactly once, archives
// it, wakes one-shot waiters, and feeds the stream reorder buffer.
func (a *Aggregator) DeliverOutcome(o *model.Outcome) {
	if a.store != nil {
		a.store.LogTaskFinished(o)
	}
	a.notify(o.TaskID, o)

	if o.StreamID == "" {
		return
	}

	a.smu.Lock()
	st, ok := a.streams[o.StreamID]
	if !ok {
		a.smu.Unlock()
		a.log.Warn("outcome for unknown stream dropped",
			zap.String("stream_id", o.StreamID),
			zap.String("task_id", o.TaskID))
		return
	}
	st.pending[o.Seq] = o
	release := st.flushLocked()
	subs := make([]chan *model.Outcome, len(st.subs))
	copy(subs, st.subs)
	a.dropDrainedLocked(o.StreamID, st)
	a.smu.Unlock()

	a.fanout(o.StreamID, release, subs)
}

// Abandon resolves a reserved slot whose submission was rejected after
// enrolling, so later sequences are not withheld behind it and its
// backpressure budget returns once the cursor passes it.
func (a *Aggregator) Abandon(streamID string, seq uint64) {
	a.smu.Lock()
	st, ok := a.streams[streamID]
	if !ok {
		a.smu.Unlock()
		return
	}
	st.pending[seq] = nil
	release := st.flushLocked()
	subs := make([]chan *model.Outcome, len(st.subs))
	copy(subs, st.subs)
	a.dropDrainedLocked(streamID, st)
	a.smu.Unlock()

	a.fanout(streamID, release, subs)
}

func (a *Aggregator) fanout(streamID string, release []*model.Outcome, subs []chan *model.Outcome) {
	for _, out := range release {
		for _, ch := range subs {
			select {
			case ch <- out:
			default:
				a.log.Warn("stream subscriber buffer full, dropping",
					zap.String("stream_id", streamID),
					zap.String("task_id", out.TaskID))
			}
		}
	}
}

// dropDrainedLocked evicts a fully released stream nobody listens to,
// so long-lived coordinators do not hold one entry per stream ever
// used. Caller holds smu.
func (a *Aggregator) dropDrainedLocked(streamID string, st *stream) {
	if st.nextRelease == st.nextSeq && len(st.pending) == 0 && len(st.subs) == 0 {
		delete(a.streams, streamID)
	}
}

// ─────────────────────────────────────────────
// Ordered streams
// ─────────────────────────────────────────────

// Enroll reserves the next sequence slot in the stream. Fails with
// ErrStreamBackpressure when the reorder window is at capacity instead
// of growing unboundedly.
func (a *Aggregator) Enroll(streamID string) (uint64, error) {
	a.smu.Lock()
	defer a.smu.Unlock()

	st, ok := a.streams[streamID]
	if !ok {
		st = &stream{pending: make(map[uint64]*model.Outcome)}
		a.streams[streamID] = st
	}
	if st.nextSeq-st.nextRelease >= uint64(a.depth) {
		return 0, ErrStreamBackpressure
	}
	seq := st.nextSeq
	st.nextSeq++
	return seq, nil
}

// Subscribe attaches a consumer channel to the stream's ordered output.
func (a *Aggregator) Subscribe(streamID string) <-chan *model.Outcome {
	ch := make(chan *model.Outcome, a.depth)

	a.smu.Lock()
	defer a.smu.Unlock()

	st, ok := a.streams[streamID]
	if !ok {
		st = &stream{pending: make(map[uint64]*model.Outcome)}
		a.streams[streamID] = st
	}
	st.subs = append(st.subs, ch)
	return ch
}

// Unsubscribe detaches a consumer. Stream state survives reconnects
// while work is still unresolved; a drained stream with no consumers
// left is dropped.
func (a *Aggregator) Unsubscribe(streamID string, ch <-chan *model.Outcome) {
	a.smu.Lock()
	defer a.smu.Unlock()

	st, ok := a.streams[streamID]
	if !ok {
		return
	}
	for i, c := range st.subs {
		if c == ch {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			break
		}
	}
	a.dropDrainedLocked(streamID, st)
}

// ─────────────────────────────────────────────
// Result Waiter: async engine → sync HTTP bridge
// ─────────────────────────────────────────────

// Register creates a one-shot channel that receives the task's terminal
// outcome.
func (a *Aggregator) Register(taskID string) <-chan *model.Outcome {
	ch := make(chan *model.Outcome, 1)
	a.wmu.Lock()
	a.waiters[taskID] = append(a.waiters[taskID], ch)
	a.wmu.Unlock()
	return ch
}

// Unregister removes a waiter channel; prevents leaks when requests time
// out or are cancelled.
func (a *Aggregator) Unregister(taskID string, ch <-chan *model.Outcome) {
	a.wmu.Lock()
	defer a.wmu.Unlock()

	chs := a.waiters[taskID]
	for i, c := range chs {
		if c == ch {
			a.waiters[taskID] = append(chs[:i], chs[i+1:]...)
			if len(a.waiters[taskID]) == 0 {
				delete(a.waiters, taskID)
			}
			break
		}
	}
}

func (a *Aggregator) notify(taskID string, o *model.Outcome) {
	a.wmu.Lock()
	chs := a.waiters[taskID]
	delete(a.waiters, taskID)
	a.wmu.Unlock()

	for _, ch := range chs {
		select {
		case ch <- o:
		default:
		}
	}
}
