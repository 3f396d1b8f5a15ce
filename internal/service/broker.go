package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hivegrid/coordinator/internal/aggregator"
	"github.com/hivegrid/coordinator/internal/cache"
	"github.com/hivegrid/coordinator/internal/config"
	"github.com/hivegrid/coordinator/internal/failover"
	"github.com/hivegrid/coordinator/internal/metrics"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/store"
	"go.uber.org/zap"
)

// Service errors
var (
	ErrBackpressure = aggregator.ErrStreamBackpressure
	ErrUnknownTask  = failover.ErrUnknownTask
)

// BrokerService orchestrates the requester-facing lifecycle:
//
//	cache check → collapsing → submit → wait → return
//
// The engine, monitor, and aggregator do the brokering; this layer adds
// the dedupe cache, the persistence log, and the sync wait.
type BrokerService struct {
	engine *failover.Engine
	agg    *aggregator.Aggregator
	cache  *cache.Cache // nil when Redis is not configured
	store  *store.Store // nil in tests
	cfg    *config.Config
	met    *metrics.Metrics
	log    *zap.Logger
}

func NewBrokerService(
	engine *failover.Engine,
	agg *aggregator.Aggregator,
	c *cache.Cache,
	st *store.Store,
	cfg *config.Config,
	met *metrics.Metrics,
	log *zap.Logger,
) *BrokerService {
	return &BrokerService{
		engine: engine,
		agg:    agg,
		cache:  c,
		store:  st,
		cfg:    cfg,
		met:    met,
		log:    log,
	}
}

// Submit brokers one task and blocks until its terminal outcome, the
// wait timeout, or ctx cancellation. The task keeps running past the
// wait timeout; only the HTTP wait gives up.
func (s *BrokerService) Submit(ctx context.Context, requester string, req *model.SubmitTaskRequest) (*model.SubmitTaskResponse, error) {
	// ── Step 1: result cache (dedupe submissions only) ──
	if s.cache != nil && req.DedupeKey != "" {
		cached, err := s.cache.LookupResult(ctx, requester, req.DedupeKey)
		if err != nil {
			s.log.Warn("cache check failed, treating as miss", zap.Error(err))
		}
		if cached != nil {
			s.met.CacheHits.Inc()
			s.log.Info("cache hit",
				zap.String("requester", requester), zap.String("dedupe_key", req.DedupeKey))
			return &model.SubmitTaskResponse{
				TaskID:  req.TaskID,
				Status:  "completed",
				Cached:  true,
				Payload: cached.Payload,
				PeerID:  cached.PeerID,
			}, nil
		}
		s.met.CacheMisses.Inc()
	}

	task := s.buildTask(requester, req)

	// ── Step 2: request collapsing ──
	collapsed := false
	if s.cache != nil && req.DedupeKey != "" {
		existingID, created, err := s.cache.AcquireInflight(ctx, requester, req.DedupeKey, task.ID)
		if err != nil {
			s.log.Warn("collapsing check failed, proceeding", zap.Error(err))
		} else if !created {
			s.log.Info("collapsed into inflight task",
				zap.String("task_id", existingID), zap.String("requester", requester))
			collapsed = true
			task.ID = existingID
		}
	}

	// ── Step 3: enroll in the ordered stream, submit ──
	outcomeCh := s.agg.Register(task.ID)
	defer s.agg.Unregister(task.ID, outcomeCh)

	if !collapsed {
		enrolled := false
		if req.StreamID != "" {
			seq, err := s.agg.Enroll(req.StreamID)
			if err != nil {
				return nil, err
			}
			task.Seq = seq
			enrolled = true
		}
		if s.store != nil {
			s.store.LogTaskCreated(task)
		}
		s.met.TasksSubmitted.Inc()
		if err := s.engine.Submit(task); err != nil {
			// The reserved slot must not wedge the stream behind a task
			// the engine never took.
			if enrolled {
				s.agg.Abandon(req.StreamID, task.Seq)
			}
			return nil, err
		}
	}

	// ── Step 4: wait (async → sync bridge) ──
	select {
	case outcome := <-outcomeCh:
		return s.finish(ctx, requester, req, task, outcome, collapsed), nil

	case <-time.After(s.cfg.WaitTimeout):
		s.log.Warn("wait timeout, task still brokering", zap.String("task_id", task.ID))
		return &model.SubmitTaskResponse{TaskID: task.ID, Status: "timeout"}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAsync brokers a task without waiting; outcomes flow to stream
// subscribers and waiters. Used by the requester stream channel. Dedupe
// caching is skipped here: a cached hit would have no sequence slot to
// release in order.
func (s *BrokerService) SubmitAsync(ctx context.Context, requester string, req *model.SubmitTaskRequest) (string, error) {
	task := s.buildTask(requester, req)

	enrolled := false
	if req.StreamID != "" {
		seq, err := s.agg.Enroll(req.StreamID)
		if err != nil {
			return "", err
		}
		task.Seq = seq
		enrolled = true
	}
	if s.store != nil {
		s.store.LogTaskCreated(task)
	}
	s.met.TasksSubmitted.Inc()
	if err := s.engine.Submit(task); err != nil {
		if enrolled {
			s.agg.Abandon(req.StreamID, task.Seq)
		}
		return "", err
	}
	return task.ID, nil
}

// Cancel ends a queued or in-flight task on requester demand.
func (s *BrokerService) Cancel(taskID string) error {
	return s.engine.Cancel(taskID)
}

// Status snapshots a live task.
func (s *BrokerService) Status(taskID string) (model.TaskStatusResponse, bool) {
	return s.engine.Status(taskID)
}

func (s *BrokerService) buildTask(requester string, req *model.SubmitTaskRequest) *model.Task {
	id := req.TaskID
	if id == "" {
		id = uuid.New().String()
	}
	deadline := time.Duration(req.DeadlineMs) * time.Millisecond
	if deadline <= 0 {
		deadline = s.cfg.DefaultDeadline
	}
	return &model.Task{
		ID:          id,
		Requester:   requester,
		Type:        req.TaskType,
		PayloadRef:  req.PayloadRef,
		Deadline:    deadline,
		Constraints: req.Constraints,
		StreamID:    req.StreamID,
		DedupeKey:   req.DedupeKey,
		SubmittedAt: time.Now(),
	}
}

// finish converts an outcome into the HTTP response and settles the
// dedupe keys.
func (s *BrokerService) finish(ctx context.Context, requester string, req *model.SubmitTaskRequest, task *model.Task, outcome *model.Outcome, collapsed bool) *model.SubmitTaskResponse {
	if outcome == nil {
		return &model.SubmitTaskResponse{TaskID: task.ID, Status: "failed"}
	}

	if s.cache != nil && req.DedupeKey != "" && !collapsed {
		if outcome.Success {
			err := s.cache.StoreResult(ctx, requester, req.DedupeKey, &cache.CachedResult{
				Payload: outcome.Payload,
				PeerID:  outcome.PeerID,
			})
			if err != nil {
				s.log.Warn("store cached result", zap.Error(err))
			}
		} else {
			s.cache.ReleaseInflight(ctx, requester, req.DedupeKey)
		}
	}

	if !outcome.Success {
		return &model.SubmitTaskResponse{
			TaskID:   task.ID,
			Status:   "failed",
			Reason:   outcome.Reason,
			Attempts: outcome.Attempts,
		}
	}
	return &model.SubmitTaskResponse{
		TaskID:   task.ID,
		Status:   "completed",
		Payload:  outcome.Payload,
		PeerID:   outcome.PeerID,
		Attempts: outcome.Attempts,
	}
}

// IsBackpressure reports whether err is the stream backpressure signal.
func IsBackpressure(err error) bool {
	return errors.Is(err, aggregator.ErrStreamBackpressure)
}
