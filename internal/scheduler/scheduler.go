package scheduler

import (
	"errors"
	"time"

	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/registry"
	"go.uber.org/zap"
)

// ErrNoEligiblePeer means no non-DEAD peer satisfies the task's
// capability constraint (outside the excluded set).
var ErrNoEligiblePeer = errors.New("no eligible peer")

// Weights tune the selection score:
//
//	score = Reputation·rep − Latency·normLatency − Load·normLoad
//
// Latency and load are normalized against the candidate set, so the
// weights stay comparable regardless of absolute magnitudes.
type Weights struct {
	Reputation float64
	Latency    float64
	Load       float64
}

// Scheduler picks a peer for each pending task. It holds no state of its
// own; candidate snapshot, choice, and load increment happen inside one
// registry lock acquisition.
type Scheduler struct {
	reg            *registry.Registry
	weights        Weights
	suspectPenalty float64
	log            *zap.Logger
}

func New(reg *registry.Registry, weights Weights, suspectPenalty float64, log *zap.Logger) *Scheduler {
	return &Scheduler{
		reg:            reg,
		weights:        weights,
		suspectPenalty: suspectPenalty,
		log:            log,
	}
}

// Assign selects the best eligible peer for the task, increments its
// load, and returns a PENDING assignment stamped with the attempt
// deadline. Deadline enforcement belongs to the failover engine, not
// here. Peers in exclude are skipped (next-attempt exclusion after a
// failure).
func (s *Scheduler) Assign(task *model.Task, attempt int, exclude map[string]struct{}) (*model.Assignment, error) {
	chosen, ok := s.reg.AcquireBest(task.Constraints, exclude, s.pick)
	if !ok {
		return nil, ErrNoEligiblePeer
	}

	now := time.Now()
	a := &model.Assignment{
		TaskID:   task.ID,
		PeerID:   chosen.ID,
		Attempt:  attempt,
		IssuedAt: now,
		Deadline: now.Add(task.Deadline),
		State:    model.AssignmentPending,
	}
	s.log.Debug("task assigned",
		zap.String("task_id", task.ID),
		zap.String("peer_id", chosen.ID),
		zap.Int("attempt", attempt),
		zap.Float64("reputation", chosen.Reputation))
	return a, nil
}

// pick scores the candidates and returns the winner's id. Candidates
// arrive sorted by id, so equal scores and equal load fall back to the
// lowest id deterministically.
func (s *Scheduler) pick(candidates []registry.PeerView) (string, bool) {
	maxLatency := time.Duration(0)
	maxLoad := 0
	for _, c := range candidates {
		if c.Latency > maxLatency {
			maxLatency = c.Latency
		}
		if c.Load > maxLoad {
			maxLoad = c.Load
		}
	}

	bestIdx := -1
	bestScore := 0.0
	for i, c := range candidates {
		score := s.score(c, maxLatency, maxLoad)
		if bestIdx == -1 || score > bestScore ||
			(score == bestScore && c.Load < candidates[bestIdx].Load) {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx == -1 {
		return "", false
	}
	return candidates[bestIdx].ID, true
}

func (s *Scheduler) score(c registry.PeerView, maxLatency time.Duration, maxLoad int) float64 {
	normLatency := 0.0
	if maxLatency > 0 {
		normLatency = float64(c.Latency) / float64(maxLatency)
	}
	normLoad := 0.0
	if maxLoad > 0 {
		normLoad = float64(c.Load) / float64(maxLoad)
	}

	score := s.weights.Reputation*c.Reputation -
		s.weights.Latency*normLatency -
		s.weights.Load*normLoad

	// SUSPECT peers stay eligible but lose ties against healthy ones.
	if c.Health == model.HealthSuspect {
		score -= s.suspectPenalty
	}
	return score
}
