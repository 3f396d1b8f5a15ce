package store

import (
	"time"

	"github.com/hivegrid/coordinator/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides SQL persistence via GORM. Writes are asynchronous so
// the brokering path never waits on the database.
type Store struct {
	db    *gorm.DB
	logCh chan func()
	done  chan struct{}
	log   *zap.Logger
}

// NewStore opens the database through the given dialector (postgres in
// production, sqlite in tests), auto-migrates schemas, and starts the
// background write worker.
func NewStore(dialector gorm.Dialector, zlog *zap.Logger) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(
		&model.TaskLog{},
		&model.PeerEvent{},
	); err != nil {
		return nil, err
	}

	s := &Store{
		db:    db,
		logCh: make(chan func(), 1024),
		done:  make(chan struct{}),
		log:   zlog,
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	for fn := range s.logCh {
		fn()
	}
	close(s.done)
}

// Close drains pending writes and stops the worker.
func (s *Store) Close() {
	close(s.logCh)
	<-s.done
}

// DB returns the underlying GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

// LogTaskCreated records a freshly submitted task.
func (s *Store) LogTaskCreated(task *model.Task) {
	row := model.TaskLog{
		TaskID:      task.ID,
		Requester:   task.Requester,
		TaskType:    task.Type,
		StreamID:    task.StreamID,
		Status:      string(model.AssignmentPending),
		SubmittedAt: task.SubmittedAt,
	}
	s.logCh <- func() {
		if err := s.db.Create(&row).Error; err != nil {
			s.log.Error("log task created", zap.String("task_id", row.TaskID), zap.Error(err))
		}
	}
}

// LogTaskFinished closes out the task's row with its terminal outcome.
func (s *Store) LogTaskFinished(o *model.Outcome) {
	taskID := o.TaskID
	status := string(model.AssignmentCompleted)
	if !o.Success {
		status = string(model.AssignmentFailed)
	}
	reason := string(o.Reason)
	peerID := o.PeerID
	attempts := o.Attempts
	latencyMs := o.Latency.Milliseconds()

	s.logCh <- func() {
		now := time.Now()
		err := s.db.Model(&model.TaskLog{}).
			Where("task_id = ?", taskID).
			Updates(map[string]interface{}{
				"status":      status,
				"reason":      reason,
				"peer_id":     peerID,
				"attempts":    attempts,
				"latency_ms":  latencyMs,
				"finished_at": &now,
			}).Error
		if err != nil {
			s.log.Error("log task finished", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// LogPeerEvent archives a registry lifecycle event.
func (s *Store) LogPeerEvent(peerID, event, detail string) {
	row := model.PeerEvent{
		PeerID:    peerID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	s.logCh <- func() {
		if err := s.db.Create(&row).Error; err != nil {
			s.log.Error("log peer event", zap.String("peer_id", peerID), zap.Error(err))
		}
	}
}
