package model

import (
	"time"
)

// ─────────────────────────────────────────────
// Peer Health State Machine
// ─────────────────────────────────────────────

type HealthState string

const (
	HealthActive  HealthState = "ACTIVE"
	HealthSuspect HealthState = "SUSPECT"
	HealthDead    HealthState = "DEAD"
)

// ─────────────────────────────────────────────
// Assignment State Machine
// ─────────────────────────────────────────────

type AssignmentState string

const (
	AssignmentPending   AssignmentState = "PENDING"
	AssignmentCompleted AssignmentState = "COMPLETED"
	AssignmentTimedOut  AssignmentState = "TIMED_OUT"
	AssignmentFailed    AssignmentState = "FAILED"
)

// FailReason is a terminal failure reason surfaced to requesters.
type FailReason string

const (
	ReasonNoEligiblePeer    FailReason = "NO_ELIGIBLE_PEER"
	ReasonAttemptsExhausted FailReason = "ATTEMPTS_EXHAUSTED"
	ReasonCancelled         FailReason = "CANCELLED"
)

// ─────────────────────────────────────────────
// Core Domain Models
// ─────────────────────────────────────────────

// CapabilitySet is a peer's declared capability tags (e.g. cpu, gpu, mem).
type CapabilitySet []string

// Satisfies reports whether the set covers every required capability.
func (s CapabilitySet) Satisfies(required CapabilitySet) bool {
	for _, want := range required {
		found := false
		for _, have := range s {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Task is one unit of brokered work. The payload is opaque to the
// coordinator; PayloadRef points the assigned peer at it.
type Task struct {
	ID          string        `json:"id"`
	Requester   string        `json:"requester"`
	Type        string        `json:"type"`
	PayloadRef  string        `json:"payload_ref"`
	Deadline    time.Duration `json:"deadline_ms"`
	Constraints CapabilitySet `json:"constraints,omitempty"`
	StreamID    string        `json:"stream_id,omitempty"`
	Seq         uint64        `json:"seq,omitempty"` // position within StreamID
	DedupeKey   string        `json:"dedupe_key,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// Assignment binds one Task to one peer for one attempt.
type Assignment struct {
	TaskID   string          `json:"task_id"`
	PeerID   string          `json:"peer_id"`
	Attempt  int             `json:"attempt"`
	IssuedAt time.Time       `json:"issued_at"`
	Deadline time.Time       `json:"deadline"`
	State    AssignmentState `json:"state"`
}

// ResultRecord is a peer's report for one attempt; consumed by the
// aggregator and discarded.
type ResultRecord struct {
	TaskID  string        `json:"task_id"`
	PeerID  string        `json:"peer_id"`
	Payload string        `json:"payload,omitempty"`
	Latency time.Duration `json:"latency"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
}

// Outcome is the terminal result of a task as delivered to its requester.
type Outcome struct {
	TaskID   string        `json:"task_id"`
	StreamID string        `json:"stream_id,omitempty"`
	Seq      uint64        `json:"seq,omitempty"`
	Success  bool          `json:"success"`
	Payload  string        `json:"payload,omitempty"`
	Reason   FailReason    `json:"reason,omitempty"`
	PeerID   string        `json:"peer_id,omitempty"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"-"`
}

// ─────────────────────────────────────────────
// Redis Keys (result cache / request collapsing)
// ─────────────────────────────────────────────

// ResultKey builds the cached-result key: "result:{Requester}:{DedupeKey}"
func ResultKey(requester, dedupeKey string) string {
	return "result:" + requester + ":" + dedupeKey
}

// InflightKey builds the request collapsing key: "inflight:{Requester}:{DedupeKey}"
func InflightKey(requester, dedupeKey string) string {
	return "inflight:" + requester + ":" + dedupeKey
}

// ─────────────────────────────────────────────
// WebSocket Protocol Messages
// ─────────────────────────────────────────────

type MsgType string

const (
	// Peer → Coordinator
	MsgTypeRegisterPeer MsgType = "REGISTER_PEER"
	MsgTypeHeartbeat    MsgType = "HEARTBEAT"
	MsgTypeTaskResult   MsgType = "TASK_RESULT"

	// Coordinator → Peer
	MsgTypeRegistrationAck MsgType = "REGISTRATION_ACK"
	MsgTypeTaskAssignment  MsgType = "TASK_ASSIGNMENT"
	MsgTypeTaskRevoked     MsgType = "TASK_REVOKED"

	// Requester → Coordinator
	MsgTypeTaskRequest MsgType = "TASK_REQUEST"

	// Coordinator → Requester
	MsgTypeTaskCompleted MsgType = "TASK_COMPLETED"
	MsgTypeTaskFailed    MsgType = "TASK_FAILED"

	// Either direction
	MsgTypeError MsgType = "ERROR"
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type    MsgType     `json:"type"`
	Payload interface{} `json:"payload"`
}

// RegisterPeer announces a peer and its capabilities. Must be the first
// message on a peer channel.
type RegisterPeer struct {
	PeerID       string        `json:"peer_id"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// RegistrationAck confirms or rejects a registration.
type RegistrationAck struct {
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
}

// Heartbeat refreshes peer liveness and reports current load.
type Heartbeat struct {
	PeerID string `json:"peer_id"`
	Load   int    `json:"load"`
}

// TaskAssignment pushes one attempt to the selected peer.
type TaskAssignment struct {
	TaskID     string        `json:"task_id"`
	TaskType   string        `json:"task_type"`
	PayloadRef string        `json:"payload_ref"`
	DeadlineMs int64         `json:"deadline_ms"`
	Attempt    int           `json:"attempt"`
	Required   CapabilitySet `json:"required,omitempty"`
}

// TaskRevoked tells a peer its in-flight attempt is no longer wanted
// (timed out, cancelled, or superseded). Best effort.
type TaskRevoked struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskResultReport is a peer's completion report for one attempt.
type TaskResultReport struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	ExecMs  int64  `json:"exec_ms,omitempty"`
}

// ErrorMsg reports a protocol-level problem on either channel.
type ErrorMsg struct {
	Message string `json:"message"`
}

// TaskRequest is a requester submission over the stream channel.
type TaskRequest struct {
	TaskID      string        `json:"task_id,omitempty"`
	TaskType    string        `json:"task_type"`
	PayloadRef  string        `json:"payload_ref"`
	DeadlineMs  int64         `json:"deadline_ms,omitempty"`
	Constraints CapabilitySet `json:"constraints,omitempty"`
	DedupeKey   string        `json:"dedupe_key,omitempty"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write)
// ─────────────────────────────────────────────

// TaskLog records every task lifecycle (one row per task).
type TaskLog struct {
	TaskID      string     `gorm:"primaryKey" json:"task_id"`
	Requester   string     `gorm:"index" json:"requester"`
	TaskType    string     `json:"task_type"`
	StreamID    string     `json:"stream_id"`
	Status      string     `json:"status"`
	PeerID      string     `json:"peer_id"`
	Attempts    int        `json:"attempts"`
	Reason      string     `json:"reason"`
	LatencyMs   int64      `json:"latency_ms"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// PeerEvent archives registry lifecycle events (registered, suspect,
// dead, evicted, unregistered).
type PeerEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PeerID    string    `gorm:"index" json:"peer_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// SubmitTaskRequest is the inbound API request. Requester identity comes
// from the X-Requester-ID header, not the body.
type SubmitTaskRequest struct {
	TaskID      string        `json:"task_id"` // optional, generated when empty
	TaskType    string        `json:"task_type" binding:"required"`
	PayloadRef  string        `json:"payload_ref"`
	DeadlineMs  int64         `json:"deadline_ms"`
	Constraints CapabilitySet `json:"constraints"`
	StreamID    string        `json:"stream_id"`
	DedupeKey   string        `json:"dedupe_key"`
}

// SubmitTaskResponse is the outbound API response.
type SubmitTaskResponse struct {
	TaskID   string     `json:"task_id"`
	Status   string     `json:"status"` // completed | failed | timeout
	Cached   bool       `json:"cached,omitempty"`
	Payload  string     `json:"payload,omitempty"`
	Reason   FailReason `json:"reason,omitempty"`
	PeerID   string     `json:"peer_id,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
}

// TaskStatusResponse is the snapshot returned by GET /tasks/:id.
type TaskStatusResponse struct {
	TaskID   string `json:"task_id"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	PeerID   string `json:"peer_id,omitempty"`
}
