package types

import (
	"time"
)

// Task is a unit of work submitted to the coordination plane. Tasks are
// created by the orchestrator and mutated only by the task engine.
type Task struct {
	ID          string
	Type        string
	Description string
	Priority    int // 1-10, higher is more urgent
	Tags        []string
	Metadata    map[string]string

	Timeout              time.Duration
	MaxRetries           int
	RetryCount           int
	Dependencies         []string // prerequisite task IDs, finish-to-start
	RequiredCapabilities []string

	Status        TaskStatus
	AssignedAgent string
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
	LastError     *TaskError
	Progress      int // 0-100
	Result        []byte
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
// A failed task is terminal only once its retry budget is exhausted; callers
// that care about that distinction should use Task.Terminal.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Terminal reports whether the task can make no further progress.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusCancelled:
		return true
	case TaskStatusFailed:
		return t.RetryCount >= t.MaxRetries
	}
	return false
}

// TaskError carries a structured failure cause on a task record.
type TaskError struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentProfile describes a registered agent and its runtime state.
type AgentProfile struct {
	ID                 string
	Type               string
	Capabilities       []string
	Priority           int // 1-10
	MaxConcurrentTasks int

	Status          AgentStatus
	CurrentTasks    int
	AvgTaskDuration time.Duration
	LastHeartbeat   time.Time
	RegisteredAt    time.Time
}

// AgentStatus represents the observed state of an agent
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// HasCapability reports whether the agent advertises the capability.
func (a *AgentProfile) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Message is the unit of exchange on the bus.
type Message struct {
	ID          string
	Type        string
	Sender      string
	Receivers   []string
	Content     []byte
	ContentType string
	Size        int

	Priority      MessagePriority
	Reliability   Reliability
	TTL           time.Duration
	CorrelationID string
	ReplyTo       string

	SentAt    time.Time
	ExpiresAt time.Time
	Route     []Hop
}

// Expired reports whether the message must no longer be delivered.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now)
}

// Hop records one routing step taken by a message.
type Hop struct {
	Node      string    `json:"node"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagePriority orders messages within priority queues
type MessagePriority string

const (
	PriorityLow      MessagePriority = "low"
	PriorityNormal   MessagePriority = "normal"
	PriorityHigh     MessagePriority = "high"
	PriorityCritical MessagePriority = "critical"
)

// Rank returns a comparable weight; higher ranks dequeue first.
func (p MessagePriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Reliability selects the delivery guarantee for a message
type Reliability string

const (
	ReliabilityBestEffort  Reliability = "best-effort"
	ReliabilityAtLeastOnce Reliability = "at-least-once"
	ReliabilityExactlyOnce Reliability = "exactly-once"
)

// ChannelType defines channel delivery semantics
type ChannelType string

const (
	ChannelDirect    ChannelType = "direct"
	ChannelBroadcast ChannelType = "broadcast"
	ChannelMulticast ChannelType = "multicast"
	ChannelTopic     ChannelType = "topic"
	ChannelQueue     ChannelType = "queue"
)

// AccessTier is a channel permission level
type AccessTier string

const (
	AccessRead  AccessTier = "read"
	AccessWrite AccessTier = "write"
	AccessAdmin AccessTier = "admin"
)

// AccessControl restricts channel membership and traffic.
// An empty allow-list admits everyone not banned.
type AccessControl struct {
	AllowedSenders   []string
	AllowedReceivers []string
	Banned           []string
	Tiers            map[string]AccessTier // agent id -> tier
}

// ChannelConfig describes a bus channel.
type ChannelConfig struct {
	Name    string
	Type    ChannelType
	Ordered bool // preserve per-sender order on multicast
	Access  AccessControl
}

// ChannelStats tracks per-channel traffic counters.
type ChannelStats struct {
	MessagesSent      uint64
	MessagesDelivered uint64
	MessagesDropped   uint64
	Participants      int
	LastActivity      time.Time
}

// QueueType defines queue ordering semantics
type QueueType string

const (
	QueueFIFO     QueueType = "fifo"
	QueueLIFO     QueueType = "lifo"
	QueuePriority QueueType = "priority"
	QueueDelay    QueueType = "delay"
)

// DeliveryMode defines queue consumption guarantees
type DeliveryMode string

const (
	DeliverAtMostOnce  DeliveryMode = "at-most-once"
	DeliverAtLeastOnce DeliveryMode = "at-least-once"
	DeliverExactlyOnce DeliveryMode = "exactly-once"
)

// RetryPolicy bounds redelivery attempts for a queue or the bus retry
// scheduler.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
}

// QueueConfig describes a bus queue.
type QueueConfig struct {
	Name        string
	Type        QueueType
	Capacity    int
	Persistent  bool
	Delivery    DeliveryMode
	DeadLetter  string // target dead-letter queue name
	Retry       RetryPolicy
	Subscribers []string
}

// Subscription binds an agent to a topic pattern.
type Subscription struct {
	ID          string
	Pattern     string // topic pattern, '*' wildcard per segment
	Subscriber  string
	QoS         int // 0, 1 or 2
	AckRequired bool
}

// MemoryType classifies a shared memory entry
type MemoryType string

const (
	MemoryKnowledge     MemoryType = "knowledge"
	MemoryResult        MemoryType = "result"
	MemoryState         MemoryType = "state"
	MemoryCommunication MemoryType = "communication"
	MemoryError         MemoryType = "error"
)

// ShareLevel controls cross-agent visibility of a memory entry
type ShareLevel string

const (
	SharePrivate ShareLevel = "private"
	ShareTeam    ShareLevel = "team"
	SharePublic  ShareLevel = "public"
)

// Provenance links a derived memory entry to its origin.
type Provenance struct {
	OriginalID string    `json:"original_id"`
	SharedFrom string    `json:"shared_from"`
	SharedTo   string    `json:"shared_to"`
	SharedAt   time.Time `json:"shared_at"`
}

// MemoryEntry is one tagged, typed record in the shared memory layer.
type MemoryEntry struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	Type       MemoryType        `json:"type"`
	Content    string            `json:"content"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Priority   int               `json:"priority"`
	ShareLevel ShareLevel        `json:"share_level"`
	TaskID     string            `json:"task_id,omitempty"`
	Objective  string            `json:"objective,omitempty"`
	Provenance *Provenance       `json:"provenance,omitempty"`
}

// ConflictKind names what a conflict is about
type ConflictKind string

const (
	ConflictResource ConflictKind = "resource"
	ConflictTask     ConflictKind = "task"
)

// Claim is one contender in a conflict.
type Claim struct {
	AgentID   string
	Priority  int
	Timestamp time.Time
}

// Conflict records simultaneous claims on a resource or task assignment.
type Conflict struct {
	ID        string
	Kind      ConflictKind
	TargetID  string
	Claimants []Claim
	CreatedAt time.Time
	Resolved  bool
	Winner    string
}

// Workload is the scheduler's view of one agent's load.
type Workload struct {
	AgentID         string
	TaskCount       int
	AvgTaskDuration time.Duration
	CPUEstimate     float64
	MemEstimate     float64
	Priority        int
	Capabilities    []string
	MaxConcurrent   int
}

// Load returns the normalised load fraction of the agent.
func (w *Workload) Load() float64 {
	if w.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(w.TaskCount) / float64(w.MaxConcurrent)
}

// StealOperation records one work-stealing rebalance move.
type StealOperation struct {
	TaskID    string
	FromAgent string
	ToAgent   string
	Timestamp time.Time
}

// SchedulerStats summarises scheduler-wide load distribution.
type SchedulerStats struct {
	TotalAgents       int
	OverloadedAgents  int
	UnderloadedAgents int
	SuccessfulSteals  uint64
	AvgTasksPerAgent  float64
	RecentSteals      []StealOperation
}

// TaskRecord is the flattened shape persisted by the store (see pkg/storage).
type TaskRecord struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	Priority      int    `json:"priority"`
	Dependencies  string `json:"dependencies"` // comma-joined ids
	Metadata      string `json:"metadata"`     // opaque JSON
	Progress      int    `json:"progress"`
	CreatedAt     int64  `json:"created_at"` // epoch millis
	AssignedAgent string `json:"assigned_agent,omitempty"`
}
