package engine

import (
	"math/rand"
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/breaker"
	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/conflict"
	"github.com/corvid-labs/rookery/pkg/depgraph"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/scheduler"
	"github.com/corvid-labs/rookery/pkg/types"
)

const (
	dispatchInterval = 500 * time.Millisecond
	sweepEvery       = 120 // dispatch ticks between retention sweeps
)

// EventType names a task lifecycle event.
type EventType string

const (
	EventTaskCreated     EventType = "task.created"
	EventTaskQueued      EventType = "task.queued"
	EventTaskAssigned    EventType = "task.assigned"
	EventTaskStarted     EventType = "task.started"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventTaskRetried     EventType = "task.retried"
	EventTaskCancelled   EventType = "task.cancelled"
	EventTaskStolen      EventType = "task.stolen"
	EventCancelRequested EventType = "task.cancel_requested"
)

// Event is emitted on every task state change. Events for one task id are
// delivered in the order the transitions happened.
type Event struct {
	Type      EventType
	Task      types.Task
	AgentID   string
	Reason    string
	Timestamp time.Time
}

// Handler consumes engine events.
type Handler func(Event)

// Engine owns the canonical task state machine. All task mutation goes
// through it; the graph, breaker set and conflict registry are private to
// the engine worker.
type Engine struct {
	mu        sync.Mutex
	tasks     map[string]*types.Task
	graph     *depgraph.Graph
	sched     *scheduler.Scheduler
	breakers  *breaker.Set
	resolver  *conflict.Resolver
	config    config.EngineConfig
	running   int
	retryAt   map[string]time.Time
	preferred map[string]string
	rng       *rand.Rand

	handlerMu sync.RWMutex
	handlers  []Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires an engine over its collaborators. The scheduler's steal
// callback should point at Engine.Steal.
func New(cfg config.EngineConfig, sched *scheduler.Scheduler, breakers *breaker.Set, resolver *conflict.Resolver) *Engine {
	return &Engine{
		tasks:     make(map[string]*types.Task),
		graph:     depgraph.New(),
		sched:     sched,
		breakers:  breakers,
		resolver:  resolver,
		config:    cfg,
		retryAt:   make(map[string]time.Time),
		preferred: make(map[string]string),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnEvent registers a handler for task lifecycle events.
func (e *Engine) OnEvent(h Handler) {
	e.handlerMu.Lock()
	e.handlers = append(e.handlers, h)
	e.handlerMu.Unlock()
}

// Start launches the dispatch loop.
func (e *Engine) Start() {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run()
}

// Stop halts the dispatch loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			e.Dispatch()
			e.checkTimeouts()
			ticks++
			if ticks%sweepEvery == 0 {
				e.sweepRetention()
			}
		case <-e.stopCh:
			return
		}
	}
}

// Dispatch admits ready pending tasks to the queue and attempts automatic
// assignment for everything queued. Runs on the periodic tick; exposed so
// tests and the orchestrator can force a pass.
func (e *Engine) Dispatch() {
	e.mu.Lock()
	var events []Event

	now := time.Now()
	for id, t := range e.tasks {
		if t.Status != types.TaskStatusPending {
			continue
		}
		if at, ok := e.retryAt[id]; ok && now.Before(at) {
			continue
		}
		if !e.graph.IsReady(id) {
			continue
		}
		delete(e.retryAt, id)
		events = append(events, e.transitionLocked(t, types.TaskStatusQueued, EventTaskQueued, "", ""))
	}

	for _, t := range e.tasks {
		if t.Status != types.TaskStatusQueued {
			continue
		}
		ev, err := e.assignLocked(t, "", "auto")
		if err != nil {
			continue // stays queued until an agent frees up
		}
		events = append(events, ev...)
	}
	e.mu.Unlock()

	e.emit(events...)
}

// checkTimeouts fails running tasks that exceeded their configured timeout.
func (e *Engine) checkTimeouts() {
	e.mu.Lock()
	var events []Event

	now := time.Now()
	for _, t := range e.tasks {
		if t.Status != types.TaskStatusRunning || t.Timeout <= 0 {
			continue
		}
		if now.Sub(t.StartedAt) < t.Timeout {
			continue
		}
		metrics.TimeoutsTotal.WithLabelValues("task").Inc()
		events = append(events, e.failLocked(t, t.AssignedAgent, &types.TaskError{
			Kind:      "timeout",
			Message:   "task exceeded timeout of " + t.Timeout.String(),
			AgentID:   t.AssignedAgent,
			Timestamp: now,
		})...)
	}
	e.mu.Unlock()

	e.emit(events...)
}

// sweepRetention drops terminal tasks older than the retention window.
func (e *Engine) sweepRetention() {
	window := e.config.RetentionWindow
	if window <= 0 {
		return
	}

	e.mu.Lock()
	cutoff := time.Now().Add(-window)
	removed := 0
	for id, t := range e.tasks {
		if !t.Terminal() || t.EndedAt.IsZero() || t.EndedAt.After(cutoff) {
			continue
		}
		e.graph.Remove(id)
		delete(e.tasks, id)
		delete(e.preferred, id)
		delete(e.retryAt, id)
		metrics.TasksTotal.WithLabelValues(string(t.Status)).Dec()
		removed++
	}
	e.mu.Unlock()

	if removed > 0 {
		log.WithComponent("engine").Debug().Int("removed", removed).Msg("retention sweep")
	}
}

// transitionLocked moves a task to the next status and builds the event.
func (e *Engine) transitionLocked(t *types.Task, next types.TaskStatus, evType EventType, agentID, reason string) Event {
	metrics.TasksTotal.WithLabelValues(string(t.Status)).Dec()
	metrics.TasksTotal.WithLabelValues(string(next)).Inc()
	t.Status = next
	return Event{Type: evType, Task: *t, AgentID: agentID, Reason: reason, Timestamp: time.Now()}
}

func (e *Engine) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.handlerMu.RLock()
	handlers := e.handlers
	e.handlerMu.RUnlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// backoff returns the retry delay for the given attempt (1-based),
// exponential with optional jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	base := e.config.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := e.config.RetryMultiplier
	if mult < 1 {
		mult = 2
	}
	max := e.config.RetryMaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if time.Duration(d) >= max {
			d = float64(max)
			break
		}
	}
	delay := time.Duration(d)
	if delay > max {
		delay = max
	}
	if e.config.RetryJitter {
		// +-20%
		jitter := 0.8 + 0.4*e.rng.Float64()
		delay = time.Duration(float64(delay) * jitter)
	}
	return delay
}
