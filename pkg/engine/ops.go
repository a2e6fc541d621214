package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/rookery/pkg/conflict"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/types"
)

// CreateSpec is the caller-supplied shape of a new task.
type CreateSpec struct {
	ID                   string
	Type                 string
	Description          string
	Priority             int
	Tags                 []string
	Metadata             map[string]string
	Timeout              time.Duration
	MaxRetries           int
	Dependencies         []string
	RequiredCapabilities []string
}

// Create validates the spec, registers the task in the dependency graph
// and leaves it pending. Fails when the graph rejects the dependencies or
// the engine is at queue capacity.
func (e *Engine) Create(spec CreateSpec) (*types.Task, error) {
	if spec.Type == "" {
		return nil, errdefs.InvalidInput("task type is required")
	}
	if spec.Priority == 0 {
		spec.Priority = 5
	}
	if spec.Priority < 1 || spec.Priority > 10 {
		return nil, errdefs.InvalidInput("priority must be 1-10, got %d", spec.Priority)
	}
	if spec.MaxRetries < 0 {
		return nil, errdefs.InvalidInput("max retries must be >= 0")
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	e.mu.Lock()

	if _, exists := e.tasks[spec.ID]; exists {
		e.mu.Unlock()
		return nil, errdefs.InvalidInput("task %s already exists", spec.ID)
	}
	if e.config.QueueCapacity > 0 && e.activeCountLocked() >= e.config.QueueCapacity {
		e.mu.Unlock()
		return nil, errdefs.CapacityExceeded("task queue is full (%d tasks)", e.config.QueueCapacity)
	}

	t := &types.Task{
		ID:                   spec.ID,
		Type:                 spec.Type,
		Description:          spec.Description,
		Priority:             spec.Priority,
		Tags:                 spec.Tags,
		Metadata:             spec.Metadata,
		Timeout:              spec.Timeout,
		MaxRetries:           spec.MaxRetries,
		Dependencies:         spec.Dependencies,
		RequiredCapabilities: spec.RequiredCapabilities,
		Status:               types.TaskStatusPending,
		CreatedAt:            time.Now(),
	}
	if err := e.graph.Add(t); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.tasks[t.ID] = t
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusPending)).Inc()
	snapshot := *t
	e.mu.Unlock()

	log.WithTaskID(t.ID).Info().Str("type", t.Type).Int("priority", t.Priority).Msg("task created")
	e.emit(Event{Type: EventTaskCreated, Task: snapshot, Timestamp: time.Now()})
	return &snapshot, nil
}

// AssignOptions tune an explicit assignment.
type AssignOptions struct {
	AgentID  string // pin to this agent; empty lets the scheduler pick
	Strategy string // recorded in metrics, defaults to "manual"
}

// Assign picks an agent for a pending or queued task. Pending tasks must
// be ready. When every eligible agent's circuit is open the caller gets
// CircuitOpen.
//
// Assigning an already-assigned task to a different agent is treated as
// contention: a conflict is opened between the current and requested
// holder and resolved by agent priority.
func (e *Engine) Assign(taskID string, opts AssignOptions) (string, error) {
	if opts.Strategy == "" {
		opts.Strategy = "manual"
	}

	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return "", errdefs.NotFound("task %s not found", taskID)
	}

	if t.Status == types.TaskStatusAssigned && opts.AgentID != "" && opts.AgentID != t.AssignedAgent {
		agent, events, err := e.contendLocked(t, opts.AgentID)
		e.mu.Unlock()
		e.emit(events...)
		return agent, err
	}

	switch t.Status {
	case types.TaskStatusPending:
		if !e.graph.IsReady(t.ID) {
			e.mu.Unlock()
			return "", errdefs.ConflictState("task %s has unsatisfied dependencies", taskID)
		}
	case types.TaskStatusQueued:
	default:
		e.mu.Unlock()
		return "", errdefs.ConflictState("task %s is %s, not assignable", taskID, t.Status)
	}

	events, err := e.assignLocked(t, opts.AgentID, opts.Strategy)
	agent := t.AssignedAgent
	e.mu.Unlock()
	// a failed assignment may still have admitted the task to the queue
	e.emit(events...)
	if err != nil {
		return "", err
	}
	return agent, nil
}

// assignLocked performs queued->assigned (admitting pending tasks through
// queued first). Returns the transition events for the caller to emit.
func (e *Engine) assignLocked(t *types.Task, agentID, strategy string) ([]Event, error) {
	var events []Event
	if t.Status == types.TaskStatusPending {
		delete(e.retryAt, t.ID)
		events = append(events, e.transitionLocked(t, types.TaskStatusQueued, EventTaskQueued, "", ""))
	}

	chosen := agentID
	if chosen != "" {
		// pinned agent still goes through its breaker
		if err := e.breakers.Get(chosen).Allow(); err != nil {
			return events, err
		}
		if err := e.sched.Track(t.ID, chosen, t.Priority, t.RequiredCapabilities); err != nil {
			e.breakers.Get(chosen).Drop()
			return events, err
		}
	} else {
		if pref, ok := e.preferred[t.ID]; ok {
			if e.breakers.Get(pref).Allow() == nil {
				if err := e.sched.Track(t.ID, pref, t.Priority, t.RequiredCapabilities); err == nil {
					chosen = pref
				} else {
					// preferred agent deregistered; forget it and pick fresh
					e.breakers.Get(pref).Drop()
					delete(e.preferred, t.ID)
				}
			}
		}
		if chosen == "" {
			var exclude []string
			for {
				candidate, err := e.sched.PickAgentExcluding(t, exclude)
				if err != nil {
					if len(exclude) > 0 {
						return events, errdefs.CircuitOpen("all eligible agents for task %s are fenced off", t.ID)
					}
					return events, err
				}
				if allowErr := e.breakers.Get(candidate).Allow(); allowErr != nil {
					exclude = append(exclude, candidate)
					continue
				}
				if err := e.sched.Track(t.ID, candidate, t.Priority, t.RequiredCapabilities); err != nil {
					e.breakers.Get(candidate).Drop()
					exclude = append(exclude, candidate)
					continue
				}
				chosen = candidate
				break
			}
		}
	}

	t.AssignedAgent = chosen
	delete(e.preferred, t.ID)
	events = append(events, e.transitionLocked(t, types.TaskStatusAssigned, EventTaskAssigned, chosen, strategy))
	metrics.TaskAssignmentsTotal.WithLabelValues(strategy).Inc()

	log.WithTaskID(t.ID).Info().Str("agent_id", chosen).Str("strategy", strategy).Msg("task assigned")
	return events, nil
}

// contendLocked arbitrates a claim on an already-assigned task between its
// holder and a challenger, by agent priority.
func (e *Engine) contendLocked(t *types.Task, challenger string) (string, []Event, error) {
	holder := t.AssignedAgent
	now := time.Now()

	holderProfile, err := e.sched.Agent(holder)
	if err != nil {
		return "", nil, err
	}
	challengerProfile, err := e.sched.Agent(challenger)
	if err != nil {
		return "", nil, err
	}

	c, err := e.resolver.Open(types.ConflictTask, t.ID, []types.Claim{
		{AgentID: holder, Priority: holderProfile.Priority, Timestamp: t.CreatedAt},
		{AgentID: challenger, Priority: challengerProfile.Priority, Timestamp: now},
	})
	if err != nil {
		return "", nil, err
	}
	res, err := e.resolver.Resolve(c.ID, conflict.StrategyPriority, nil)
	if err != nil {
		return "", nil, err
	}

	if res.Winner == holder {
		return holder, nil, errdefs.ConflictState("task %s stays with %s", t.ID, holder)
	}

	if err := e.sched.Track(t.ID, challenger, t.Priority, t.RequiredCapabilities); err != nil {
		return "", nil, err
	}
	t.AssignedAgent = challenger
	ev := Event{Type: EventTaskStolen, Task: *t, AgentID: challenger, Reason: "conflict:" + c.ID, Timestamp: now}
	return challenger, []Event{ev}, nil
}

// Execute moves an assigned task to running once its agent acknowledges
// start. force restarts a terminal task on its last agent.
func (e *Engine) Execute(taskID string, force bool) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}

	restart := false
	switch t.Status {
	case types.TaskStatusAssigned:
	case types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled:
		if !force {
			e.mu.Unlock()
			return errdefs.ConflictState("task %s is already %s", taskID, t.Status)
		}
		if t.AssignedAgent == "" {
			e.mu.Unlock()
			return errdefs.ConflictState("task %s has no agent to restart on", taskID)
		}
		restart = true
	case types.TaskStatusRunning:
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is already running", taskID)
	default:
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is %s, not ready to run", taskID, t.Status)
	}

	if e.config.MaxConcurrentTasks > 0 && e.running >= e.config.MaxConcurrentTasks {
		capErr := errdefs.CapacityExceeded("engine at max concurrent tasks (%d)", e.config.MaxConcurrentTasks)
		if restart {
			e.mu.Unlock()
			return capErr
		}
		// An assigned task drops back to queued; the dispatch loop
		// re-assigns it once a slot frees.
		e.sched.Release(t.ID, 0)
		e.breakers.Get(t.AssignedAgent).Drop()
		t.AssignedAgent = ""
		ev := e.transitionLocked(t, types.TaskStatusQueued, EventTaskQueued, "", "engine at capacity")
		e.mu.Unlock()
		e.emit(ev)
		return capErr
	}

	if restart {
		if err := e.sched.Track(t.ID, t.AssignedAgent, t.Priority, t.RequiredCapabilities); err != nil {
			e.mu.Unlock()
			return err
		}
		t.EndedAt = time.Time{}
		t.Result = nil
		t.Progress = 0
	}

	t.StartedAt = time.Now()
	e.running++
	ev := e.transitionLocked(t, types.TaskStatusRunning, EventTaskStarted, t.AssignedAgent, "")
	e.mu.Unlock()

	e.emit(ev)
	return nil
}

// Complete finishes a running task. Late completions for a cancelled task
// are discarded without error.
func (e *Engine) Complete(taskID, agentID string, result []byte, duration time.Duration) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}
	if t.Status == types.TaskStatusCancelled {
		e.mu.Unlock()
		log.WithTaskID(taskID).Debug().Str("agent_id", agentID).Msg("late completion for cancelled task discarded")
		return nil
	}
	if t.Status != types.TaskStatusRunning {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is %s, not running", taskID, t.Status)
	}
	if t.AssignedAgent != agentID {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is owned by %s, not %s", taskID, t.AssignedAgent, agentID)
	}

	t.EndedAt = time.Now()
	t.Result = result
	t.Progress = 100
	t.LastError = nil
	e.running--
	events := []Event{e.transitionLocked(t, types.TaskStatusCompleted, EventTaskCompleted, agentID, "")}

	if duration <= 0 {
		duration = t.EndedAt.Sub(t.StartedAt)
	}
	e.sched.Release(taskID, duration)
	e.breakers.Get(agentID).Mark(nil)
	metrics.TaskDuration.WithLabelValues(t.Type).Observe(duration.Seconds())

	// Release dependents that just became ready.
	for _, depID := range e.graph.MarkCompleted(taskID) {
		dep, ok := e.tasks[depID]
		if !ok || dep.Status != types.TaskStatusPending {
			continue
		}
		if at, ok := e.retryAt[depID]; ok && time.Now().Before(at) {
			continue
		}
		events = append(events, e.transitionLocked(dep, types.TaskStatusQueued, EventTaskQueued, "", ""))
	}
	e.mu.Unlock()

	log.WithTaskID(taskID).Info().Str("agent_id", agentID).Dur("duration", duration).Msg("task completed")
	e.emit(events...)
	return nil
}

// Fail records a failure from the owning agent. If retries remain the task
// returns to pending with an exponential backoff; otherwise it is failed
// terminally.
func (e *Engine) Fail(taskID, agentID string, taskErr *types.TaskError) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}
	if t.Status == types.TaskStatusCancelled {
		e.mu.Unlock()
		log.WithTaskID(taskID).Debug().Str("agent_id", agentID).Msg("late failure for cancelled task discarded")
		return nil
	}
	if t.Status != types.TaskStatusRunning {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is %s, not running", taskID, t.Status)
	}
	if t.AssignedAgent != agentID {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is owned by %s, not %s", taskID, t.AssignedAgent, agentID)
	}

	events := e.failLocked(t, agentID, taskErr)
	e.mu.Unlock()

	e.emit(events...)
	return nil
}

// failLocked implements the running->failed / running->pending edge.
func (e *Engine) failLocked(t *types.Task, agentID string, taskErr *types.TaskError) []Event {
	if taskErr == nil {
		taskErr = &types.TaskError{Kind: "internal", Message: "unspecified failure", Timestamp: time.Now()}
	}
	t.LastError = taskErr
	e.running--
	e.sched.Release(t.ID, 0)
	e.breakers.Get(agentID).Mark(errdefs.Internal("agent %s failed task %s: %s", agentID, t.ID, taskErr.Message))

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		delay := e.backoff(t.RetryCount)
		e.retryAt[t.ID] = time.Now().Add(delay)

		// Prefer the same agent next time unless its circuit fenced it off.
		if taskErr.Kind != string(errdefs.KindCircuitOpen) {
			e.preferred[t.ID] = agentID
		} else {
			delete(e.preferred, t.ID)
		}
		t.AssignedAgent = ""
		metrics.TaskRetriesTotal.Inc()

		log.WithTaskID(t.ID).Warn().
			Str("agent_id", agentID).
			Int("retry", t.RetryCount).
			Int("max_retries", t.MaxRetries).
			Dur("backoff", delay).
			Msg("task failed, retry scheduled")
		return []Event{e.transitionLocked(t, types.TaskStatusPending, EventTaskRetried, agentID, taskErr.Message)}
	}

	t.EndedAt = time.Now()
	log.WithTaskID(t.ID).Error().Str("agent_id", agentID).Str("error", taskErr.Message).Msg("task failed terminally")
	return []Event{e.transitionLocked(t, types.TaskStatusFailed, EventTaskFailed, agentID, taskErr.Message)}
}

// Cancel moves a non-terminal task to cancelled. A running task's agent is
// notified through a cancel-request event; its late completion is then
// discarded. cascade transitively cancels non-terminal dependents.
func (e *Engine) Cancel(taskID, reason string, cascade, force bool) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}
	if t.Terminal() && !force {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is already %s", taskID, t.Status)
	}

	var events []Event
	events = append(events, e.cancelLocked(t, reason)...)

	if cascade {
		for _, depID := range e.graph.TransitiveDependents(taskID) {
			dep, ok := e.tasks[depID]
			if !ok || dep.Terminal() {
				continue // completed dependents stay completed
			}
			events = append(events, e.cancelLocked(dep, "cascade from "+taskID)...)
		}
	}
	e.mu.Unlock()

	e.emit(events...)
	return nil
}

func (e *Engine) cancelLocked(t *types.Task, reason string) []Event {
	var events []Event
	switch t.Status {
	case types.TaskStatusRunning:
		e.running--
		e.sched.Release(t.ID, 0)
		e.breakers.Get(t.AssignedAgent).Mark(nil)
		events = append(events, Event{
			Type: EventCancelRequested, Task: *t, AgentID: t.AssignedAgent, Reason: reason, Timestamp: time.Now(),
		})
	case types.TaskStatusAssigned:
		e.sched.Release(t.ID, 0)
		e.breakers.Get(t.AssignedAgent).Mark(nil)
	case types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled:
		// force path: no scheduler state to unwind
	}

	t.EndedAt = time.Now()
	delete(e.retryAt, t.ID)
	delete(e.preferred, t.ID)
	events = append(events, e.transitionLocked(t, types.TaskStatusCancelled, EventTaskCancelled, t.AssignedAgent, reason))

	log.WithTaskID(t.ID).Info().Str("reason", reason).Msg("task cancelled")
	return events
}

// RetryOptions tune a manual retry of a failed task.
type RetryOptions struct {
	ResetRetries bool
	NewAgent     string // preferred agent for the next attempt
	MaxRetries   *int   // raise or lower the budget
}

// Retry returns a terminally-failed task to pending. Requires either a
// remaining retry budget, ResetRetries, or a raised MaxRetries. Supplying
// NewAgent alone does not touch the retry counter.
func (e *Engine) Retry(taskID string, opts RetryOptions) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}
	if t.Status != types.TaskStatusFailed {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is %s, only failed tasks can be retried", taskID, t.Status)
	}

	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			e.mu.Unlock()
			return errdefs.InvalidInput("max retries must be >= 0")
		}
		t.MaxRetries = *opts.MaxRetries
	}
	if opts.ResetRetries {
		t.RetryCount = 0
	}
	if t.RetryCount >= t.MaxRetries {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s has exhausted its %d retries", taskID, t.MaxRetries)
	}

	if opts.NewAgent != "" {
		e.preferred[taskID] = opts.NewAgent
	}
	t.AssignedAgent = ""
	t.EndedAt = time.Time{}
	delete(e.retryAt, taskID)
	metrics.TaskRetriesTotal.Inc()
	ev := e.transitionLocked(t, types.TaskStatusPending, EventTaskRetried, opts.NewAgent, "manual retry")
	e.mu.Unlock()

	e.emit(ev)
	return nil
}

// UpdateFields is the set of mutable task fields. Nil pointers leave the
// field untouched.
type UpdateFields struct {
	Description *string
	Priority    *int
	Tags        []string
	Metadata    map[string]string
	Timeout     *time.Duration
	MaxRetries  *int
	Progress    *int
}

// Update mutates caller-editable fields of a non-terminal task.
func (e *Engine) Update(taskID string, fields UpdateFields) (*types.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, errdefs.NotFound("task %s not found", taskID)
	}
	if t.Terminal() {
		return nil, errdefs.ConflictState("task %s is %s and can no longer be updated", taskID, t.Status)
	}

	if fields.Priority != nil && (*fields.Priority < 1 || *fields.Priority > 10) {
		return nil, errdefs.InvalidInput("priority must be 1-10, got %d", *fields.Priority)
	}
	if fields.Progress != nil && (*fields.Progress < 0 || *fields.Progress > 100) {
		return nil, errdefs.InvalidInput("progress must be 0-100, got %d", *fields.Progress)
	}
	if fields.MaxRetries != nil && *fields.MaxRetries < 0 {
		return nil, errdefs.InvalidInput("max retries must be >= 0")
	}

	if fields.Description != nil {
		t.Description = *fields.Description
	}
	if fields.Priority != nil {
		t.Priority = *fields.Priority
	}
	if fields.Tags != nil {
		t.Tags = fields.Tags
	}
	if fields.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			t.Metadata[k] = v
		}
	}
	if fields.Timeout != nil {
		t.Timeout = *fields.Timeout
	}
	if fields.MaxRetries != nil {
		t.MaxRetries = *fields.MaxRetries
	}
	if fields.Progress != nil {
		t.Progress = *fields.Progress
	}

	snapshot := *t
	return &snapshot, nil
}

// Steal is the scheduler's reassignment hook. Only an assigned, not yet
// running task may move; the agent swap is atomic so in-flight completions
// keep attributing correctly.
func (e *Engine) Steal(taskID, fromAgent, toAgent string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}
	if t.Status != types.TaskStatusAssigned {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is %s, only assigned tasks can move", taskID, t.Status)
	}
	if t.AssignedAgent != fromAgent {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is owned by %s, not %s", taskID, t.AssignedAgent, fromAgent)
	}

	t.AssignedAgent = toAgent
	ev := Event{Type: EventTaskStolen, Task: *t, AgentID: toAgent, Reason: "rebalance", Timestamp: time.Now()}
	e.mu.Unlock()

	e.emit(ev)
	return nil
}

// Requeue returns tasks stranded on a lost agent to the dispatch pool.
// Assigned tasks drop back to queued; running tasks take an agent_down
// failure, which consumes a retry from their budget.
func (e *Engine) Requeue(taskID, agentID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return errdefs.NotFound("task %s not found", taskID)
	}
	if t.AssignedAgent != agentID {
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is owned by %s, not %s", taskID, t.AssignedAgent, agentID)
	}

	switch t.Status {
	case types.TaskStatusAssigned:
		t.AssignedAgent = ""
		delete(e.preferred, t.ID)
		ev := e.transitionLocked(t, types.TaskStatusQueued, EventTaskQueued, "", "agent "+agentID+" lost")
		e.mu.Unlock()
		e.emit(ev)
		return nil
	case types.TaskStatusRunning:
		events := e.failLocked(t, agentID, &types.TaskError{
			Kind:      "agent_down",
			Message:   "agent " + agentID + " stopped heartbeating",
			AgentID:   agentID,
			Timestamp: time.Now(),
		})
		e.mu.Unlock()
		e.emit(events...)
		return nil
	default:
		e.mu.Unlock()
		return errdefs.ConflictState("task %s is %s, nothing to requeue", taskID, t.Status)
	}
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, t := range e.tasks {
		if !t.Status.IsTerminal() {
			n++
		}
	}
	return n
}
