package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/types"
)

const recentStealsKept = 32

// StealFunc reassigns a task between agents. The task owner performs the
// swap atomically; an error leaves the task where it was.
type StealFunc func(taskID, fromAgent, toAgent string) error

// AgentDownFunc is invoked when an agent misses its heartbeat window. The
// slice holds the ids of tasks tracked against the agent at that moment.
type AgentDownFunc func(agentID string, taskIDs []string)

// assignment is one tracked task on an agent.
type assignment struct {
	taskID   string
	agentID  string
	priority int
	caps     []string
}

// agentState is the scheduler's live record for one agent.
type agentState struct {
	profile     types.AgentProfile
	assignments map[string]*assignment
	// running average over released tasks
	totalDuration time.Duration
	completed     int64
}

func (a *agentState) workload() types.Workload {
	w := types.Workload{
		AgentID:       a.profile.ID,
		TaskCount:     len(a.assignments),
		Priority:      a.profile.Priority,
		Capabilities:  a.profile.Capabilities,
		MaxConcurrent: a.profile.MaxConcurrentTasks,
	}
	if a.completed > 0 {
		w.AvgTaskDuration = a.totalDuration / time.Duration(a.completed)
	}
	return w
}

// Scheduler assigns tasks to agents by score and rebalances load by
// stealing from overloaded agents.
type Scheduler struct {
	mu     sync.RWMutex
	agents map[string]*agentState
	byTask map[string]*assignment

	config      config.SchedulerConfig
	steal       StealFunc
	onAgentDown AgentDownFunc

	steals       uint64
	recentSteals []types.StealOperation

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler. steal may be nil, which disables rebalancing.
func New(cfg config.SchedulerConfig, steal StealFunc) *Scheduler {
	return &Scheduler{
		agents: make(map[string]*agentState),
		byTask: make(map[string]*assignment),
		config: cfg,
		steal:  steal,
	}
}

// OnAgentDown registers the callback fired when an agent goes offline.
// Must be called before Start.
func (s *Scheduler) OnAgentDown(fn AgentDownFunc) {
	s.onAgentDown = fn
}

// Start launches the periodic rebalance and heartbeat loop.
func (s *Scheduler) Start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop halts the periodic loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	interval := s.config.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkHeartbeats()
			s.rebalance()
		case <-s.stopCh:
			return
		}
	}
}

// RegisterAgent adds or replaces an agent profile. A re-registered agent
// keeps its tracked assignments.
func (s *Scheduler) RegisterAgent(profile types.AgentProfile) error {
	if profile.ID == "" {
		return errdefs.InvalidInput("agent id is required")
	}
	if profile.MaxConcurrentTasks <= 0 {
		return errdefs.InvalidInput("agent %s: max concurrent tasks must be positive", profile.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.agents[profile.ID]; ok {
		keep := st.profile
		st.profile = profile
		st.profile.RegisteredAt = keep.RegisteredAt
		st.profile.LastHeartbeat = time.Now()
	} else {
		if profile.Status == "" {
			profile.Status = types.AgentStatusIdle
		}
		profile.RegisteredAt = time.Now()
		profile.LastHeartbeat = time.Now()
		s.agents[profile.ID] = &agentState{
			profile:     profile,
			assignments: make(map[string]*assignment),
		}
	}
	metrics.AgentsTotal.WithLabelValues(string(types.AgentStatusIdle)).Inc()

	log.WithComponent("scheduler").Info().
		Str("agent_id", profile.ID).
		Strs("capabilities", profile.Capabilities).
		Msg("agent registered")
	return nil
}

// DeregisterAgent removes an agent. Its tracked task ids are returned so
// the caller can requeue them.
func (s *Scheduler) DeregisterAgent(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[agentID]
	if !ok {
		return nil
	}
	var taskIDs []string
	for id := range st.assignments {
		taskIDs = append(taskIDs, id)
		delete(s.byTask, id)
	}
	sort.Strings(taskIDs)
	delete(s.agents, agentID)
	metrics.AgentTaskLoad.DeleteLabelValues(agentID)
	return taskIDs
}

// Heartbeat refreshes an agent's liveness. An offline agent heartbeating
// again comes back as idle.
func (s *Scheduler) Heartbeat(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[agentID]
	if !ok {
		return errdefs.NotFound("agent %s not registered", agentID)
	}
	st.profile.LastHeartbeat = time.Now()
	if st.profile.Status == types.AgentStatusOffline {
		st.profile.Status = types.AgentStatusIdle
		log.WithComponent("scheduler").Info().Str("agent_id", agentID).Msg("agent back online")
	}
	return nil
}

// SetAgentStatus overrides an agent's status, e.g. when its runtime
// reports an error state.
func (s *Scheduler) SetAgentStatus(agentID string, status types.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[agentID]
	if !ok {
		return errdefs.NotFound("agent %s not registered", agentID)
	}
	st.profile.Status = status
	return nil
}

// PickAgent scores every live agent against the task and returns the best
// candidate. Agents that are offline, in error, at capacity, or score
// negative are excluded.
func (s *Scheduler) PickAgent(task *types.Task) (string, error) {
	return s.PickAgentExcluding(task, nil)
}

// PickAgentExcluding is PickAgent with an extra exclusion list, used by the
// task engine to skip agents whose circuit is open.
func (s *Scheduler) PickAgentExcluding(task *types.Task, exclude []string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		id    string
		score float64
		load  float64
	}
	var best *candidate

	for id, st := range s.agents {
		if excluded[id] {
			continue
		}
		p := st.profile
		if p.Status == types.AgentStatusOffline || p.Status == types.AgentStatusError {
			continue
		}
		if len(st.assignments) >= p.MaxConcurrentTasks {
			continue
		}

		w := st.workload()
		load := w.Load()
		score := capabilityMatch(p.Capabilities, task.RequiredCapabilities)*s.config.CapabilityWeight -
			load*s.config.LoadWeight +
			float64(p.Priority)*s.config.PriorityWeight
		if score < 0 {
			continue
		}

		c := candidate{id: id, score: score, load: load}
		if best == nil || better(c.score, c.load, c.id, best.score, best.load, best.id) {
			best = &c
		}
	}

	if best == nil {
		return "", errdefs.CapacityExceeded("no eligible agent for task %s", task.ID)
	}
	return best.id, nil
}

// better reports whether candidate a beats candidate b. Ties break by
// lower load, then lower id.
func better(aScore, aLoad float64, aID string, bScore, bLoad float64, bID string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	if aLoad != bLoad {
		return aLoad < bLoad
	}
	return aID < bID
}

// capabilityMatch returns the fraction of required capabilities the agent
// covers. No requirements means a perfect match.
func capabilityMatch(have, want []string) float64 {
	if len(want) == 0 {
		return 1.0
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	hits := 0
	for _, c := range want {
		if set[c] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// Track records that a task now runs against an agent. Re-tracking a task
// moves it off its previous agent.
func (s *Scheduler) Track(taskID, agentID string, priority int, requiredCaps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[agentID]
	if !ok {
		return errdefs.NotFound("agent %s not registered", agentID)
	}
	if prev, ok := s.byTask[taskID]; ok {
		if other, ok := s.agents[prev.agentID]; ok {
			delete(other.assignments, taskID)
		}
	}
	a := &assignment{taskID: taskID, agentID: agentID, priority: priority, caps: requiredCaps}
	st.assignments[taskID] = a
	s.byTask[taskID] = a
	st.profile.Status = types.AgentStatusBusy

	metrics.AgentTaskLoad.WithLabelValues(agentID).Set(float64(len(st.assignments)))
	return nil
}

// Release drops a tracked task, folding its duration into the agent's
// running average when positive.
func (s *Scheduler) Release(taskID string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byTask[taskID]
	if !ok {
		return
	}
	delete(s.byTask, taskID)

	st, ok := s.agents[a.agentID]
	if !ok {
		return
	}
	delete(st.assignments, taskID)
	if duration > 0 {
		st.totalDuration += duration
		st.completed++
	}
	if len(st.assignments) == 0 && st.profile.Status == types.AgentStatusBusy {
		st.profile.Status = types.AgentStatusIdle
	}
	metrics.AgentTaskLoad.WithLabelValues(a.agentID).Set(float64(len(st.assignments)))
}

// AssignedAgent returns the agent currently tracked for a task.
func (s *Scheduler) AssignedAgent(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byTask[taskID]
	if !ok {
		return "", false
	}
	return a.agentID, true
}

// Workloads returns a snapshot of every agent's load, sorted by id.
func (s *Scheduler) Workloads() []types.Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Workload, 0, len(s.agents))
	for _, st := range s.agents {
		out = append(out, st.workload())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Agent returns the current profile for an agent.
func (s *Scheduler) Agent(agentID string) (types.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return types.AgentProfile{}, errdefs.NotFound("agent %s not registered", agentID)
	}
	return st.snapshotProfile(), nil
}

// Agents returns every profile, sorted by id.
func (s *Scheduler) Agents() []types.AgentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.AgentProfile, 0, len(s.agents))
	for _, st := range s.agents {
		out = append(out, st.snapshotProfile())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *agentState) snapshotProfile() types.AgentProfile {
	p := a.profile
	p.CurrentTasks = len(a.assignments)
	if a.completed > 0 {
		p.AvgTaskDuration = a.totalDuration / time.Duration(a.completed)
	}
	return p
}

// Stats summarises the current load distribution.
func (s *Scheduler) Stats() types.SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.SchedulerStats{
		TotalAgents:      len(s.agents),
		SuccessfulSteals: s.steals,
	}
	if len(s.agents) == 0 {
		return stats
	}

	mean := s.meanLoadLocked()
	total := 0
	for _, st := range s.agents {
		n := len(st.assignments)
		total += n
		if float64(n) > mean+s.config.StealThreshold {
			stats.OverloadedAgents++
		}
		if float64(n) < mean-s.config.StealThreshold {
			stats.UnderloadedAgents++
		}
	}
	stats.AvgTasksPerAgent = float64(total) / float64(len(s.agents))
	stats.RecentSteals = append(stats.RecentSteals, s.recentSteals...)
	return stats
}

func (s *Scheduler) meanLoadLocked() float64 {
	if len(s.agents) == 0 {
		return 0
	}
	var sum float64
	for _, st := range s.agents {
		sum += float64(len(st.assignments))
	}
	return sum / float64(len(s.agents))
}

// checkHeartbeats marks agents silent past the heartbeat window offline
// and hands their tracked tasks to the down callback.
func (s *Scheduler) checkHeartbeats() {
	timeout := s.config.HeartbeatTimeout
	if timeout <= 0 {
		return
	}

	type downed struct {
		id    string
		tasks []string
	}
	var down []downed

	s.mu.Lock()
	cutoff := time.Now().Add(-timeout)
	for id, st := range s.agents {
		if st.profile.Status == types.AgentStatusOffline {
			continue
		}
		if st.profile.LastHeartbeat.After(cutoff) {
			continue
		}
		st.profile.Status = types.AgentStatusOffline

		var taskIDs []string
		for tid := range st.assignments {
			taskIDs = append(taskIDs, tid)
			delete(s.byTask, tid)
		}
		sort.Strings(taskIDs)
		st.assignments = make(map[string]*assignment)
		metrics.AgentTaskLoad.WithLabelValues(id).Set(0)

		down = append(down, downed{id: id, tasks: taskIDs})
	}
	s.mu.Unlock()

	for _, d := range down {
		log.WithComponent("scheduler").Warn().
			Str("agent_id", d.id).
			Int("orphaned_tasks", len(d.tasks)).
			Msg("agent missed heartbeat window, marked offline")
		if s.onAgentDown != nil {
			s.onAgentDown(d.id, d.tasks)
		}
	}
}

// rebalance moves low-priority tasks from overloaded agents to compatible
// underloaded ones.
func (s *Scheduler) rebalance() {
	if s.steal == nil {
		return
	}

	for _, m := range s.planSteals() {
		if err := s.steal(m.TaskID, m.FromAgent, m.ToAgent); err != nil {
			log.WithComponent("scheduler").Warn().Err(err).
				Str("task_id", m.TaskID).
				Msg("steal rejected by task owner")
			continue
		}
		s.commitSteal(m)
	}
}

// planSteals selects up to MaxStealBatch tasks to move, lowest priority
// first, from the most loaded agent to the least loaded compatible one.
func (s *Scheduler) planSteals() []types.StealOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.agents) < 2 {
		return nil
	}
	mean := s.meanLoadLocked()

	var over, under *agentState
	for _, st := range s.agents {
		if st.profile.Status == types.AgentStatusOffline || st.profile.Status == types.AgentStatusError {
			continue
		}
		n := float64(len(st.assignments))
		if n > mean+s.config.StealThreshold && (over == nil || len(st.assignments) > len(over.assignments)) {
			over = st
		}
		if n < mean-s.config.StealThreshold && (under == nil || len(st.assignments) < len(under.assignments)) {
			under = st
		}
	}
	if over == nil || under == nil {
		return nil
	}

	victims := make([]*assignment, 0, len(over.assignments))
	for _, a := range over.assignments {
		victims = append(victims, a)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].priority != victims[j].priority {
			return victims[i].priority < victims[j].priority
		}
		return victims[i].taskID < victims[j].taskID
	})

	batch := s.config.MaxStealBatch
	if batch <= 0 {
		batch = 1
	}
	if room := under.profile.MaxConcurrentTasks - len(under.assignments); batch > room {
		batch = room
	}

	var moves []types.StealOperation
	for _, v := range victims {
		if len(moves) >= batch {
			break
		}
		if capabilityMatch(under.profile.Capabilities, v.caps) < 1.0 {
			continue
		}
		moves = append(moves, types.StealOperation{
			TaskID:    v.taskID,
			FromAgent: over.profile.ID,
			ToAgent:   under.profile.ID,
			Timestamp: time.Now(),
		})
	}
	return moves
}

func (s *Scheduler) commitSteal(m types.StealOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byTask[m.TaskID]
	if !ok || a.agentID != m.FromAgent {
		return
	}
	from, to := s.agents[m.FromAgent], s.agents[m.ToAgent]
	if from == nil || to == nil {
		return
	}

	delete(from.assignments, m.TaskID)
	a.agentID = m.ToAgent
	to.assignments[m.TaskID] = a

	s.steals++
	s.recentSteals = append(s.recentSteals, m)
	if len(s.recentSteals) > recentStealsKept {
		s.recentSteals = s.recentSteals[len(s.recentSteals)-recentStealsKept:]
	}
	metrics.StealsTotal.Inc()
	metrics.AgentTaskLoad.WithLabelValues(m.FromAgent).Set(float64(len(from.assignments)))
	metrics.AgentTaskLoad.WithLabelValues(m.ToAgent).Set(float64(len(to.assignments)))

	log.WithComponent("scheduler").Info().
		Str("task_id", m.TaskID).
		Str("from", m.FromAgent).
		Str("to", m.ToAgent).
		Msg("task stolen")
}

// Rebalance runs one steal pass immediately, outside the periodic tick.
func (s *Scheduler) Rebalance() {
	s.rebalance()
}
