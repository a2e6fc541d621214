package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/corvid-labs/rookery/pkg/agent"
	"github.com/corvid-labs/rookery/pkg/breaker"
	"github.com/corvid-labs/rookery/pkg/bus"
	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/conflict"
	"github.com/corvid-labs/rookery/pkg/engine"
	"github.com/corvid-labs/rookery/pkg/events"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/memory"
	"github.com/corvid-labs/rookery/pkg/registry"
	"github.com/corvid-labs/rookery/pkg/scheduler"
	"github.com/corvid-labs/rookery/pkg/storage"
	"github.com/corvid-labs/rookery/pkg/transport"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Orchestrator wires the subsystems together: it owns the store, routes
// engine events onto the bus, persists task records, and implements the
// coordinator surface agents talk to.
type Orchestrator struct {
	config *config.Config

	store      storage.Store
	transports *transport.Registry
	bus        *bus.Bus
	sched      *scheduler.Scheduler
	engine     *engine.Engine
	memory     *memory.Store
	tools      *registry.Registry
	broker     *events.Broker
}

// New composes an orchestrator from configuration.
func New(cfg *config.Config) (*Orchestrator, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	transports := transport.NewRegistry()

	busCfg := cfg.Bus
	if busCfg.SnapshotDir == "" {
		busCfg.SnapshotDir = filepath.Join(cfg.DataDir, ".rookery", "message-bus")
	}
	msgBus, err := bus.New(busCfg, transports)
	if err != nil {
		store.Close()
		return nil, err
	}

	memCfg := cfg.Memory
	if memCfg.PersistencePath == "" {
		memCfg.PersistencePath = filepath.Join(cfg.DataDir, "memory")
	}
	memStore, err := memory.New(memCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		HalfOpenLimit:    cfg.Breaker.HalfOpenLimit,
	})
	resolver := conflict.NewResolver(0)

	o := &Orchestrator{
		config:     cfg,
		store:      store,
		transports: transports,
		bus:        msgBus,
		memory:     memStore,
		tools:      registry.New(),
		broker:     events.NewBroker(),
	}

	o.sched = scheduler.New(cfg.Scheduler, func(taskID, fromAgent, toAgent string) error {
		return o.engine.Steal(taskID, fromAgent, toAgent)
	})
	o.engine = engine.New(cfg.Engine, o.sched, breakers, resolver)

	o.sched.OnAgentDown(o.handleAgentDown)
	o.engine.OnEvent(o.handleEngineEvent)
	o.registerTools()

	return o, nil
}

// Start launches the subsystem loops and logs recovered state.
func (o *Orchestrator) Start() error {
	o.broker.Start()
	o.sched.Start()
	o.engine.Start()
	o.bus.Start()

	active, err := o.store.GetActiveTasks()
	if err != nil {
		return err
	}
	if len(active) > 0 {
		log.WithComponent("orchestrator").Warn().
			Int("count", len(active)).
			Msg("store holds task records from a previous run; inspect with task list")
	}
	log.WithComponent("orchestrator").Info().Msg("orchestrator started")
	return nil
}

// Stop halts the loops, persists memory, and closes the store.
func (o *Orchestrator) Stop() {
	o.engine.Stop()
	o.sched.Stop()
	o.bus.Stop()
	o.broker.Stop()
	if err := o.memory.Persist(); err != nil {
		log.WithComponent("orchestrator").Warn().Err(err).Msg("memory persist failed")
	}
	if err := o.store.Close(); err != nil {
		log.WithComponent("orchestrator").Warn().Err(err).Msg("store close failed")
	}
	log.WithComponent("orchestrator").Info().Msg("orchestrator stopped")
}

// AttachAgent registers an agent's transport and starts it.
func (o *Orchestrator) AttachAgent(a *agent.Agent) error {
	o.transports.Register(a.ID(), a.Transport())
	return a.Start()
}

// DetachAgent disconnects an agent and deregisters it from scheduling.
// Tasks stranded on the agent are requeued.
func (o *Orchestrator) DetachAgent(agentID string) {
	o.transports.Deregister(agentID)
	for _, taskID := range o.sched.DeregisterAgent(agentID) {
		if err := o.engine.Requeue(taskID, agentID); err != nil {
			log.WithTaskID(taskID).Warn().Err(err).Msg("requeue after detach failed")
		}
	}
	o.store.DeleteAgent(agentID)
	o.broker.Publish(&events.Event{Type: events.EventAgentLeft, AgentID: agentID})
}

// handleEngineEvent persists the task record, republishes the event, and
// emits the bus traffic the transition calls for.
func (o *Orchestrator) handleEngineEvent(ev engine.Event) {
	if err := o.store.SaveTask(toRecord(&ev.Task)); err != nil {
		log.WithTaskID(ev.Task.ID).Error().Err(err).Msg("task record save failed")
	}

	o.broker.Publish(&events.Event{
		Type:      events.EventType(ev.Type),
		Timestamp: ev.Timestamp,
		TaskID:    ev.Task.ID,
		AgentID:   ev.AgentID,
		Message:   ev.Reason,
	})

	switch ev.Type {
	case engine.EventTaskAssigned, engine.EventTaskStolen:
		o.sendAssignment(ev.Task, ev.AgentID)
	case engine.EventCancelRequested:
		o.sendCancel(ev.Task.ID, ev.AgentID, ev.Reason)
	case engine.EventTaskCompleted:
		o.storeResult(&ev.Task, ev.AgentID)
	}
}

func (o *Orchestrator) sendAssignment(task types.Task, agentID string) {
	content, err := json.Marshal(agent.Assignment{Task: task})
	if err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("encode assignment")
		return
	}
	_, err = o.bus.Send(context.Background(), agent.MsgTaskExecute, content, "engine",
		[]string{agentID}, bus.SendOptions{
			Priority:    priorityFor(task.Priority),
			Reliability: types.ReliabilityAtLeastOnce,
		})
	if err != nil {
		log.WithTaskID(task.ID).Warn().Err(err).Str("agent_id", agentID).Msg("assignment dispatch failed")
	}
}

func (o *Orchestrator) sendCancel(taskID, agentID, reason string) {
	if agentID == "" {
		return
	}
	content, err := json.Marshal(agent.CancelRequest{TaskID: taskID, Reason: reason})
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("encode cancel request")
		return
	}
	_, err = o.bus.Send(context.Background(), agent.MsgTaskCancel, content, "engine",
		[]string{agentID}, bus.SendOptions{
			Priority:    types.PriorityHigh,
			Reliability: types.ReliabilityAtLeastOnce,
		})
	if err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Str("agent_id", agentID).Msg("cancel dispatch failed")
	}
}

// storeResult records a completed task's output as a shared memory entry.
func (o *Orchestrator) storeResult(task *types.Task, agentID string) {
	if len(task.Result) == 0 || agentID == "" {
		return
	}
	_, err := o.memory.Remember(memory.RememberSpec{
		AgentID:    agentID,
		Type:       types.MemoryResult,
		Content:    string(task.Result),
		Tags:       task.Tags,
		Priority:   task.Priority,
		ShareLevel: types.ShareTeam,
		TaskID:     task.ID,
	})
	if err != nil {
		log.WithTaskID(task.ID).Debug().Err(err).Msg("result not stored in memory")
	}
}

// handleAgentDown requeues tasks stranded on an agent that stopped
// heartbeating.
func (o *Orchestrator) handleAgentDown(agentID string, taskIDs []string) {
	log.WithAgentID(agentID).Warn().Int("stranded", len(taskIDs)).Msg("agent down, requeueing tasks")
	for _, taskID := range taskIDs {
		if err := o.engine.Requeue(taskID, agentID); err != nil {
			log.WithTaskID(taskID).Warn().Err(err).Msg("requeue failed")
		}
	}
	if profile, err := o.sched.Agent(agentID); err == nil {
		if err := o.store.SaveAgent(&profile); err != nil {
			log.WithAgentID(agentID).Warn().Err(err).Msg("agent record save failed")
		}
	}
	o.broker.Publish(&events.Event{Type: events.EventAgentDown, AgentID: agentID})
}

// RegisterAgent implements agent.Coordinator.
func (o *Orchestrator) RegisterAgent(profile types.AgentProfile) error {
	if err := o.sched.RegisterAgent(profile); err != nil {
		return err
	}
	stored, err := o.sched.Agent(profile.ID)
	if err == nil {
		if serr := o.store.SaveAgent(&stored); serr != nil {
			log.WithAgentID(profile.ID).Warn().Err(serr).Msg("agent record save failed")
		}
	}
	o.broker.Publish(&events.Event{Type: events.EventAgentRegistered, AgentID: profile.ID})
	return nil
}

// Heartbeat implements agent.Coordinator.
func (o *Orchestrator) Heartbeat(agentID string) error {
	return o.sched.Heartbeat(agentID)
}

// StartTask implements agent.Coordinator.
func (o *Orchestrator) StartTask(taskID string) error {
	return o.engine.Execute(taskID, false)
}

// CompleteTask implements agent.Coordinator.
func (o *Orchestrator) CompleteTask(taskID, agentID string, result []byte, duration time.Duration) error {
	return o.engine.Complete(taskID, agentID, result, duration)
}

// FailTask implements agent.Coordinator.
func (o *Orchestrator) FailTask(taskID, agentID string, taskErr *types.TaskError) error {
	return o.engine.Fail(taskID, agentID, taskErr)
}

// AckMessage implements agent.Coordinator.
func (o *Orchestrator) AckMessage(msgID, agentID string) error {
	return o.bus.Ack(msgID, agentID)
}

// Engine exposes the task engine for queries and operations.
func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

// Scheduler exposes agent and workload queries.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Bus exposes the message fabric.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Memory exposes the shared memory layer.
func (o *Orchestrator) Memory() *memory.Store { return o.memory }

// Tools exposes the tool registry.
func (o *Orchestrator) Tools() *registry.Registry { return o.tools }

// Events exposes the event broker.
func (o *Orchestrator) Events() *events.Broker { return o.broker }

// Transports exposes the transport registry, for remote agent adapters.
func (o *Orchestrator) Transports() *transport.Registry { return o.transports }

// Store exposes the persistence layer.
func (o *Orchestrator) Store() storage.Store { return o.store }

// toRecord flattens a task into its persisted shape.
func toRecord(t *types.Task) *types.TaskRecord {
	metadata := ""
	if len(t.Metadata) > 0 {
		if data, err := json.Marshal(t.Metadata); err == nil {
			metadata = string(data)
		}
	}
	return &types.TaskRecord{
		ID:            t.ID,
		Type:          t.Type,
		Description:   t.Description,
		Status:        string(t.Status),
		Priority:      t.Priority,
		Dependencies:  strings.Join(t.Dependencies, ","),
		Metadata:      metadata,
		Progress:      t.Progress,
		CreatedAt:     t.CreatedAt.UnixMilli(),
		AssignedAgent: t.AssignedAgent,
	}
}

// priorityFor maps a 1-10 task priority onto message priorities.
func priorityFor(p int) types.MessagePriority {
	switch {
	case p >= 9:
		return types.PriorityCritical
	case p >= 7:
		return types.PriorityHigh
	case p <= 2:
		return types.PriorityLow
	default:
		return types.PriorityNormal
	}
}
