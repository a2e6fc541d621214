package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/transport"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Message types the agent understands.
const (
	MsgTaskExecute = "task.execute"
	MsgTaskCancel  = "task.cancel"
)

// Assignment is the payload of a task.execute message.
type Assignment struct {
	Task types.Task `json:"task"`
}

// CancelRequest is the payload of a task.cancel message.
type CancelRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// Coordinator is the agent's view of the orchestrator.
type Coordinator interface {
	RegisterAgent(profile types.AgentProfile) error
	Heartbeat(agentID string) error
	StartTask(taskID string) error
	CompleteTask(taskID, agentID string, result []byte, duration time.Duration) error
	FailTask(taskID, agentID string, taskErr *types.TaskError) error
	AckMessage(msgID, agentID string) error
}

// TaskHandler executes one task. The context is cancelled when the task
// is cancelled or the agent stops.
type TaskHandler func(ctx context.Context, task *types.Task) (any, error)

// Config describes one agent.
type Config struct {
	ID                 string
	Type               string
	Capabilities       []string
	Priority           int
	MaxConcurrentTasks int
	HeartbeatInterval  time.Duration
}

// Agent is a worker that registers with the orchestrator, receives task
// assignments over the bus, and reports outcomes back.
type Agent struct {
	config Config
	coord  Coordinator

	mu       sync.Mutex
	handlers map[string]TaskHandler
	fallback TaskHandler
	cancels  map[string]context.CancelFunc
	sem      chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an agent. Task handlers are registered with Handle before
// Start.
func New(cfg Config, coord Coordinator) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errdefs.InvalidInput("agent id is required")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:     cfg,
		coord:      coord,
		handlers:   make(map[string]TaskHandler),
		cancels:    make(map[string]context.CancelFunc),
		sem:        make(chan struct{}, cfg.MaxConcurrentTasks),
		baseCtx:    ctx,
		cancelBase: cancel,
	}, nil
}

// Handle registers the handler for one task type.
func (a *Agent) Handle(taskType string, h TaskHandler) {
	a.mu.Lock()
	a.handlers[taskType] = h
	a.mu.Unlock()
}

// HandleDefault registers the fallback handler for task types without a
// dedicated one.
func (a *Agent) HandleDefault(h TaskHandler) {
	a.mu.Lock()
	a.fallback = h
	a.mu.Unlock()
}

// Transport returns the in-process transport the bus uses to reach this
// agent.
func (a *Agent) Transport() transport.Transport {
	return transport.NewInProc(a.config.ID, a.receive)
}

// Start registers the agent and begins heartbeating.
func (a *Agent) Start() error {
	profile := types.AgentProfile{
		ID:                 a.config.ID,
		Type:               a.config.Type,
		Capabilities:       a.config.Capabilities,
		Priority:           a.config.Priority,
		MaxConcurrentTasks: a.config.MaxConcurrentTasks,
	}
	if err := a.coord.RegisterAgent(profile); err != nil {
		return err
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.heartbeatLoop()

	log.WithAgentID(a.config.ID).Info().
		Strs("capabilities", a.config.Capabilities).
		Int("max_concurrent", a.config.MaxConcurrentTasks).
		Msg("agent started")
	return nil
}

// Stop cancels running tasks and halts the heartbeat loop.
func (a *Agent) Stop() {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
	}
	a.cancelBase()
	a.wg.Wait()
	log.WithAgentID(a.config.ID).Info().Msg("agent stopped")
}

func (a *Agent) heartbeatLoop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.coord.Heartbeat(a.config.ID); err != nil {
				log.WithAgentID(a.config.ID).Warn().Err(err).Msg("heartbeat failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

// receive handles one inbound bus message on the transport.
func (a *Agent) receive(msg *types.Message) error {
	switch msg.Type {
	case MsgTaskExecute:
		var payload Assignment
		if err := json.Unmarshal(msg.Content, &payload); err != nil {
			return errdefs.Wrap(errdefs.KindInvalidInput, err, "decode assignment")
		}
		a.ack(msg)
		a.wg.Add(1)
		go a.runTask(&payload.Task)
		return nil

	case MsgTaskCancel:
		var payload CancelRequest
		if err := json.Unmarshal(msg.Content, &payload); err != nil {
			return errdefs.Wrap(errdefs.KindInvalidInput, err, "decode cancel request")
		}
		a.ack(msg)
		a.cancelTask(payload.TaskID, payload.Reason)
		return nil

	default:
		// other traffic (broadcasts, shares) is accepted and ignored
		a.ack(msg)
		return nil
	}
}

func (a *Agent) ack(msg *types.Message) {
	if msg.Reliability == types.ReliabilityBestEffort || msg.Reliability == "" {
		return
	}
	if err := a.coord.AckMessage(msg.ID, a.config.ID); err != nil {
		log.WithAgentID(a.config.ID).Debug().Err(err).Str("message_id", msg.ID).Msg("ack failed")
	}
}

func (a *Agent) runTask(task *types.Task) {
	defer a.wg.Done()

	select {
	case a.sem <- struct{}{}:
	case <-a.baseCtx.Done():
		return
	}
	defer func() { <-a.sem }()

	handler := a.handlerFor(task.Type)
	if handler == nil {
		a.fail(task, &types.TaskError{
			Kind:    "no_handler",
			Message: "no handler for task type " + task.Type,
		})
		return
	}

	if err := a.coord.StartTask(task.ID); err != nil {
		log.WithTaskID(task.ID).Debug().Err(err).Msg("start rejected, dropping assignment")
		return
	}

	ctx, cancel := context.WithCancel(a.baseCtx)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(a.baseCtx, task.Timeout)
	}
	a.mu.Lock()
	a.cancels[task.ID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, task.ID)
		a.mu.Unlock()
	}()

	started := time.Now()
	result, err := handler(ctx, task)
	duration := time.Since(started)

	switch {
	case err == nil:
		encoded, merr := json.Marshal(result)
		if merr != nil {
			a.fail(task, &types.TaskError{Kind: "handler_error", Message: "result not serialisable: " + merr.Error()})
			return
		}
		if cerr := a.coord.CompleteTask(task.ID, a.config.ID, encoded, duration); cerr != nil {
			log.WithTaskID(task.ID).Debug().Err(cerr).Msg("completion rejected")
		}
	case ctx.Err() == context.DeadlineExceeded:
		a.fail(task, &types.TaskError{Kind: "timeout", Message: "task handler timed out"})
	case ctx.Err() == context.Canceled:
		// cancelled by the engine; it already transitioned the task
	default:
		a.fail(task, &types.TaskError{Kind: "handler_error", Message: err.Error()})
	}
}

func (a *Agent) handlerFor(taskType string) TaskHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handlers[taskType]; ok {
		return h
	}
	return a.fallback
}

func (a *Agent) fail(task *types.Task, taskErr *types.TaskError) {
	if err := a.coord.FailTask(task.ID, a.config.ID, taskErr); err != nil {
		log.WithTaskID(task.ID).Debug().Err(err).Msg("failure report rejected")
	}
}

func (a *Agent) cancelTask(taskID, reason string) {
	a.mu.Lock()
	cancel, ok := a.cancels[taskID]
	a.mu.Unlock()
	if ok {
		log.WithTaskID(taskID).Debug().Str("reason", reason).Msg("cancelling running task")
		cancel()
	}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string {
	return a.config.ID
}
