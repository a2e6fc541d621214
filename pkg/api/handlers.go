package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvid-labs/rookery/pkg/engine"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/memory"
	"github.com/corvid-labs/rookery/pkg/transport"
	"github.com/corvid-labs/rookery/pkg/types"
)

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindInvalidInput:
		return http.StatusBadRequest
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflictState:
		return http.StatusConflict
	case errdefs.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case errdefs.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindDeliveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  string(errdefs.KindOf(err)),
	})
}

type createTaskRequest struct {
	ID                   string            `json:"id"`
	Type                 string            `json:"type" binding:"required"`
	Description          string            `json:"description"`
	Priority             int               `json:"priority"`
	Tags                 []string          `json:"tags"`
	Metadata             map[string]string `json:"metadata"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	MaxRetries           int               `json:"max_retries"`
	Dependencies         []string          `json:"dependencies"`
	RequiredCapabilities []string          `json:"required_capabilities"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode task request"))
		return
	}

	task, err := s.orch.Engine().Create(engine.CreateSpec{
		ID:                   req.ID,
		Type:                 req.Type,
		Description:          req.Description,
		Priority:             req.Priority,
		Tags:                 req.Tags,
		Metadata:             req.Metadata,
		Timeout:              time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRetries:           req.MaxRetries,
		Dependencies:         req.Dependencies,
		RequiredCapabilities: req.RequiredCapabilities,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tasks := s.orch.Engine().List(engine.ListFilter{
		Status: types.TaskStatus(c.Query("status")),
		Type:   c.Query("type"),
		Agent:  c.Query("agent"),
		Tags:   splitParam(c.Query("tags")),
		SortBy: c.Query("sort"),
		Limit:  limit,
	})
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.orch.Engine().Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type updateTaskRequest struct {
	Description    *string           `json:"description"`
	Priority       *int              `json:"priority"`
	Tags           []string          `json:"tags"`
	Metadata       map[string]string `json:"metadata"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
	MaxRetries     *int              `json:"max_retries"`
	Progress       *int              `json:"progress"`
}

func (s *Server) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode update request"))
		return
	}

	fields := engine.UpdateFields{
		Description: req.Description,
		Priority:    req.Priority,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		MaxRetries:  req.MaxRetries,
		Progress:    req.Progress,
	}
	if req.TimeoutSeconds != nil {
		d := time.Duration(*req.TimeoutSeconds) * time.Second
		fields.Timeout = &d
	}

	task, err := s.orch.Engine().Update(c.Param("id"), fields)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	reason := c.DefaultQuery("reason", "cancelled via api")
	cascade := c.Query("cascade") == "true"
	force := c.Query("force") == "true"

	if err := s.orch.Engine().Cancel(c.Param("id"), reason, cascade, force); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type assignTaskRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) assignTask(c *gin.Context) {
	var req assignTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode assign request"))
			return
		}
	}

	agentID, err := s.orch.Engine().Assign(c.Param("id"), engine.AssignOptions{
		AgentID:  req.AgentID,
		Strategy: "api",
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID})
}

type retryTaskRequest struct {
	ResetRetries bool   `json:"reset_retries"`
	NewAgent     string `json:"new_agent"`
	MaxRetries   *int   `json:"max_retries"`
}

func (s *Server) retryTask(c *gin.Context) {
	var req retryTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode retry request"))
			return
		}
	}

	err := s.orch.Engine().Retry(c.Param("id"), engine.RetryOptions{
		ResetRetries: req.ResetRetries,
		NewAgent:     req.NewAgent,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retrying"})
}

func (s *Server) executeTask(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := s.orch.Engine().Execute(c.Param("id"), force); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) taskStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Engine().TaskStats())
}

func (s *Server) taskGraph(c *gin.Context) {
	c.Data(http.StatusOK, "text/vnd.graphviz", []byte(s.orch.Engine().GraphDot()))
}

type registerAgentRequest struct {
	ID                 string   `json:"id" binding:"required"`
	Type               string   `json:"type"`
	Capabilities       []string `json:"capabilities"`
	Priority           int      `json:"priority"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	TransportURL       string   `json:"transport_url"`
}

// registerAgent admits a remote agent. When a transport URL is given the
// orchestrator dials the agent's websocket for deliveries.
func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode register request"))
		return
	}

	if req.TransportURL != "" {
		s.orch.Transports().Register(req.ID,
			transport.NewWebSocket(req.ID, req.TransportURL, s.orch.Transports()))
	}

	err := s.orch.RegisterAgent(types.AgentProfile{
		ID:                 req.ID,
		Type:               req.Type,
		Capabilities:       req.Capabilities,
		Priority:           req.Priority,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		if req.TransportURL != "" {
			s.orch.Transports().Deregister(req.ID)
		}
		fail(c, err)
		return
	}

	profile, err := s.orch.Scheduler().Agent(req.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

func (s *Server) heartbeatAgent(c *gin.Context) {
	if err := s.orch.Heartbeat(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listAgents(c *gin.Context) {
	agents := s.orch.Scheduler().Agents()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (s *Server) getAgent(c *gin.Context) {
	profile, err := s.orch.Scheduler().Agent(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) detachAgent(c *gin.Context) {
	if _, err := s.orch.Scheduler().Agent(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	s.orch.DetachAgent(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "detached"})
}

type rememberRequest struct {
	AgentID    string            `json:"agent_id" binding:"required"`
	Type       string            `json:"type"`
	Content    string            `json:"content" binding:"required"`
	Tags       []string          `json:"tags"`
	Metadata   map[string]string `json:"metadata"`
	Priority   int               `json:"priority"`
	ShareLevel string            `json:"share_level"`
	TaskID     string            `json:"task_id"`
	Objective  string            `json:"objective"`
}

func (s *Server) remember(c *gin.Context) {
	var req rememberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode memory request"))
		return
	}

	entry, err := s.orch.Memory().Remember(memory.RememberSpec{
		AgentID:    req.AgentID,
		Type:       types.MemoryType(req.Type),
		Content:    req.Content,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		Priority:   req.Priority,
		ShareLevel: types.ShareLevel(req.ShareLevel),
		TaskID:     req.TaskID,
		Objective:  req.Objective,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) recall(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries := s.orch.Memory().Recall(memory.Query{
		Agent:      c.Query("agent"),
		Type:       types.MemoryType(c.Query("type")),
		TaskID:     c.Query("task_id"),
		Objective:  c.Query("objective"),
		Tags:       splitParam(c.Query("tags")),
		ShareLevel: types.ShareLevel(c.Query("share_level")),
		Requester:  c.Query("requester"),
		Limit:      limit,
	})
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) memoryStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Memory().MemoryStats())
}

type shareRequest struct {
	TargetAgent string   `json:"target_agent"`
	Targets     []string `json:"targets"`
}

func (s *Server) shareEntry(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode share request"))
		return
	}

	if len(req.Targets) > 0 {
		shared := s.orch.Memory().Broadcast(c.Param("id"), req.Targets)
		c.JSON(http.StatusOK, gin.H{"shared": shared, "count": len(shared)})
		return
	}

	entry, err := s.orch.Memory().Share(c.Param("id"), req.TargetAgent)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) forgetEntry(c *gin.Context) {
	if err := s.orch.Memory().Forget(c.Param("id"), c.Query("requester")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "forgotten"})
}

type createBaseRequest struct {
	Domain    string   `json:"domain" binding:"required"`
	Expertise []string `json:"expertise"`
}

func (s *Server) createBase(c *gin.Context) {
	var req createBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode knowledge base request"))
		return
	}

	base, err := s.orch.Memory().CreateBase(req.Domain, req.Expertise)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, base)
}

func (s *Server) listBases(c *gin.Context) {
	bases := s.orch.Memory().Bases()
	c.JSON(http.StatusOK, gin.H{"bases": bases, "count": len(bases)})
}

func (s *Server) searchKnowledge(c *gin.Context) {
	term := c.Query("term")
	if term == "" {
		fail(c, errdefs.InvalidInput("search needs a term parameter"))
		return
	}
	entries := s.orch.Memory().SearchKnowledge(term, c.Query("domain"), c.Query("expertise"))
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) listTools(c *gin.Context) {
	tools := s.orch.Tools().List()
	c.JSON(http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
}

func (s *Server) invokeTool(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	raw, err := c.GetRawData()
	if err != nil {
		fail(c, errdefs.Wrap(errdefs.KindInvalidInput, err, "read tool input"))
		return
	}

	out, err := s.orch.Tools().Invoke(c.Request.Context(), name, raw)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": out})
}

func (s *Server) busStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Bus().BusStats())
}

func (s *Server) deadLetters(c *gin.Context) {
	letters := s.orch.Bus().DeadLetters()
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
}

func (s *Server) schedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Scheduler().Stats())
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
