package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/orchestrator"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch   *orchestrator.Orchestrator
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{orch: orch, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.engine.Group("/api/v1")

	tasks := v1.Group("/tasks")
	tasks.POST("", s.createTask)
	tasks.GET("", s.listTasks)
	tasks.GET("/stats", s.taskStats)
	tasks.GET("/graph", s.taskGraph)
	tasks.GET("/:id", s.getTask)
	tasks.PATCH("/:id", s.updateTask)
	tasks.DELETE("/:id", s.cancelTask)
	tasks.POST("/:id/assign", s.assignTask)
	tasks.POST("/:id/execute", s.executeTask)
	tasks.POST("/:id/retry", s.retryTask)

	agents := v1.Group("/agents")
	agents.POST("", s.registerAgent)
	agents.POST("/:id/heartbeat", s.heartbeatAgent)
	agents.GET("", s.listAgents)
	agents.GET("/:id", s.getAgent)
	agents.DELETE("/:id", s.detachAgent)

	mem := v1.Group("/memory")
	mem.POST("", s.remember)
	mem.GET("", s.recall)
	mem.GET("/stats", s.memoryStats)
	mem.POST("/:id/share", s.shareEntry)
	mem.DELETE("/:id", s.forgetEntry)

	kb := v1.Group("/knowledge")
	kb.POST("/bases", s.createBase)
	kb.GET("/bases", s.listBases)
	kb.GET("/search", s.searchKnowledge)

	tools := v1.Group("/tools")
	tools.GET("", s.listTools)
	tools.POST("/invoke/*name", s.invokeTool)

	busGroup := v1.Group("/bus")
	busGroup.GET("/stats", s.busStats)
	busGroup.GET("/dead-letters", s.deadLetters)

	v1.GET("/scheduler/stats", s.schedulerStats)
	v1.GET("/events/ws", s.streamEvents)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithComponent("api").Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// ready verifies the store answers before reporting readiness.
func (s *Server) ready(c *gin.Context) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.orch.Store().GetStats(); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}
	checks["agents"] = "ok"
	if len(s.orch.Scheduler().Agents()) == 0 {
		checks["agents"] = "none registered"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    map[bool]string{true: "ready", false: "not ready"}[ready],
		"timestamp": time.Now(),
		"checks":    checks,
	})
}
