package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Client talks to a rookery node over its HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given address. A bare host:port is
// treated as http.
func New(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// do issues a request and decodes the response into out when non-nil.
// Error responses are rehydrated into kinded errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindDeliveryFailure, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindDeliveryFailure, err, "read response")
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return &errdefs.Error{Kind: errdefs.Kind(apiErr.Kind), Msg: apiErr.Error}
		}
		return errdefs.Internal("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "decode response")
	}
	return nil
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ID                   string            `json:"id,omitempty"`
	Type                 string            `json:"type"`
	Description          string            `json:"description,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds       int               `json:"timeout_seconds,omitempty"`
	MaxRetries           int               `json:"max_retries,omitempty"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
}

// CreateTask submits a task.
func (c *Client) CreateTask(ctx context.Context, spec TaskSpec) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", spec, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status string
	Type   string
	Agent  string
	Tags   []string
	SortBy string
	Limit  int
}

type taskList struct {
	Tasks []types.Task `json:"tasks"`
	Count int          `json:"count"`
}

// ListTasks fetches tasks matching the filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.Agent != "" {
		q.Set("agent", filter.Agent)
	}
	if len(filter.Tags) > 0 {
		q.Set("tags", strings.Join(filter.Tags, ","))
	}
	if filter.SortBy != "" {
		q.Set("sort", filter.SortBy)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/api/v1/tasks"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var list taskList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string, cascade, force bool) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	q.Set("cascade", strconv.FormatBool(cascade))
	q.Set("force", strconv.FormatBool(force))
	return c.do(ctx, http.MethodDelete,
		"/api/v1/tasks/"+url.PathEscape(taskID)+"?"+q.Encode(), nil, nil)
}

// ExecuteTask moves an assigned task to running. force restarts a
// terminal task on its last agent.
func (c *Client) ExecuteTask(ctx context.Context, taskID string, force bool) error {
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/execute"
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// RetryOptions tunes a retry request.
type RetryOptions struct {
	ResetRetries bool   `json:"reset_retries,omitempty"`
	NewAgent     string `json:"new_agent,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
}

// RetryTask returns a failed task to the queue.
func (c *Client) RetryTask(ctx context.Context, taskID string, opts RetryOptions) error {
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/retry", opts, nil)
}

// AssignTask assigns a task, optionally pinned to an agent.
func (c *Client) AssignTask(ctx context.Context, taskID, agentID string) (string, error) {
	var resp struct {
		AgentID string `json:"agent_id"`
	}
	body := map[string]string{"agent_id": agentID}
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/assign", body, &resp)
	return resp.AgentID, err
}

// UpdateFields mutates caller-editable task fields. Nil means unchanged.
type UpdateFields struct {
	Description    *string           `json:"description,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds *int              `json:"timeout_seconds,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	Progress       *int              `json:"progress,omitempty"`
}

// UpdateTask patches a task.
func (c *Client) UpdateTask(ctx context.Context, taskID string, fields UpdateFields) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodPatch, "/api/v1/tasks/"+url.PathEscape(taskID), fields, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskStats fetches aggregate task counters.
func (c *Client) TaskStats(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskGraph fetches the dependency graph in DOT format.
func (c *Client) TaskGraph(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/tasks/graph", nil)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInvalidInput, err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindDeliveryFailure, err, "fetch graph")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindDeliveryFailure, err, "read graph")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errdefs.Internal("fetch graph: unexpected status %d", resp.StatusCode)
	}
	return string(data), nil
}

// AgentSpec describes a remote agent to register. TransportURL, when
// set, is the websocket endpoint the node dials for deliveries.
type AgentSpec struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	TransportURL       string   `json:"transport_url,omitempty"`
}

// RegisterAgent admits an agent into the scheduler.
func (c *Client) RegisterAgent(ctx context.Context, spec AgentSpec) (*types.AgentProfile, error) {
	var profile types.AgentProfile
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", spec, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// HeartbeatAgent refreshes an agent's liveness.
func (c *Client) HeartbeatAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil)
}

type agentList struct {
	Agents []types.AgentProfile `json:"agents"`
	Count  int                  `json:"count"`
}

// ListAgents fetches every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]types.AgentProfile, error) {
	var list agentList
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &list); err != nil {
		return nil, err
	}
	return list.Agents, nil
}

// GetAgent fetches one agent profile.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	var profile types.AgentProfile
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID), nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// DetachAgent disconnects an agent and requeues its tasks.
func (c *Client) DetachAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// MemorySpec describes an entry to store.
type MemorySpec struct {
	AgentID    string            `json:"agent_id"`
	Type       string            `json:"type,omitempty"`
	Content    string            `json:"content"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	ShareLevel string            `json:"share_level,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Objective  string            `json:"objective,omitempty"`
}

// Remember stores a memory entry.
func (c *Client) Remember(ctx context.Context, spec MemorySpec) (*types.MemoryEntry, error) {
	var entry types.MemoryEntry
	if err := c.do(ctx, http.MethodPost, "/api/v1/memory", spec, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MemoryFilter narrows Recall results.
type MemoryFilter struct {
	Agent     string
	Type      string
	TaskID    string
	Tags      []string
	Requester string
	Limit     int
}

type entryList struct {
	Entries []types.MemoryEntry `json:"entries"`
	Count   int                 `json:"count"`
}

// Recall fetches memory entries matching the filter.
func (c *Client) Recall(ctx context.Context, filter MemoryFilter) ([]types.MemoryEntry, error) {
	q := url.Values{}
	if filter.Agent != "" {
		q.Set("agent", filter.Agent)
	}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.TaskID != "" {
		q.Set("task_id", filter.TaskID)
	}
	if len(filter.Tags) > 0 {
		q.Set("tags", strings.Join(filter.Tags, ","))
	}
	if filter.Requester != "" {
		q.Set("requester", filter.Requester)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/api/v1/memory"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var list entryList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Entries, nil
}

// ShareEntry shares an entry with one agent.
func (c *Client) ShareEntry(ctx context.Context, entryID, targetAgent string) (*types.MemoryEntry, error) {
	var entry types.MemoryEntry
	body := map[string]string{"target_agent": targetAgent}
	err := c.do(ctx, http.MethodPost, "/api/v1/memory/"+url.PathEscape(entryID)+"/share", body, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SearchKnowledge searches indexed knowledge entries.
func (c *Client) SearchKnowledge(ctx context.Context, term, domain, expertise string) ([]types.MemoryEntry, error) {
	q := url.Values{}
	q.Set("term", term)
	if domain != "" {
		q.Set("domain", domain)
	}
	if expertise != "" {
		q.Set("expertise", expertise)
	}

	var list entryList
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge/search?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return list.Entries, nil
}

// BusStats fetches message bus counters.
func (c *Client) BusStats(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	if err := c.do(ctx, http.MethodGet, "/api/v1/bus/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeadLetters fetches undeliverable messages.
func (c *Client) DeadLetters(ctx context.Context) ([]map[string]any, error) {
	var resp struct {
		DeadLetters []map[string]any `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/bus/dead-letters", nil, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// SchedulerStats fetches workload and steal counters.
func (c *Client) SchedulerStats(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	if err := c.do(ctx, http.MethodGet, "/api/v1/scheduler/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the node answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// InvokeTool runs a registered tool by name.
func (c *Client) InvokeTool(ctx context.Context, name string, input map[string]any) (any, error) {
	var resp struct {
		Result any `json:"result"`
	}
	path := "/api/v1/tools/invoke/" + name
	if err := c.do(ctx, http.MethodPost, path, input, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// String renders the target address, for diagnostics.
func (c *Client) String() string {
	return fmt.Sprintf("rookery@%s", c.base)
}
