package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/client"
	"github.com/corvid-labs/rookery/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TYPE",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetInt("priority")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		deps, _ := cmd.Flags().GetStringSlice("depends-on")
		caps, _ := cmd.Flags().GetStringSlice("requires")
		id, _ := cmd.Flags().GetString("id")

		task, err := client.New(serverAddr).CreateTask(cmd.Context(), client.TaskSpec{
			ID:                   id,
			Type:                 args[0],
			Description:          description,
			Priority:             priority,
			Tags:                 tags,
			TimeoutSeconds:       int(timeout / time.Second),
			MaxRetries:           maxRetries,
			Dependencies:         deps,
			RequiredCapabilities: caps,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Task %s created (%s, priority %d)\n", task.ID, task.Status, task.Priority)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		taskType, _ := cmd.Flags().GetString("type")
		agent, _ := cmd.Flags().GetString("agent")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := client.New(serverAddr).ListTasks(cmd.Context(), client.TaskFilter{
			Status: status,
			Type:   taskType,
			Agent:  agent,
			Limit:  limit,
		})
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(tasks)
		}

		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				t.ID,
				t.Type,
				string(t.Status),
				strconv.Itoa(t.Priority),
				dash(t.AssignedAgent),
				strconv.Itoa(t.Progress) + "%",
				t.CreatedAt.Format(time.RFC3339),
			})
		}
		return printRows([]string{"ID", "TYPE", "STATUS", "PRIORITY", "AGENT", "PROGRESS", "CREATED"}, rows)
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := client.New(serverAddr).GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		cascade, _ := cmd.Flags().GetBool("cascade")
		force, _ := cmd.Flags().GetBool("force")

		if err := client.New(serverAddr).CancelTask(cmd.Context(), args[0], reason, cascade, force); err != nil {
			return err
		}
		fmt.Printf("Task %s cancelled\n", args[0])
		return nil
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry TASK_ID",
	Short: "Retry a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset-retries")
		newAgent, _ := cmd.Flags().GetString("new-agent")

		opts := client.RetryOptions{ResetRetries: reset, NewAgent: newAgent}
		if cmd.Flags().Changed("max-retries") {
			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			opts.MaxRetries = &maxRetries
		}

		if err := client.New(serverAddr).RetryTask(cmd.Context(), args[0], opts); err != nil {
			return err
		}
		fmt.Printf("Task %s queued for retry\n", args[0])
		return nil
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign TASK_ID",
	Short: "Assign a task to an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")

		agentID, err := client.New(serverAddr).AssignTask(cmd.Context(), args[0], agent)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s assigned to %s\n", args[0], agentID)
		return nil
	},
}

var taskExecuteCmd = &cobra.Command{
	Use:   "execute TASK_ID",
	Short: "Start an assigned task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		if err := client.New(serverAddr).ExecuteTask(cmd.Context(), args[0], force); err != nil {
			return err
		}
		fmt.Printf("Task %s running\n", args[0])
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update TASK_ID",
	Short: "Update task fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields client.UpdateFields
		if cmd.Flags().Changed("description") {
			v, _ := cmd.Flags().GetString("description")
			fields.Description = &v
		}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetInt("priority")
			fields.Priority = &v
		}
		if cmd.Flags().Changed("progress") {
			v, _ := cmd.Flags().GetInt("progress")
			fields.Progress = &v
		}
		if cmd.Flags().Changed("max-retries") {
			v, _ := cmd.Flags().GetInt("max-retries")
			fields.MaxRetries = &v
		}
		if cmd.Flags().Changed("tags") {
			fields.Tags, _ = cmd.Flags().GetStringSlice("tags")
		}

		task, err := client.New(serverAddr).UpdateTask(cmd.Context(), args[0], fields)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s updated (priority %d, progress %d%%)\n", task.ID, task.Priority, task.Progress)
		return nil
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate task counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl := client.New(serverAddr)
		stats, err := cl.TaskStats(cmd.Context())
		if err != nil {
			return err
		}

		if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
			combined := map[string]any{"tasks": stats}
			if sched, err := cl.SchedulerStats(cmd.Context()); err == nil {
				combined["scheduler"] = sched
			}
			if bus, err := cl.BusStats(cmd.Context()); err == nil {
				combined["bus"] = bus
			}
			return printJSON(combined)
		}
		return printJSON(stats)
	},
}

var taskGraphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the dependency graph in DOT format",
	RunE: func(cmd *cobra.Command, args []string) error {
		dot, err := client.New(serverAddr).TaskGraph(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(dot)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskRetryCmd)
	taskCmd.AddCommand(taskAssignCmd)
	taskCmd.AddCommand(taskExecuteCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskStatsCmd)
	taskCmd.AddCommand(taskGraphCmd)

	taskCreateCmd.Flags().String("id", "", "Explicit task id (defaults to a generated one)")
	taskCreateCmd.Flags().String("description", "", "Human-readable description")
	taskCreateCmd.Flags().Int("priority", 0, "Priority 1-10 (default 5)")
	taskCreateCmd.Flags().StringSlice("tags", nil, "Tags")
	taskCreateCmd.Flags().Duration("timeout", 0, "Execution timeout (e.g. 90s, 5m)")
	taskCreateCmd.Flags().Int("max-retries", 0, "Retry budget")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "Task ids this task depends on")
	taskCreateCmd.Flags().StringSlice("requires", nil, "Capabilities the executing agent must have")

	taskListCmd.Flags().String("status", "", "Filter by status "+validStatuses())
	taskListCmd.Flags().String("type", "", "Filter by task type")
	taskListCmd.Flags().String("agent", "", "Filter by assigned agent")
	taskListCmd.Flags().Int("limit", 0, "Maximum number of tasks")
	taskListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, csv")

	taskCancelCmd.Flags().String("reason", "cancelled via cli", "Cancellation reason")
	taskCancelCmd.Flags().Bool("cascade", false, "Also cancel non-terminal dependents")
	taskCancelCmd.Flags().Bool("force", false, "Cancel even terminal tasks")

	taskRetryCmd.Flags().Bool("reset-retries", false, "Reset the retry counter")
	taskRetryCmd.Flags().String("new-agent", "", "Prefer this agent for the next attempt")
	taskRetryCmd.Flags().Int("max-retries", 0, "Raise or lower the retry budget")

	taskAssignCmd.Flags().String("agent", "", "Pin to this agent (empty lets the scheduler pick)")

	taskExecuteCmd.Flags().Bool("force", false, "Restart a terminal task on its last agent")

	taskStatsCmd.Flags().Bool("detailed", false, "Include scheduler and bus counters")

	taskUpdateCmd.Flags().String("description", "", "New description")
	taskUpdateCmd.Flags().Int("priority", 0, "New priority 1-10")
	taskUpdateCmd.Flags().Int("progress", 0, "Progress 0-100")
	taskUpdateCmd.Flags().Int("max-retries", 0, "New retry budget")
	taskUpdateCmd.Flags().StringSlice("tags", nil, "Replacement tags")
}

func validStatuses() string {
	statuses := []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusQueued, types.TaskStatusAssigned,
		types.TaskStatusRunning, types.TaskStatusCompleted, types.TaskStatusFailed,
		types.TaskStatusCancelled,
	}
	out := "("
	for i, s := range statuses {
		if i > 0 {
			out += ", "
		}
		out += string(s)
	}
	return out + ")"
}
