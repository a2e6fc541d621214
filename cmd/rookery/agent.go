package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/client"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register AGENT_ID",
	Short: "Register a remote agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentType, _ := cmd.Flags().GetString("type")
		caps, _ := cmd.Flags().GetStringSlice("capabilities")
		priority, _ := cmd.Flags().GetInt("priority")
		maxTasks, _ := cmd.Flags().GetInt("max-concurrent")
		transportURL, _ := cmd.Flags().GetString("transport-url")

		profile, err := client.New(serverAddr).RegisterAgent(cmd.Context(), client.AgentSpec{
			ID:                 args[0],
			Type:               agentType,
			Capabilities:       caps,
			Priority:           priority,
			MaxConcurrentTasks: maxTasks,
			TransportURL:       transportURL,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Agent %s registered (%s)\n", profile.ID, profile.Status)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := client.New(serverAddr).ListAgents(cmd.Context())
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(agents)
		}

		rows := make([][]string, 0, len(agents))
		for _, a := range agents {
			rows = append(rows, []string{
				a.ID,
				dash(a.Type),
				string(a.Status),
				strings.Join(a.Capabilities, ","),
				strconv.Itoa(a.CurrentTasks) + "/" + strconv.Itoa(a.MaxConcurrentTasks),
			})
		}
		return printRows([]string{"ID", "TYPE", "STATUS", "CAPABILITIES", "LOAD"}, rows)
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show AGENT_ID",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := client.New(serverAddr).GetAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var agentDetachCmd = &cobra.Command{
	Use:   "detach AGENT_ID",
	Short: "Disconnect an agent and requeue its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.New(serverAddr).DetachAgent(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Agent %s detached\n", args[0])
		return nil
	},
}

var agentStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler workload counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.New(serverAddr).SchedulerStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentDetachCmd)
	agentCmd.AddCommand(agentStatsCmd)

	agentRegisterCmd.Flags().String("type", "", "Agent type")
	agentRegisterCmd.Flags().StringSlice("capabilities", nil, "Capabilities the agent offers")
	agentRegisterCmd.Flags().Int("priority", 0, "Agent priority 1-10")
	agentRegisterCmd.Flags().Int("max-concurrent", 0, "Concurrent task slots")
	agentRegisterCmd.Flags().String("transport-url", "", "Websocket URL the node dials for deliveries")

	agentListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, csv")
}
