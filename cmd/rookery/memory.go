package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/client"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage shared memory",
}

var memoryRememberCmd = &cobra.Command{
	Use:   "remember CONTENT",
	Short: "Store a memory entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		entryType, _ := cmd.Flags().GetString("type")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		shareLevel, _ := cmd.Flags().GetString("share-level")
		taskID, _ := cmd.Flags().GetString("task")

		entry, err := client.New(serverAddr).Remember(cmd.Context(), client.MemorySpec{
			AgentID:    agentID,
			Type:       entryType,
			Content:    args[0],
			Tags:       tags,
			ShareLevel: shareLevel,
			TaskID:     taskID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Entry %s stored (%s, %s)\n", entry.ID, entry.Type, entry.ShareLevel)
		return nil
	},
}

var memoryRecallCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall memory entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")
		entryType, _ := cmd.Flags().GetString("type")
		taskID, _ := cmd.Flags().GetString("task")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		requester, _ := cmd.Flags().GetString("as")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := client.New(serverAddr).Recall(cmd.Context(), client.MemoryFilter{
			Agent:     agent,
			Type:      entryType,
			TaskID:    taskID,
			Tags:      tags,
			Requester: requester,
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(entries)
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			content := e.Content
			if len(content) > 60 {
				content = content[:57] + "..."
			}
			rows = append(rows, []string{
				e.ID,
				e.AgentID,
				string(e.Type),
				string(e.ShareLevel),
				strings.Join(e.Tags, ","),
				e.Timestamp.Format(time.RFC3339),
				content,
			})
		}
		return printRows([]string{"ID", "AGENT", "TYPE", "SHARE", "TAGS", "STORED", "CONTENT"}, rows)
	},
}

var memoryShareCmd = &cobra.Command{
	Use:   "share ENTRY_ID TARGET_AGENT",
	Short: "Share an entry with another agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := client.New(serverAddr).ShareEntry(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Entry shared as %s with %s\n", entry.ID, args[1])
		return nil
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search TERM",
	Short: "Search knowledge bases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		expertise, _ := cmd.Flags().GetString("expertise")

		entries, err := client.New(serverAddr).SearchKnowledge(cmd.Context(), args[0], domain, expertise)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

func init() {
	memoryCmd.AddCommand(memoryRememberCmd)
	memoryCmd.AddCommand(memoryRecallCmd)
	memoryCmd.AddCommand(memoryShareCmd)
	memoryCmd.AddCommand(memorySearchCmd)

	memoryRememberCmd.Flags().String("agent", "", "Owning agent id")
	memoryRememberCmd.Flags().String("type", "knowledge", "Entry type (knowledge, result, state, communication, error)")
	memoryRememberCmd.Flags().StringSlice("tags", nil, "Tags")
	memoryRememberCmd.Flags().String("share-level", "private", "Visibility (private, team, public)")
	memoryRememberCmd.Flags().String("task", "", "Related task id")
	memoryRememberCmd.MarkFlagRequired("agent")

	memoryRecallCmd.Flags().String("agent", "", "Filter by owning agent")
	memoryRecallCmd.Flags().String("type", "", "Filter by entry type")
	memoryRecallCmd.Flags().String("task", "", "Filter by task id")
	memoryRecallCmd.Flags().StringSlice("tags", nil, "Filter by tags")
	memoryRecallCmd.Flags().String("as", "", "Requesting agent (reveals own private entries)")
	memoryRecallCmd.Flags().Int("limit", 0, "Maximum number of entries")
	memoryRecallCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, csv")

	memorySearchCmd.Flags().String("domain", "", "Restrict to one knowledge base")
	memorySearchCmd.Flags().String("expertise", "", "Restrict to bases covering this expertise")
}
