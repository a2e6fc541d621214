package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/client"
)

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Inspect the message bus",
}

var busStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show bus counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.New(serverAddr).BusStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var busDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List undeliverable messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		letters, err := client.New(serverAddr).DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println("No dead letters")
			return nil
		}
		return printJSON(letters)
	},
}

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Invoke registered tools",
}

var toolInvokeCmd = &cobra.Command{
	Use:   "invoke NAME [JSON_INPUT]",
	Short: "Invoke a tool by name",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := make(map[string]any)
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
				return fmt.Errorf("input must be a JSON object: %w", err)
			}
		}

		result, err := client.New(serverAddr).InvokeTool(cmd.Context(), args[0], input)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	busCmd.AddCommand(busStatsCmd)
	busCmd.AddCommand(busDeadLettersCmd)
	toolCmd.AddCommand(toolInvokeCmd)
}
