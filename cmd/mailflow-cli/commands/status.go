package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and delivery statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		if err := c.Health(); err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		fmt.Println("Server: ok")

		stats, err := c.Stats()
		if err != nil {
			// Stats need a configured valkey store; health alone is
			// still a useful answer.
			fmt.Printf("Stats unavailable: %v\n", err)
			return nil
		}
		if asJSON {
			return printJSON(stats)
		}
		if delivery, ok := stats["delivery"].(map[string]any); ok {
			for _, k := range []string{"submitted", "accepted", "blocked", "sent", "partially_sent", "bounced", "deferred"} {
				if v, ok := delivery[k]; ok {
					fmt.Printf("%-15s %v\n", k, v)
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
