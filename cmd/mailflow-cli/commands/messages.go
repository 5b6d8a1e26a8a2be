package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mailflowd/mailflow/cmd/mailflow-cli/client"
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Inspect and manage messages",
}

var messagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		filters := url.Values{}
		for _, flag := range []string{"status", "domain", "sender", "recipient", "agent-group"} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				filters.Set(strings.ReplaceAll(flag, "-", "_"), v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			filters.Set("limit", fmt.Sprint(limit))
		}

		messages, err := apiClient().ListMessages(filters)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(messages)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSENDER\tRECIPIENTS\tFAILED\tUPDATED")
		for _, m := range messages {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				m.ID, m.Status, m.Sender, len(m.Recipients), m.FailedCount,
				m.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var messagesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := apiClient().GetMessage(args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(m)
		}
		printMessage(m)
		return nil
	},
}

var messagesActCmd = &cobra.Command{
	Use:   "act <id> <action>",
	Short: "Invoke an action on a message",
	Long: `Invoke an explicit action against a message, for example cancel,
push_to_queue or force_accept. Privileged actions need an operator API
key.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := apiClient().Act(args[0], args[1])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(m)
		}
		fmt.Printf("%s: %s\n", m.ID, m.Status)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a message from a file",
	Long:  "Read a full MIME payload from the file (or stdin with -) and submit it for delivery.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		sender, _ := cmd.Flags().GetString("from")
		recipients, _ := cmd.Flags().GetStringSlice("to")
		priority, _ := cmd.Flags().GetInt("priority")

		m, err := apiClient().Submit(client.SubmitRequest{
			Sender:     sender,
			Recipients: recipients,
			Raw:        raw,
			Priority:   priority,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(m)
		}
		fmt.Printf("%s: %s\n", m.ID, m.Status)
		return nil
	},
}

func init() {
	messagesListCmd.Flags().String("status", "", "filter by status (comma separated)")
	messagesListCmd.Flags().String("domain", "", "filter by sender domain")
	messagesListCmd.Flags().String("sender", "", "filter by sender address")
	messagesListCmd.Flags().String("recipient", "", "filter by recipient address")
	messagesListCmd.Flags().String("agent-group", "", "filter by agent group")
	messagesListCmd.Flags().Int("limit", 0, "maximum number of results")

	submitCmd.Flags().String("from", "", "envelope sender address")
	submitCmd.Flags().StringSlice("to", nil, "recipient addresses")
	submitCmd.Flags().Int("priority", 1, "priority (0 low, 1 normal, 2 high, 3 urgent)")
	submitCmd.MarkFlagRequired("from")
	submitCmd.MarkFlagRequired("to")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesShowCmd)
	messagesCmd.AddCommand(messagesActCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(submitCmd)
}

func printMessage(m *client.Message) {
	fmt.Printf("ID:          %s\n", m.ID)
	fmt.Printf("Status:      %s\n", m.Status)
	fmt.Printf("Sender:      %s\n", m.Sender)
	fmt.Printf("Subject:     %s\n", m.Subject)
	fmt.Printf("Priority:    %d\n", m.Priority)
	if m.AgentGroup != "" {
		fmt.Printf("Agent group: %s\n", m.AgentGroup)
	}
	if m.QueueID != "" {
		fmt.Printf("Queue ID:    %s\n", m.QueueID)
	}
	if m.FailedCount > 0 {
		fmt.Printf("Failures:    %d (%s)\n", m.FailedCount, m.LastError)
	}
	fmt.Println("Recipients:")
	for _, r := range m.Recipients {
		line := fmt.Sprintf("  %s\t%s", r.Email, r.Status)
		if r.Detail != "" {
			line += "\t" + r.Detail
		}
		fmt.Println(line)
	}
	if len(m.AvailableActions) > 0 {
		fmt.Printf("Actions:     %s\n", strings.Join(m.AvailableActions, ", "))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
