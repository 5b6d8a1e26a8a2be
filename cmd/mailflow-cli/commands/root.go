package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailflowd/mailflow/cmd/mailflow-cli/client"
)

var (
	apiURL  string
	apiKey  string
	asJSON  bool
	rootCmd = &cobra.Command{
		Use:   "mailflow-cli",
		Short: "Mailflow CLI - command line interface for the mailflow pipeline",
		Long: `A command-line tool for submitting mail into the pipeline, inspecting
message state and invoking operator actions against a running mailflow
server.`,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", "http://localhost:8825", "API server URL")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "API key for operator access")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON instead of tables")
}

func apiClient() *client.Client {
	return client.NewClient(apiURL, apiKey)
}
