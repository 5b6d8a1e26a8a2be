package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/mailflowd/mailflow/internal/config"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailflow",
		Short: "Mailflow - outbound mail delivery pipeline",
		Long: `Mailflow accepts outbound mail over HTTP, runs it through a validation
gate, publishes accepted mail to transfer agents over a broker, and
reconciles delivery status back into the message store.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(reconcilerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the pipeline server",
	Long:  "Start the HTTP API, the publish sweep and the status reconciler in one process",
	RunE:  runServer,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start a transfer agent",
	Long:  "Start a transfer agent pool consuming its group's broker queue and relaying over SMTP",
	RunE:  runAgent,
}

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Start a standalone status reconciler",
	Long:  "Run only the status reconcile loop, for deployments that keep it out of the server process",
	RunE:  runReconciler,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Mailflow %s\n", cmd.Root().Version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serverCmd.Flags().String("hostname", "", "server hostname (overrides config)")
	serverCmd.Flags().Bool("no-reconciler", false, "do not run the reconcile loop in this process")

	agentCmd.Flags().String("group", "", "agent group to serve (overrides config)")
	agentCmd.Flags().Int("workers", 0, "number of concurrent workers (overrides config)")

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a default configuration file",
		RunE:  generateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE:  validateConfig,
	})
}

func generateConfig(cmd *cobra.Command, args []string) error {
	data, err := toml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func validateConfig(cmd *cobra.Command, args []string) error {
	file, err := config.FindConfigFile(configPath)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	result := cfg.Validate()
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s\n", w.Error())
	}
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Printf("error: %s\n", e.Error())
		}
		return fmt.Errorf("%s: %d error(s)", file, len(result.Errors))
	}
	fmt.Printf("%s: configuration is valid\n", file)
	return nil
}
