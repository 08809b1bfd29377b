package cmd

import (
	"fmt"
	"os"

	"github.com/freelancehub/creditengine/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	gitCommit  string
	gitVersion string
)

var rootCmd = &cobra.Command{
	Use:   "billing",
	Short: "Subscription billing, credit ledger and referral service",
}

func Execute(commit, version string) {
	gitCommit = commit
	gitVersion = version

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to yaml config; env only when empty")

	rootCmd.AddCommand(
		serveWebCommand,
		runSchedulerCommand,
		migrateCommand,
		balanceCommand,
		catalogCommand,
		reputationCommand,
		envCommand,
		versionCommand,
	)
}

func resolveConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config: %s\n", err.Error())
		os.Exit(1)
	}

	cfg.GitCommit = gitCommit
	cfg.GitVersion = gitVersion

	return cfg
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print build version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("version %s, commit %s\n", gitVersion, gitCommit)
	},
}

var envCommand = &cobra.Command{
	Use:   "env",
	Short: "List supported environment variables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		description, err := config.Describe()
		if err != nil {
			return err
		}

		cmd.Println(description)

		return nil
	},
}
