package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"edensetup/internal/config"
	pkgconfig "edensetup/pkg/config"
	"edensetup/pkg/logging"
)

var (
	cfgFile string
	output  string
	verbose bool
)

// NewRootCmd returns the root command for the edensetup CLI
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "edensetup",
		Short:         "Deploy, refresh and upgrade Sahana Eden instances",
		Long:          "edensetup renders Ansible playbooks for Eden instances, schedules them on a worker queue and tracks their packages.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.edensetup/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "", "output format: json|text (default: text)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newUpgradeCmd())
	rootCmd.AddCommand(newTemplatesCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig reads the YAML config then applies EDENSETUP_* overrides,
// including any set in a .env file.
func loadConfig(logger logging.Logger) (config.Config, error) {
	pkgconfig.LoadEnv(logger)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.ApplyOverrides(&cfg, config.NewViper()); err != nil {
		return config.Config{}, fmt.Errorf("config overrides: %w", err)
	}
	return cfg, nil
}

func newLogger(service string) logging.Logger {
	logger := logging.NewLoggerWithService(service)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
