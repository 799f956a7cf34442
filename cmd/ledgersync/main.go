package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ledgersync",
		Short:        "Offline-first ledger sync engine and server of record",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	bindFlag(rootCmd.PersistentFlags().Lookup("log-level"), "log.level")

	rootCmd.AddCommand(
		newServeCommand(defaults),
		newIssueTokenCommand(defaults),
		newDeactivateOwnerCommand(defaults),
		newSyncCommand(defaults),
		newBookCommand(defaults),
		newEntryCommand(defaults),
		newDeleteCommand(defaults),
		newUndoCommand(defaults),
		newConflictsCommand(defaults),
	)
	return rootCmd
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}
