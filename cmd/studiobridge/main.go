package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/studiobridge/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "studiobridge",
	Short:         "studiobridge keeps a resilient connection to a studio assistant service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and co are parsed
		return initLogger(logSettings)
	},
}

var (
	logSettings LogSettings
	configFile  string
	outputFmt   string
)

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logSettings.Level, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&logSettings.Format, "log-format", "auto", "Log format (auto, text or json); auto picks text on a terminal")
	pf.BoolVar(&logSettings.WithCaller, "with-caller", false, "Log caller file and line")
	pf.StringVar(&configFile, "config", "", "Config file (default $HOME/.studiobridge/config.yaml)")
	pf.StringVarP(&outputFmt, "output", "o", "yaml", "Output format for structured results (yaml or json)")
	config.AddFlags(pf)

	cobra.CheckErr(initLogger(logSettings))

	rootCmd.AddCommand(
		newWatchCommand(),
		newStatusCommand(),
		newHealthCommand(),
		newChatCommand(),
		newSuggestCommand(),
		newAnalyzeCommand(),
		newSyncCommand(),
		newTransportCommand(),
		newPushCommand(),
		newJournalCommand(),
		newMockServerCommand(),
	)

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
