// Package commands is the nearchat command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/pivaldi/nearchat/internal/node"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

// Execute runs the root command. With no subcommand it starts the chat.
func Execute() error {
	root := &cobra.Command{
		Use:          "nearchat",
		Short:        "Serverless chat with peers on the local network",
		SilenceUsage: true,
		RunE:         runChat,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "state directory (default ~/.nearchat)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	addRunFlags(root)

	root.AddCommand(runCmd(), keygenCmd(), whoamiCmd())
	return root.Execute()
}

// loadConfig applies command line flags over the file and environment.
func loadConfig() (*node.Config, error) {
	return node.LoadConfig(configPath, func(c *node.Config) {
		if dataDir != "" {
			c.DataDir = dataDir
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
	})
}
