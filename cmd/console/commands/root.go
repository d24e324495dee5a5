package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Global flags
var (
	configPath    string
	apiURLFlag    string
	tokenFileFlag string
	verbose       bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Console - real-time operations console client",
	Long: `Console is a command-line client for the multi-tenant operations console.

It holds one authenticated session, keeps the tenant's real-time channel open,
and drives the chat, gateway instance and CRM board views from it.`,
	Version: version,
	// Show help instead of silently succeeding when no subcommand is given
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the console profile (default ./console.yml when present)")
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api-url", "", "REST root of the backend, e.g. http://localhost:8000/api/v1")
	rootCmd.PersistentFlags().StringVar(&tokenFileFlag, "token-file", "", "Where the access token is stored")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log session activity to stderr")
}
