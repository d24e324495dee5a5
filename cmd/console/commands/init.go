package commands

import (
	"os"

	"github.com/opsconsole/console/internal/printer"
	"github.com/opsconsole/console/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit    bool
	initRedisURL string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a console.yml profile in the current directory",
	Long: `Create a console.yml profile in the current directory.

The profile points at the backend given with --api-url (or the local default)
and documents every optional section.

Use --force to overwrite an existing profile.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing console.yml")
	initCmd.Flags().StringVar(&initRedisURL, "tap-redis-url", "", "Enable the event tap with this Redis URL")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	p := printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())

	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return p.Error("profile already exists", err.Error(), nil)
		}
	}

	path, err := scaffold.Initialize(dir, scaffold.Options{APIURL: apiURLFlag, RedisURL: initRedisURL}, forceInit)
	if err != nil {
		return p.Error("initialization failed", err.Error(), nil)
	}

	scaffold.PrintSuccess(p, path)
	return nil
}
