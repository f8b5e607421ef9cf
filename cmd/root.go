package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when the binary is invoked without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "octopus-mcp",
	Short: "MCP bridge to the Diaspora event fabric",
	Long: `octopus-mcp exposes the Diaspora event fabric to AI assistants over
the Model Context Protocol. It handles Globus authentication, derives
short-lived cluster credentials per user, and offers topic registry and
data-plane tools (produce, consume) scoped to the caller's namespace.`,
	// Handled errors should not re-print usage.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main
// with the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits nonzero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "octopus-mcp version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
