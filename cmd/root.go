package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxflow/internal/apperrors"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

// rootCmd represents the base command for the inboxflow application
var rootCmd = &cobra.Command{
	Use:   "inboxflow",
	Short: "Summarizes Gmail messages with an AI model and files them in Notion",
	Long: `inboxflow reads messages from a Gmail inbox, asks an OpenAI-compatible
model for a structured summary of each one and writes the result as a page
in a Notion database.

Every message is tracked in an execution store, so re-running never files
the same message twice and interrupted work resumes where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxflow version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", apperrors.Reason(err))
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.config/inboxflow/config.yaml)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newExecutionsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
