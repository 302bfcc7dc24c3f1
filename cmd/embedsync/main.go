package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/gops/agent"
	"github.com/spf13/cobra"
	// gs:// and s3:// support for config and index snapshot URLs
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"
)

var rootCmd = &cobra.Command{
	Use:           "embedsync",
	Short:         "Keep a vector index in sync with a document store",
	Long:          "embedsync follows the change feed of a primary document store, embeds changed documents and applies them to a vector index.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config yaml URL (defaults to ~/embedsync/config.yaml if present)")
	flags.String("log-level", "", "log level override (debug|info|warn|error)")
	flags.String("log-format", "", "log format override (console|json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(adminCmd)
}

func main() {
	startGops()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "embedsync:", err)
		os.Exit(1)
	}
}

func startGops() {
	if strings.TrimSpace(os.Getenv("EMBEDSYNC_GOPS")) == "false" {
		return
	}
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Printf("gops: %v", err)
	}
}
