// Package main provides the extraction engine CLI entrypoint.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docmesh-ai/extraction-engine/pkg/client"
)

var (
	// Global flags
	apiURL     string
	outputJSON bool
	noColor    bool

	// SDK client, built before any subcommand runs
	sdk *client.Client
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "extraction-cli",
	Short: "Extraction engine CLI for submitting and monitoring document extractions",
	Long: `Extraction engine CLI drives the extraction API from the command line.

Use this tool to:
- Register document types with their extraction schemas
- Upload documents and run streaming extractions
- Submit batches and wait for them to settle
- Watch live job and batch events
- Inspect and cancel jobs and batches

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		sdk, err = client.NewClient(client.ClientConfig{
			BaseURL: apiURL,
			APIKey:  os.Getenv("EXTRACTION_API_KEY"),
		})
		if err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("EXTRACTION_API_URL", "http://localhost:8084"), "extraction API base URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	// Add subcommands
	rootCmd.AddCommand(newTypesCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newExtractCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				_ = printJSON(map[string]string{
					"version": "0.1.0",
					"go":      "1.23",
				})
				return
			}
			fmt.Println("extraction-cli v0.1.0")
		},
	}
}

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shortID truncates an ID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
