package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "docflow runs documents through a staged extraction pipeline",
	Long: `docflow runs documents and images through preprocessing, OCR, model inference
and post-processing. Runs are tracked in an execution ledger, mirrored into a cache
for polling, retried on transient failures and grouped into batches.
`,
	SilenceUsage: true,
}

var inmem bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&inmem, "inmem", false, "use an in-memory SQLite ledger instead of DB_URL")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(dbhealthCmd())
}
