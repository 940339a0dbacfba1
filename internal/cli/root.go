package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cauldron",
	Short: "Run prompt experiments across AI backends",
	Long: `cauldron expands a prompt template, a set of backend/model combinations and
a list of test cases into a matrix of runs, executes them, and reports
per-run results with aggregated statistics.

Configuration is read from CAULDRON_* environment variables. Backends come
from CAULDRON_BACKENDS_FILE when set, otherwise from provider variables such
as OPENAI_API_KEY and OLLAMA_BASE_URL. An echo backend is always available.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backendsCmd)
}
