package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/cauldron/internal/config"
	"github.com/seantiz/cauldron/internal/engine"
	"github.com/seantiz/cauldron/internal/model"
	"github.com/seantiz/cauldron/internal/store"
)

var (
	runFile       string
	runSequential bool
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment definition once",
	Long: `Run an experiment definition (YAML or JSON) against the configured backends
and print the per-run results and a summary. Nothing is persisted.

Examples:
  cauldron run -f experiment.yaml
  cauldron run -f experiment.yaml --sequential --json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Experiment definition file (YAML or JSON)")
	runCmd.Flags().BoolVar(&runSequential, "sequential", false, "Run one backend call at a time")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON")
	_ = runCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	expCfg, err := loadExperiment(runFile)
	if err != nil {
		return err
	}
	if runSequential {
		sequential := false
		expCfg.Parallel = &sequential
	}

	cfg := config.Load()
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	exp := newExporter(cmd.Context(), cfg, logger)
	defer exp.Close(cmd.Context())

	eng := engine.NewEngine(db, reg, logger, engineOptions(cfg, exp)...)
	created, err := eng.Create(cmd.Context(), expCfg, currentUser())
	if err != nil {
		return err
	}
	result, err := eng.Run(cmd.Context(), created.ID)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printResult(cmd.OutOrStdout(), expCfg.Name, result)
	return nil
}

// loadExperiment reads an experiment config. YAML is a superset of JSON, so
// one decoder handles both.
func loadExperiment(path string) (model.ExperimentConfig, error) {
	var cfg model.ExperimentConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read experiment file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse experiment file: %w", err)
	}
	return cfg, cfg.Validate()
}

func printResult(out io.Writer, name string, r *model.ExperimentResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CASE\tBACKEND\tMODEL\tSTATUS\tDURATION\tOUTPUT")
	fmt.Fprintln(w, "----\t-------\t-----\t------\t--------\t------")
	for _, run := range r.Runs {
		dur := "-"
		if run.DurationMS != nil {
			dur = fmt.Sprintf("%dms", *run.DurationMS)
		}
		output := run.ResponseText
		if run.Status == model.StatusFailed {
			output = "error: " + run.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			run.TestCaseIndex, run.Backend, run.Model, run.Status, dur, truncate(oneLine(output), 60))
	}
	w.Flush()

	fmt.Fprintf(out, "\n%s: %d runs, %d succeeded, %d failed", name, r.TotalRuns, r.SuccessfulRuns, r.FailedRuns)
	if r.AvgDurationMS != nil {
		fmt.Fprintf(out, ", avg %.0fms", *r.AvgDurationMS)
	}
	fmt.Fprintln(out)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
