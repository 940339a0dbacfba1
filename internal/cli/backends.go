package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/cauldron/internal/config"
)

const healthTimeout = 10 * time.Second

var backendsHealth bool

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured backends",
	Long: `List the configured backends and their models.

Examples:
  cauldron backends
  cauldron backends --health`,
	Args: cobra.NoArgs,
	RunE: runBackends,
}

func init() {
	backendsCmd.Flags().BoolVar(&backendsHealth, "health", false, "Probe each enabled backend")
}

func runBackends(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	header, rule := "NAME\tENABLED\tMODELS", "----\t-------\t------"
	if backendsHealth {
		header, rule = header+"\tHEALTH", rule+"\t------"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, rule)

	for _, info := range reg.List() {
		models, health := "-", "-"
		if b, ok := reg.Lookup(info.Name); ok && info.Enabled {
			ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			if list, err := b.ListModels(ctx); err == nil {
				models = truncate(joinModels(list), 60)
			}
			if backendsHealth {
				health = "ok"
				if err := b.HealthCheck(ctx); err != nil {
					health = truncate(oneLine(err.Error()), 60)
				}
			}
			cancel()
		}

		if backendsHealth {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", info.Name, info.Enabled, models, health)
		} else {
			fmt.Fprintf(w, "%s\t%t\t%s\n", info.Name, info.Enabled, models)
		}
	}
	return w.Flush()
}
