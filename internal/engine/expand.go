package engine

import (
	"maps"

	"github.com/seantiz/cauldron/internal/model"
)

// Expand builds the run matrix for cfg: test cases outermost, then backends in
// config order, then each backend's models in list order. Every run gets a
// fresh ID and starts pending. A backend with no model list contributes no runs.
func Expand(experimentID string, cfg model.ExperimentConfig) []*model.Run {
	runs := make([]*model.Run, 0, cfg.RunCount())
	for i, tc := range cfg.TestCases {
		for _, b := range cfg.Backends {
			for _, m := range cfg.Models[b] {
				runs = append(runs, &model.Run{
					ID:            model.NewID(),
					ExperimentID:  experimentID,
					Backend:       b,
					Model:         m,
					TestCaseIndex: i,
					TestCase:      maps.Clone(tc),
					Status:        model.StatusPending,
				})
			}
		}
	}
	return runs
}
