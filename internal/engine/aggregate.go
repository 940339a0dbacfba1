package engine

import "github.com/seantiz/cauldron/internal/model"

// Aggregate summarises runs into an ExperimentResult. Averages and totals
// cover successful runs with a recorded duration and are nil when there are
// none. Runs are copied in order.
func Aggregate(experimentID string, runs []*model.Run) *model.ExperimentResult {
	result := &model.ExperimentResult{
		ExperimentID: experimentID,
		TotalRuns:    len(runs),
		BackendStats: make(map[string]model.BackendStats),
		Runs:         make([]model.Run, 0, len(runs)),
	}

	var total durationSum
	perBackend := make(map[string]*durationSum)

	for _, r := range runs {
		result.Runs = append(result.Runs, *r)

		bs := result.BackendStats[r.Backend]
		bs.TotalRuns++
		sum := perBackend[r.Backend]
		if sum == nil {
			sum = &durationSum{}
			perBackend[r.Backend] = sum
		}

		switch r.Status {
		case model.StatusCompleted:
			result.SuccessfulRuns++
			bs.SuccessfulRuns++
			if r.DurationMS != nil {
				total.add(*r.DurationMS)
				sum.add(*r.DurationMS)
			}
		case model.StatusFailed:
			result.FailedRuns++
			bs.FailedRuns++
		}
		result.BackendStats[r.Backend] = bs
	}

	result.AvgDurationMS, result.TotalDurationMS = total.avg(), total.total()
	for name, sum := range perBackend {
		bs := result.BackendStats[name]
		bs.AvgDurationMS = sum.avg()
		result.BackendStats[name] = bs
	}
	return result
}

type durationSum struct {
	ms    int64
	count int
}

func (d *durationSum) add(ms int64) {
	d.ms += ms
	d.count++
}

func (d *durationSum) avg() *float64 {
	if d.count == 0 {
		return nil
	}
	v := float64(d.ms) / float64(d.count)
	return &v
}

func (d *durationSum) total() *int64 {
	if d.count == 0 {
		return nil
	}
	v := d.ms
	return &v
}
