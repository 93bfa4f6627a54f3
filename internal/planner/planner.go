// Package planner turns an augmentation job and its source table into a plan:
// which rows are sampled, how many variants each gets and which cells need
// generating.
package planner

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
)

// Plan is the schedule for one job.
type Plan struct {
	// Columns are the output columns in source order, without the failure flag.
	Columns        []string
	Classification models.ColumnClassification
	Static         []string
	Reference      []string
	Dynamic        []string
	// Rows are the selected source row indexes in ascending order.
	Rows     []int
	Variants int
	Warnings []string
}

// Cells is the number of (row, variant, dynamic column) generations.
func (p *Plan) Cells() int {
	return len(p.Rows) * p.Variants * len(p.Dynamic)
}

// OutputRows is the number of rows the dish will hold.
func (p *Plan) OutputRows() int {
	return len(p.Rows) * p.Variants
}

type Planner struct {
	classifier *Classifier
}

func New(classifier *Classifier) *Planner {
	if classifier == nil {
		classifier = NewClassifier(nil, nil)
	}
	return &Planner{classifier: classifier}
}

// Plan builds the schedule for job over table.
func (p *Planner) Plan(job models.AugmentationJob, table *converters.Table) (*Plan, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{Variants: Variants(job.ParaphrasesPerSample)}
	for _, col := range table.Columns {
		if col != models.FailureColumn {
			plan.Columns = append(plan.Columns, col)
		}
	}
	for col := range job.ColumnTypes {
		if !table.HasColumn(col) {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("column %q is not in the dataset and was ignored", col))
		}
	}
	sort.Strings(plan.Warnings)

	plan.Classification = p.classifier.Classify(plan.Columns, job.ColumnTypes)
	plan.Static = plan.Classification.Columns(plan.Columns, models.RoleStatic)
	plan.Reference = plan.Classification.Columns(plan.Columns, models.RoleReference)
	plan.Dynamic = plan.Classification.Columns(plan.Columns, models.RoleDynamic)

	candidates := make([]int, 0, table.Len())
	for i, row := range table.Rows {
		if job.FailedRowsOnly && converters.CellString(row[models.FailureColumn]) == "" {
			continue
		}
		candidates = append(candidates, i)
	}

	if job.UseAllSamples {
		plan.Rows = candidates
	} else {
		n := SampleCount(len(candidates), job.SampleRate)
		plan.Rows = Reservoir(candidates, n, newRand(job.Seed))
	}

	if len(plan.Rows) == 0 {
		plan.Warnings = append(plan.Warnings, "no rows were selected; the dish will be empty")
	}
	if len(plan.Dynamic) == 0 {
		plan.Warnings = append(plan.Warnings, "no dynamic columns; rows are copied without generation")
	}
	return plan, nil
}

// Variants coerces a paraphrase count to at least one.
func Variants(k int) int {
	if k < 1 {
		return 1
	}
	return k
}

// SampleCount is round(total * rate / 100) with rate clamped to [0, 100].
func SampleCount(total int, rate float64) int {
	if math.IsNaN(rate) || rate < 0 {
		rate = 0
	}
	if rate > 100 {
		rate = 100
	}
	return int(math.Round(float64(total) * rate / 100))
}

// Reservoir picks n items uniformly without replacement (Algorithm R) and
// returns them in their original order.
func Reservoir(items []int, n int, r *rand.Rand) []int {
	if n <= 0 {
		return []int{}
	}
	if n >= len(items) {
		return append([]int(nil), items...)
	}
	res := make([]int, n)
	copy(res, items[:n])
	for i := n; i < len(items); i++ {
		if j := r.IntN(i + 1); j < n {
			res[j] = items[i]
		}
	}
	sort.Ints(res)
	return res
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
