package apply

import (
	"fmt"
	"sort"
	"time"

	"github.com/imamik/converge/internal/graph"
	"github.com/imamik/converge/internal/plan"
	"github.com/imamik/converge/internal/provider"
)

// Outcome is the per-resource result of an apply.
type Outcome string

const (
	// OutcomeApplied means the planned action succeeded.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means no action was needed.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeSkipped means a dependency failed or the apply was
	// cancelled before the action started.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the action failed; Class tells whether
	// retries were exhausted (transient) or it was never retriable.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one resource.
type Result struct {
	Addr    graph.Addr
	Action  plan.Action
	Outcome Outcome
	Class   provider.Classification // set for failed outcomes
	Err     error                   // underlying cause for failed outcomes
}

// Report enumerates the per-resource outcomes of one apply.
type Report struct {
	Results  map[graph.Addr]*Result
	Started  time.Time
	Finished time.Time
}

func newReport() *Report {
	return &Report{
		Results: make(map[graph.Addr]*Result),
		Started: time.Now(),
	}
}

func (r *Report) record(res *Result) {
	r.Results[res.Addr] = res
}

// Counts returns the number of resources per outcome.
func (r *Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, res := range r.Results {
		counts[res.Outcome]++
	}
	return counts
}

// Sorted returns all results ordered by resource address.
func (r *Report) Sorted() []*Result {
	out := make([]*Result, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// Err returns the first blocking error, by address order, or nil when
// every resource applied cleanly.
func (r *Report) Err() error {
	for _, res := range r.Sorted() {
		if res.Outcome == OutcomeFailed {
			return fmt.Errorf("%s: %s %s failed (%s): %w",
				res.Addr, res.Action, res.Addr.Kind, res.Class, res.Err)
		}
	}
	return nil
}
