// Package compactor implements the compaction scheduler and worker of
// spec.md §4.4: how work is discovered, dispatched to a single worker,
// and how manifest changes are committed.
package compactor

import (
	"github.com/ledgerkv/penciller/internal/manifest"
)

// WorkQueueBacklogTolerance is spec.md §4.4's threshold (4): above this
// excess count, the scheduler additionally raises a work backlog signal
// that gates pushes (spec.md §4.2).
const WorkQueueBacklogTolerance = 4

// Decision is what the scheduler computes from the manifest and replies
// to the worker's "ask for work" cast (spec.md §4.4 step 1).
type Decision struct {
	HasWork bool
	Level   int  // the first overflow level, valid iff HasWork
	Backlog bool // set when excess_count > WorkQueueBacklogTolerance
}

// Decide implements spec.md §4.4 step 1's dispatch rule:
//
//	excess_count == 0            -> no work, clears backlog
//	excess_count <= tolerance    -> dispatch first overflow level, clears backlog
//	otherwise                    -> dispatch and set backlog
func Decide(mf *manifest.Manifest) Decision {
	overflow, excess := mf.CheckForWork()
	if excess == 0 {
		return Decision{HasWork: false}
	}
	d := Decision{HasWork: true, Level: overflow[0]}
	if excess > WorkQueueBacklogTolerance {
		d.Backlog = true
	}
	return d
}
