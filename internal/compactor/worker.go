package compactor

import (
	"fmt"
	"math/rand"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/manifest"
	"github.com/ledgerkv/penciller/internal/sstable"
	"github.com/ledgerkv/penciller/vfs"
)

// MaxRecordsPerOutputFile bounds how large a single compaction output SST
// may grow before the worker rolls over to a new file. spec.md §4.4 says
// only "writes new SSTs" (plural); this module picks a concrete, fixed
// chunk size (a constant, not a Config field) rather than leaving output
// file count unspecified.
const MaxRecordsPerOutputFile = 4096

// Result is what the worker posts back to the penciller as a
// `manifest_change` cast (spec.md §4.4 step 2): a manifest built from the
// clone the penciller handed it, with the compaction already applied and
// manifest_sqn already incremented.
type Result struct {
	Manifest *manifest.Manifest
	Level    int // source level compacted
	Err      error

	// RemovedEntries are the source/overlapping entries the compaction
	// superseded. The penciller needs their *sstable.Handle values (no
	// longer reachable from Manifest once Remove drops them from the
	// level) to eventually call Handle.DeleteConfirmed once
	// ready_to_delete reports true.
	RemovedEntries []manifest.Entry
}

// Run implements spec.md §4.4 step 2: picks a file via
// mergefile_selector(level), locates all overlapping files at level+1 via
// range_lookup, merges them into a new set of files at level+1, writes
// new SSTs, constructs a new manifest by removing the source entries and
// inserting the new ones (incrementing manifest_sqn), and persists the
// new manifest as .pnd. It does not rename .pnd -> .crr: that commit step
// belongs to the penciller (spec.md §4.4 step 3).
//
// Level 0 is special (spec.md §4.4): its compaction merges the one L0
// file into all overlapping L1 files, with L1 as the fixed target.
func Run(
	mfClone *manifest.Manifest,
	level int,
	rng *rand.Rand,
	fsys vfs.FS,
	sstDir, manifestDir string,
	nextFileNum func() uint64,
	compression sstable.Compression,
) Result {
	target := level + 1
	if level == 0 {
		target = 1
	}

	victim, err := mfClone.MergefileSelector(level, rng)
	if err != nil {
		return Result{Level: level, Err: err}
	}

	overlapping := mfClone.RangeLookup(target, victim.Start, victim.End)
	removed := append([]manifest.Entry{victim}, overlapping...)

	var all []keycodec.Record
	all = append(all, victim.Owner.AllRecords()...)
	for _, e := range overlapping {
		all = append(all, e.Owner.AllRecords()...)
	}
	merged := sstable.MergeHighestSQN(all)

	newSQN := mfClone.ManifestSQN + 1

	if len(merged) == 0 {
		// Nothing survived the merge (all-tombstone compaction): simply
		// remove the sources.
		if err := removeSources(mfClone, level, target, victim, overlapping, newSQN); err != nil {
			return Result{Level: level, Err: err}
		}
		if err := mfClone.SavePending(fsys, manifestDir); err != nil {
			return Result{Level: level, Err: err}
		}
		return Result{Manifest: mfClone, Level: level, RemovedEntries: removed}
	}

	// Each chunk lands in its own file with a disjoint key range, so the
	// writes have no shared state and can run concurrently; errgroup
	// collects the first failure and waits out the rest.
	numChunks := (len(merged) + MaxRecordsPerOutputFile - 1) / MaxRecordsPerOutputFile
	newEntries := make([]manifest.Entry, numChunks)
	var g errgroup.Group
	for i := 0; i < numChunks; i++ {
		off := i * MaxRecordsPerOutputFile
		end := off + MaxRecordsPerOutputFile
		if end > len(merged) {
			end = len(merged)
		}
		chunk := merged[off:end]
		filename := fmt.Sprintf("%d_%d_%d.sst", newSQN, target, nextFileNum())
		idx := i
		g.Go(func() error {
			var maxSQN uint64
			for _, r := range chunk {
				if r.Value.SQN > maxSQN {
					maxSQN = r.Value.SQN
				}
			}
			h, start, endKey, err := sstable.New(fsys, sstDir, filename, target, chunk, maxSQN, compression)
			if err != nil {
				return errors.Wrap(err, "compactor: write output file")
			}
			newEntries[idx] = manifest.Entry{Start: start, End: endKey, Filename: filename, Owner: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Level: level, Err: err}
	}

	if err := removeSources(mfClone, level, target, victim, overlapping, newSQN); err != nil {
		return Result{Level: level, Err: err}
	}
	for _, e := range newEntries {
		if err := mfClone.Insert(target, e, newSQN); err != nil {
			return Result{Level: level, Err: err}
		}
	}

	if err := mfClone.SavePending(fsys, manifestDir); err != nil {
		return Result{Level: level, Err: errors.Wrap(err, "compactor: persist .pnd")}
	}
	return Result{Manifest: mfClone, Level: level, RemovedEntries: removed}
}

func removeSources(mf *manifest.Manifest, level, target int, victim manifest.Entry, overlapping []manifest.Entry, newSQN uint64) error {
	if err := mf.Remove(level, victim.Start, 1, newSQN); err != nil {
		return errors.Wrap(err, "compactor: remove source entry")
	}
	if len(overlapping) > 0 {
		if err := mf.Remove(target, overlapping[0].Start, len(overlapping), newSQN); err != nil {
			return errors.Wrap(err, "compactor: remove overlapping target entries")
		}
	}
	return nil
}
