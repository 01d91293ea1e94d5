package pencil

import "fmt"

// l0State is the penciller's state w.r.t. L0 admission (spec.md §4.2):
// idle (no L0 file, pushes append to cache), flushing (cache frozen, an
// async L0 build is in progress, pushes are rejected), or l0Resident (an
// L0 file exists in the manifest; pushes may still accumulate into a
// fresh cache until that file is compacted down).
type l0State int

const (
	stateIdle l0State = iota
	stateFlushing
	stateL0Resident
)

func (s l0State) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFlushing:
		return "flushing"
	case stateL0Resident:
		return "l0_resident"
	default:
		return fmt.Sprintf("l0State(%d)", int(s))
	}
}

// shouldTriggerFlush implements spec.md §4.2's transition rule:
//
//	free    = ¬manifest.level0_present()
//	quiet   = ¬work_ongoing
//	jitter  = (S > SM) ∨ coin(1/5)            [coin flip only when jitterEnabled;
//	                                            with jitter disabled, anything past
//	                                            the soft cap M always jitters true]
//	trigger = S > M ∧ free ∧ jitter ∧ quiet
func shouldTriggerFlush(size, maxTableSize, hardLimit int, level0Present, workOngoing, jitterEnabled bool, coinFlip func() bool) bool {
	if size <= maxTableSize {
		return false
	}
	free := !level0Present
	quiet := !workOngoing
	jitter := size > hardLimit
	if !jitter {
		if jitterEnabled {
			jitter = coinFlip()
		} else {
			jitter = true
		}
	}
	return free && jitter && quiet
}
