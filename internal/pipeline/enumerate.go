package pipeline

import "sort"

// Enumerate returns the calendar dates still pending for an entity: every
// date strictly after the checkpoint, in calendar order. With no checkpoint
// the full calendar is pending. A checkpoint that is not itself a calendar
// date also yields the full calendar and stale == true; already-persisted
// dates are then re-fetched, which the caller should report.
func Enumerate(calendar []string, checkpoint string, hasCheckpoint bool) (dates []string, stale bool) {
	if !hasCheckpoint {
		return calendar, false
	}
	i := sort.SearchStrings(calendar, checkpoint)
	if i == len(calendar) || calendar[i] != checkpoint {
		return calendar, true
	}
	return calendar[i+1:], false
}
