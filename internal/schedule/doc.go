// Package schedule keeps a durable, time-ordered queue of events and re-emits
// them on an event bus once they are due.
//
// The queue lives in a single storage document ("ScheduleService") that is
// rewritten in full on every admission and every non-empty drain. Entries are
// sorted by timestamp; entries with equal timestamps keep admission order.
//
// Delivery is at-most-once by default: a due entry is removed and persisted
// before it is emitted, so a handler failure (or a crash mid-dispatch) loses it.
// The "requeue" policy re-admits failed entries after a delay instead.
package schedule
