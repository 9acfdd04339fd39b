// Package delay runs one-shot work after a delay.
//
// Each scheduled task is backed by its own timer and, once due, runs on its
// own supervised goroutine. There is no worker pool and no queue to fill up:
// the number of pending tasks is bounded only by memory.
//
// Cancel is best-effort. Work that has already started always runs to
// completion, so tasks must re-check their own preconditions when they fire.
package delay
