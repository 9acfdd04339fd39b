// Package termination schedules and applies the terminal disposition of a
// verification attempt.
//
// Two paths can conclude an attempt: the delayed timeout (fireTimeout) and an
// administrator override (ManualTerminate). Neither holds a lock across the
// whole disposition. Both re-check that the attempt is still waiting and then
// rely on the store's conditional status update: the first writer wins, the
// loser observes verification.ErrStatusConflict and performs no side effects.
// Canceling the pending timer on the manual path only saves work.
package termination
