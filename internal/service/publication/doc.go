// Package publication implements the guarded publication lifecycle.
//
// The service layer is the only component permitted to mutate a
// publication: it sequences gate evaluation, the test-group pre-send,
// the grace window, finalization, and rollback. It depends on the
// repository interfaces defined in this package and should never import
// from api/.
//
// Concurrency discipline: workers serialize work on one publication with
// a per-publication distributed lock, and every state transition is a
// conditional update (status guards, rolled_back_at IS NULL) so the
// loser of any remaining race discovers the applied state and no-ops.
//
// Repository implementations live in repository/postgres/.
package publication
