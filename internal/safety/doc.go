// Package safety implements the gate evaluation protocol that stands
// between a scheduled guidance publication and any outbound delivery.
//
// Evaluation is a pure function: the caller gathers supporting Facts
// (approval status, prior test sends, recent send volume), then Evaluate
// runs every named check against the publication, the policy config, and
// those facts. No check performs writes, and identical inputs always
// produce identical verdicts, so an unsafe verdict can be retried freely.
//
// The rollback window predicate lives here too (window.go): it is the
// single definition of "can this publication still be rolled back" used
// by both the gate checks and the publication service.
package safety
