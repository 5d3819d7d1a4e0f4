// Package visibility implements a dwell tracking engine: it watches tracked
// targets through an injected geometry provider and fires a one-shot callback
// the instant a target's visibility condition first holds.
//
// A condition combines an optional visibility-percentage window with optional
// continuous and total dwell-time bounds. The engine never polls. Each
// evaluation pass computes the earliest future instant any pending condition
// could become satisfiable and arms a single deferred re-check for exactly
// that moment; viewport-change notifications and target-measurability
// signals trigger immediate passes in between.
//
// Passes are strictly sequential. Callbacks run inside the pass that fired
// them and must not call back into the Service; they receive a detached
// Report snapshot, never live state.
package visibility
