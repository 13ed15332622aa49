// Package engine is the per-session scenario state machine.
//
// Decide is the pure core: given a scenario, a state, and an intent it
// returns the next state or a typed rejection. Identical inputs always give
// identical outputs; the intent's own timestamp stands in for "now", which is
// what makes event-log replay reproduce live sessions exactly.
//
// Engine wraps Decide with the session's current state and hands out
// immutable snapshots. It does not serialize writers itself; callers hold the
// session's statelock key around Apply.
package engine
