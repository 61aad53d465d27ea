// Package stateres merges divergent room state forks.
//
// The algorithm separates agreed slots from conflicted ones, orders the
// conflicted control events (power levels, join rules, kicks and bans)
// topologically by their auth edges with ties broken by sender power, then
// orders the remaining events by their position relative to the resolved
// power-levels mainline. Each ordered event is re-authorized against the
// state accumulated so far. Agreed slots are applied last.
package stateres
