// Package sweeper reclaims analysis jobs that stalled: non-terminal
// records whose last update is older than the staleness threshold are
// force-transitioned to failed with a system-generated message, using
// the same conditional-write discipline as every other actor.
package sweeper
