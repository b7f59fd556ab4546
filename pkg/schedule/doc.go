// Package schedule provides cadence types for the recovery sweeper.
package schedule
