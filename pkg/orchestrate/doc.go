// Package orchestrate sequences stage execution for analysis jobs: it
// accepts submissions, claims pending jobs, and drives each one through
// the declared stage sequence until it completes or fails.
package orchestrate
