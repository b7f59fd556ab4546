// Package status serves the client-facing view of a job's progress.
// Reads go straight to the state store; there is no cache that could
// fall behind a concurrent writer.
package status
