// Package stage executes one analysis stage for one job: it invokes the
// external computation under a timeout, retries transient failures with
// bounded exponential backoff, writes the stage artifact, and performs
// the conditional job-record transition.
package stage
