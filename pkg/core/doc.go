// Package core provides the domain models and interfaces shared by the
// analysis-jobs packages: the job record, stage artifacts, the declared
// stage sequence, and the conditional-write store contract.
package core
