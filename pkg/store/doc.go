// Package store provides the GORM-backed state store for analysis jobs.
//
// Every mutation of a job record is a single conditional UPDATE keyed on
// the version observed at read time; a lost race reports
// core.ErrConflict instead of overwriting. Stage artifacts are
// write-once rows guarded by a unique (job, stage) index.
package store
