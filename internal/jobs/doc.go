// Package jobs persists document-processing jobs in SQLite and owns the job
// state machine. All mutation flows through UpdateStatus, which applies a
// compare-and-set so terminal rows are never revived and progress never moves
// backward; a registered hook observes every committed transition.
package jobs
