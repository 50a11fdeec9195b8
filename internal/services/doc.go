// Package services holds the error taxonomy shared by stage implementations
// and the pipeline executor. Stages wrap failures with one of the sentinel
// markers so that transient-vs-fatal classification is a deliberate decision
// at the call site instead of an artifact of whatever error type escaped.
package services
