// Package stages contains the built-in pipeline stage handlers: validate,
// parse, extract, embed, and graph. Handlers are constructed once at daemon
// startup and shared across workers; all per-job state travels in the stage
// execution.
package stages
