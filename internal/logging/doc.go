// Package logging provides slog construction and shared structured-logging
// helpers for docflow components. All packages log through *slog.Logger
// instances built here so field names stay consistent across the daemon.
package logging
