// Package health polls dependency probes concurrently and reduces them to a
// single pipeline readiness verdict. A probe that ignores its deadline is
// abandoned and reported unhealthy rather than hanging the aggregate check.
package health
