// Package pipeline runs queued jobs through the ordered stage list. A fixed
// pool of workers pulls deliveries from the broker, executes stages with
// per-stage timeouts and bounded transient retries, and records every
// transition through the job store. A watchdog sweeps for processing jobs
// whose heartbeat has gone stale and force-fails them.
package pipeline
