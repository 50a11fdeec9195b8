// Package notify fans job status transitions out to live subscribers.
// Delivery is best-effort: publishing never blocks the pipeline, and a
// subscriber that cannot keep up is disconnected rather than back-pressuring
// the worker that produced the event. Clients that reconnect re-read current
// state from the job store; there is no replay.
package notify
