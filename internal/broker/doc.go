// Package broker carries job descriptors between the orchestrator and the
// pipeline workers with at-least-once delivery. The production queue is
// backed by an AMQP broker; an in-process queue with a visibility timeout
// serves development and tests. Consumers must treat redelivery as normal:
// the executor resumes from the stage persisted in the job store rather than
// restarting from stage zero.
package broker
