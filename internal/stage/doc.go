// Package stage defines the contract between the pipeline executor and the
// stage implementations. The executor is stage-agnostic: it runs whatever
// ordered handler list configuration supplies, so adding a pipeline step
// never touches executor code.
package stage
