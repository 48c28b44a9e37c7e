// Package provisioning runs ordered, idempotent provisioning steps over a shared context.
//
// A Context carries the input parameters (grouped in named sections) and the artifacts
// each step recorded. A Pipeline executes its steps strictly in order. Before a step runs,
// its idempotency predicate is evaluated; when the effect is already observable the step
// is skipped and recorded as successful with the known artifact. The first failing step
// stops the pipeline. Artifacts of completed steps stay in the context, so running the
// same pipeline again resumes after the last completed step.
//
// While a pipeline runs, a step can only see the artifacts of steps ordered before it
// (and its own artifact from a previous run). Artifacts recorded by other pipelines are
// always visible.
//
// Contexts are not safe for concurrent use. SaveState and LoadState persist a context
// between processes so the pre and post pipelines can run as separate invocations.
package provisioning
