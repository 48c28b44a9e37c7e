// Package jobs tracks long-running work submitted for background execution.
//
// A Registry is created once per process and injected wherever jobs are submitted or
// polled. Submit records a running job under a random identifier and starts the work on
// its own goroutine; Poll returns a snapshot of the job at any time. Each job ends in
// exactly one terminal state, completed or failed, including when the work panics.
//
// Jobs cannot be cancelled and are never evicted: finished jobs remain queryable for the
// life of the Registry.
package jobs
