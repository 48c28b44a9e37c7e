// Package toolexec runs external provisioning tools through ordered fallback chains.
//
// A chain is a list of Candidate values. Each candidate names an executable (or an
// in-process call), its arguments, a timeout and a Parser that turns raw standard output
// into a typed value. Run tries candidates in order:
//
//   - a candidate whose executable cannot be located is skipped and does not count as a
//     failure;
//   - a candidate that exits non-zero, times out, or produces output its parser rejects
//     fails, and the next candidate is tried;
//   - a candidate whose failure matches its Transient classifier is retried once, after
//     the invoker's retry delay, before it is considered failed.
//
// When every candidate is exhausted the error of the last candidate that actually ran is
// returned, or a not-found error naming every missing tool when none ran. All errors are
// *InvocationError values comparable with errors.Is against ErrToolNotFound,
// ErrToolFailed, ErrTimeout and ErrParse.
//
// The Invoker holds no per-call state and is safe to share between steps and jobs.
package toolexec
