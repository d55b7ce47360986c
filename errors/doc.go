// Package errors provides the structured error taxonomy used by the task
// engine. Every failure that reaches a task row passes through this package
// so the dispatcher can tell queue-level problems (retry on the next tick)
// from terminal ones (fail the task now).
//
// # Error Categories
//
//   - Transient: the store or an upstream service was briefly unavailable
//   - Permanent: retrying cannot help (unknown workflow, missing model config)
//   - Resource: a shared budget was exhausted (rate limits)
//   - Internal: bugs and recovered panics
//
// # Usage
//
// Create a new error:
//
//	err := errors.UnknownWorkflow(task.ID, task.Workflow)
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "claiming task")
//
// Convert a panic raised by a workflow handler:
//
//	defer func() {
//	    if perr := errors.RecoverPanic(recover()); perr != nil {
//	        result = perr
//	    }
//	}()
package errors
