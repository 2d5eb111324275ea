// Package runs dispatches a run record, or the batch a generator expands it
// into, to one runtime backend and rolls the results up into the parent run.
//
// States:
//   - created -> running -> completed | error
//
// Single runs:
//   - A job failure marks the record error and is returned next to the record.
//   - Validation problems are returned before anything executes.
//
// Batches:
//   - Handler and local backends run children one after another.
//   - Remote backends fan out concurrently; results keep submission order.
//   - A failed child is recorded as error and the batch continues. The parent
//     is error when any child failed and completed otherwise.
package runs
