// Package dispatch is the background task scheduler: a fixed pool of workers
// pulling from a shared FIFO queue, bounded by a permit semaphore, with
// resource-aware admission control in front of execution.
//
// The dispatcher is responsible for:
//   - registering submissions (immediate, delayed, recurring)
//   - deciding at dispatch time whether a task may run under current load
//   - tracking lifecycle state (pending -> running -> terminal) per task
//   - emitting lifecycle events on the bus for external observers
//
// Priority is enforced at admission time, not by the queue: under throttling
// only High/Critical work proceeds, and deferred tasks age upward so they
// cannot starve.
package dispatch
