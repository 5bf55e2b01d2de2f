// Package pool shares a small, fixed set of expensive resource handles (such
// as browser tabs) between many concurrent callers. Callers submit tasks and
// receive a future; the pool assigns a free handle, queues work while every
// handle is checked out, and routes each task's outcome back to its submitter
// through a correlation id on an internal event bus.
package pool
