/*
Package batch runs independent per-tile operations with bounded concurrency.

An Executor is created once per direction (reads, writes) and reused for every bulk call:

	readers := batch.New("read", 10)
	errs := readers.Run(ctx, tasks)

Run blocks until every task has finished and returns one error slot per task, in input order.
A failing or panicking task only affects its own slot; the others still run. At most
min(limit, len(tasks)) tasks are in flight at once, and a limit <= 0 runs every task
concurrently.

Executors do not cancel anything themselves. The context is handed to each task, and it is
up to the task (in practice the blob store) to honor it.
*/
package batch
