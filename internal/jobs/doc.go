// Package jobs runs index rebuilds and refreshes, synchronously or as
// background jobs polled by id.
//
// A rebuild walks validation, pre-rebuild, destructive, rebuild and
// post-rebuild phases while holding the single RebuildLock. A refresh runs
// the incremental indexer without the lock. Background runs return a job id
// at once; the Task handle kept in the Job completes when the run ends.
package jobs
