// Package indexer coordinates the indexing pipeline for a project tree.
//
// Each file goes through the same stages: read, fingerprint, chunk, embed,
// link extraction and a single transactional write of all its artifacts.
// Secondary indexes registered as sinks are updated after the write.
//
// # Basic Usage
//
//	idx := indexer.New(store, scanner, chunkers, batcher, indexer.Config{Logger: logger})
//
//	// incremental: only new and modified files are indexed
//	res, err := idx.Refresh(ctx, indexer.RefreshOptions{Paths: []string{"docs"}})
//
//	// full build, smallest files first
//	boot, err := idx.Bootstrap(ctx, indexer.BootstrapOptions{Priority: indexer.PrioritySize})
//
// # Concurrency
//
// Files are processed on a bounded pool: an errgroup plus a channel
// semaphore acquired before each goroutine starts.
//
//	semaphore := make(chan struct{}, parallelism)
//	for _, task := range tasks {
//	    semaphore <- struct{}{} // acquire
//	    g.Go(func() error {
//	        defer func() { <-semaphore }() // release
//	        ...
//	    })
//	}
//
// A file is never cancelled halfway through its write.
//
// # Error Handling
//
// A failing file is logged with its path and stage and recorded in the
// result; the run continues. Only an unreachable store aborts a run, with an
// error carrying ErrStoreUnavailable.
//
// # Change Detection
//
// Refresh compares the scan with the catalog (see package changes). Files
// whose size and mtime are unchanged are not read. Files whose stat data
// moved but whose content did not are "touched": their stored stat data is
// refreshed so the next run skips them again.
package indexer
