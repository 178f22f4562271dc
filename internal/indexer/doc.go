// Package indexer writes documents into the knowledge base so the
// retrieval core can find them.
//
// # Basic Usage
//
//	idx, err := indexer.New(store, cache, vectors, indexer.Config{
//	    OnChange: searcher.InvalidateCache,
//	})
//
//	res, err := idx.Ingest(ctx, indexer.Document{
//	    UserID:   userID,
//	    Path:     "/work/budget.md",
//	    Markdown: markdown,
//	})
//
// # Ingestion Pipeline
//
//  1. Incremental decision: an item whose latest content already has the
//     same markdown is skipped unless Force is set
//  2. Chunk: recursive split on paragraphs, lines, words, runes
//  3. Embed: one Encode call with doc usage; failure aborts before any write
//  4. Store: upsert the document, create a new content version, insert chunks
//  5. Index: delete the document's old vector records, upsert the new ones
//
// Folders and items without text only get their document row.
//
// # Error Handling
//
// A partial vector upsert is not an error; Result.FailedVectors counts the
// records that did not land and lexical search still covers them.
//
//	stats, err := idx.IngestBatch(ctx, docs)
//	// err only for cancellation or ErrIngestInProgress
//	if stats.Failed > 0 {
//	    for _, msg := range stats.ErrorMessages {
//	        log.Println(msg)
//	    }
//	}
//
// # Concurrent Processing
//
// IngestBatch runs documents on an errgroup limited to Config.Workers
// (default runtime.NumCPU()). Only one batch runs at a time.
package indexer
