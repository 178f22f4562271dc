// Package storage provides SQLite-based persistence for documents, their
// content versions and chunks.
//
// The storage layer manages:
//   - Documents (folders and items) addressed by slash paths per user
//   - Content versions, one latest per document
//   - Chunks of each content version with optional embeddings
//   - An FTS5 index over chunk text for lexical search
//
// # Database Schema
//
// Tables:
//   - document: tree nodes, unique (user_id, path) among live rows
//   - document_content: versioned markdown per document
//   - document_chunk: chunk text, position and embedding blob
//   - document_chunk_fts: external-content FTS5 table over chunk text
//
// Rows are soft-deleted through deleted_at. Every read ignores soft-deleted
// documents, contents and chunks, and only the latest content version of a
// document is searchable.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("~/.kbretrieval/kb.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	doc := &types.Document{UserID: userID, Path: "/notes/a.md", Kind: types.KindItem}
//	if err := db.UpsertDocument(ctx, doc); err != nil {
//	    return err
//	}
//
//	results, err := db.LexicalSearch(ctx, storage.LexicalQuery{
//	    UserID: userID,
//	    Query:  "quarterly budget",
//	    Limit:  20,
//	})
//
// # Lexical Ranking
//
// Results carry rank = -bm25 so that larger is better, and are ordered by
// rank, then newer version, then lower position, then chunk id. Free text is
// quoted term by term before it reaches FTS5 so user input cannot inject
// query syntax.
//
// # Migrations
//
// Schema versions are ordered with semantic versioning and recorded in the
// schema_version table. ApplyMigrations runs every migration newer than the
// recorded version; RollbackMigration undoes the most recent one.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with the
// sqlite_cgo tag switches to github.com/mattn/go-sqlite3; add sqlite_fts5 so
// the FTS5 module is compiled in.
package storage
