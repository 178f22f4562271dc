package indexer

import "sync/atomic"

// IngestLock is a non-blocking mutex guarding batch ingestion
type IngestLock struct {
	held atomic.Bool
}

// TryAcquire takes the lock if it is free and reports whether it did
func (l *IngestLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Only the holder may call it.
func (l *IngestLock) Release() {
	l.held.Store(false)
}

// Held reports whether a batch is running
func (l *IngestLock) Held() bool {
	return l.held.Load()
}
