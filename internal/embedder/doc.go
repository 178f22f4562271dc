// Package embedder turns text into fixed-size unit vectors for retrieval.
//
// Two layers live here. An Embedder is the model itself: a remote API
// (Jina, any OpenAI-compatible endpoint) or the deterministic local hash
// provider used offline. A Cache sits in front of the model and is what the
// rest of the system calls.
//
// # Basic Usage
//
//	model, err := embedder.New(embedder.Config{Provider: "jina", APIKey: key})
//	if err != nil {
//	    return err
//	}
//	defer model.Close()
//
//	store := kvstore.NewRedisStore(rdb)
//	cache, err := embedder.NewCache(model, store, embedder.DefaultCacheConfig(), logger)
//
//	vectors, err := cache.Encode(ctx, []string{"how do I rotate keys"}, embedder.UsageQuery)
//
// # Cache Keys
//
// Keys are content addressed and scoped by usage:
//
//	emb:v1:query:<sha256(text)>
//	emb:v1:doc:<sha256(text)>
//
// The same text under the same usage always maps to the same key, so
// concurrent writers of one key store identical bytes and need no
// coordination. Values are little-endian float32 and are only accepted when
// they decode to exactly the configured dimension.
//
// # Crop and Renormalize
//
// Models return their native dimension (1024 for Jina v3, 1536 for OpenAI
// small). Every vector is cut to its first Dimension components (256 by
// default) and rescaled to unit length. Matryoshka-trained models keep
// ranking quality under this cut, and the fixed size is what the vector
// index is created with.
//
// # Failure Handling
//
// Cache reads and writes are best effort: an unreachable store means every
// text is recomputed, and a failed write leaves the cache cold. A model
// failure fails the call with types.ErrBackendUnavailable. Remote providers
// retry 5xx, 408, 429 and network errors with exponential backoff; other
// 4xx responses fail immediately.
package embedder
