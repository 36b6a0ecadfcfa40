// Package ttscache provides server-side caching and pre-generation of
// text-to-speech audio.
//
// Audio artifacts are addressed by a content-derived [Key] built from the
// spoken text and the voice configuration. User and session identity never
// enter a key, so two sessions with identical voice settings share a single
// cached artifact. This package holds the shared model: keys, entry
// metadata, voice configuration, stats snapshots, and the error taxonomy.
// The subpackages build the system on top of it:
//
//   - store: persistent disk cache (JSON index + digest-named blob files)
//     with TTL expiry and least-recently-accessed eviction
//   - pool: bounded, priority-aware dispatch to external TTS backends,
//     keeping live requests isolated from background work
//   - prefetch: background jobs that warm the cache ahead of a session's
//     position in a curriculum
//   - session: cache-first audio lookup with generate-on-miss and
//     per-session hit/miss accounting
//
// # Quick Start
//
// Wire a store, a pool, and a bridge:
//
//	st, err := store.New("/var/cache/tts", store.WithMaxSize(2<<30))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	p, err := pool.New(pool.WithProviders(pool.DefaultProviders()))
//	if err != nil {
//	    return err
//	}
//
//	bridge := session.NewBridge(st, p)
//	audio, err := bridge.AudioForSegment(ctx, sess, "Hello, world.")
//
// # Cache Keys
//
// Text is normalized (Unicode NFC, whitespace collapsed) before hashing, so
// requests that differ only in whitespace resolve to the same artifact:
//
//	a := ttscache.NewKey("Hello   world", cfg)
//	b := ttscache.NewKey(" Hello world ", cfg)
//	// a.Digest() == b.Digest()
package ttscache
