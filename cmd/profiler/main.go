package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/internal/testutil"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/store"
)

type config struct {
	mode           string
	entries        int
	samples        int
	maxSize        string
	compress       bool
	backendLatency time.Duration
	backendBPS     int64
	workers        int
	duration       time.Duration
	iterations     int
	pprofAddr      string
	cpuProfile     string
	memProfile     string
	traceFile      string
	readRandom     bool
	cacheDir       string
	keepTemp       bool
	randomSeed     int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkKey   ttscache.Key
	sinkEntry ttscache.Entry
)

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupCacheDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	cache, err := openStore(cfg, dir)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	defer cache.Close() //nolint:errcheck

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, cache)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

func runProfile(cfg config, cache *store.Store) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "get":
		keys, err := seedEntries(cache, cfg)
		if err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			key := pickKey(keys, ops, rng, cfg.readRandom)
			audio, _, ok := cache.Get(key)
			if !ok {
				return profileStats{}, fmt.Errorf("missing entry for %s", key.Digest())
			}
			sinkBytes = audio
			byteCount += int64(len(audio))
			ops++
		}

	case "miss":
		for shouldContinue() {
			key := segmentKey(cfg.entries + ops)
			_, _, ok := cache.Get(key)
			if ok {
				return profileStats{}, fmt.Errorf("unexpected hit for %s", key.Digest())
			}
			ops++
		}

	case "put":
		audio := testutil.FakeWAV(cfg.samples)
		duration := float64(cfg.samples) / 24000
		for shouldContinue() {
			entry, err := cache.Put(segmentKey(ops), audio, 24000, duration)
			if err != nil {
				return profileStats{}, err
			}
			sinkEntry = entry
			byteCount += int64(len(audio))
			ops++
		}

	case "digest":
		voice := profileVoice(0)
		for shouldContinue() {
			sinkKey = ttscache.NewKey(segmentText(ops), voice)
			ops++
		}

	case "generate":
		srv, cleanup := newSpeechServer(cfg)
		defer cleanup()

		pl, err := pool.New(
			pool.WithProvider(ttscache.ProviderVibeVoice, srv.URL, 24000),
			pool.WithLiveSlots(cfg.workers),
			pool.WithHTTPClient(newBackendClient(cfg)),
			pool.WithRequestTimeout(cfg.duration+time.Minute),
		)
		if err != nil {
			return profileStats{}, err
		}

		var opCount, genBytes atomic.Int64
		stop, cancel := context.WithCancel(context.Background())
		defer cancel()
		g, ctx := errgroup.WithContext(stop)
		for w := range cfg.workers {
			g.Go(func() error {
				for i := w; ctx.Err() == nil; i += cfg.workers {
					res, err := pl.Generate(ctx, pool.Request{
						Text:  segmentText(i),
						Voice: profileVoice(i),
					}, pool.Live)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					opCount.Add(1)
					genBytes.Add(int64(len(res.Audio)))
				}
				return nil
			})
		}

		for {
			ops = int(opCount.Load())
			if !shouldContinue() || ctx.Err() != nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
		if err := g.Wait(); err != nil {
			return profileStats{}, err
		}
		ops = int(opCount.Load())
		byteCount = genBytes.Load()

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	var backendBPS string
	flag.StringVar(&cfg.mode, "mode", "get", "mode: get, miss, put, digest, generate")
	flag.IntVar(&cfg.entries, "entries", 1024, "number of seeded cache entries")
	flag.IntVar(&cfg.samples, "samples", 48000, "audio samples per entry (2s at 24kHz)")
	flag.StringVar(&cfg.maxSize, "max-size", "", "cache size cap, humanized (empty for default)")
	flag.BoolVar(&cfg.compress, "compress", false, "store blobs zstd-compressed")
	flag.DurationVar(&cfg.backendLatency, "backend-latency", 0, "per-request latency of the fake TTS backend")
	flag.StringVar(&backendBPS, "backend-bps", "", "bytes/sec throttle for backend responses (e.g. 10MBps)")
	flag.IntVar(&cfg.workers, "workers", 8, "concurrent generators in generate mode")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize get key selection")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "directory to use for the store")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if backendBPS != "" {
		bps, err := parseBytesPerSecond(backendBPS)
		if err != nil {
			log.Fatalf("backend-bps: %v", err)
		}
		cfg.backendBPS = bps
	}
	return cfg
}

func setupCacheDir(cfg config) (string, func() error, error) {
	if cfg.cacheDir != "" {
		return cfg.cacheDir, nil, os.MkdirAll(cfg.cacheDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "ttscache-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func openStore(cfg config, dir string) (*store.Store, error) {
	opts := []store.Option{store.WithCompression(cfg.compress)}
	if cfg.maxSize != "" {
		n, err := humanize.ParseBytes(cfg.maxSize)
		if err != nil {
			return nil, fmt.Errorf("max-size: %w", err)
		}
		opts = append(opts, store.WithMaxSize(int64(n))) //nolint:gosec // profiler sizes stay well under MaxInt64
	}
	return store.New(dir, opts...)
}

func seedEntries(cache *store.Store, cfg config) ([]ttscache.Key, error) {
	audio := testutil.FakeWAV(cfg.samples)
	duration := float64(cfg.samples) / 24000
	keys := make([]ttscache.Key, 0, cfg.entries)
	for i := range cfg.entries {
		key := segmentKey(i)
		if _, err := cache.Put(key, audio, 24000, duration); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func segmentText(i int) string {
	return fmt.Sprintf("Profiling segment %05d: the mitochondria is the powerhouse of the cell.", i)
}

func segmentKey(i int) ttscache.Key {
	return ttscache.NewKey(segmentText(i), profileVoice(i))
}

// profileVoice cycles providers so per-provider stats see a spread.
func profileVoice(i int) ttscache.VoiceConfig {
	providers := []string{ttscache.ProviderVibeVoice, ttscache.ProviderPiper, ttscache.ProviderChatterbox}
	return ttscache.VoiceConfig{
		VoiceID:  "nova",
		Provider: providers[i%len(providers)],
		Speed:    1.0,
	}
}

func pickKey(keys []ttscache.Key, idx int, rng *rand.Rand, random bool) ttscache.Key {
	if random {
		return keys[rng.Intn(len(keys))]
	}
	return keys[idx%len(keys)]
}
