// Command cachesim streams a synthetic viewer workload (frames by Zipf
// popularity, occasional volumes) through the cache and reports hit rate,
// evictions and peak bytes. It exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/imagecache/cache"
	"github.com/IvanBrykalov/imagecache/internal/config"
	"github.com/IvanBrykalov/imagecache/internal/logger"
	pmet "github.com/IvanBrykalov/imagecache/metrics/prom"
)

// maxVolumes bounds resident volumes; the oldest is removed explicitly
// because the volume tier is never evicted.
const maxVolumes = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cachesim:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// ---- pprof server (on DefaultServeMux) ----
	if cfg.PprofAddr != "" {
		go func() {
			log.Info("pprof: serving", zap.String("addr", cfg.PprofAddr))
			log.Warn("pprof server stopped", zap.Error(http.ListenAndServe(cfg.PprofAddr, nil)))
		}()
	}

	// ---- Build cache ----
	opt := cache.Options{MaxBudget: cfg.MaxBudget, Logger: log}
	var metrics *pmet.Adapter
	if cfg.MetricsAddr != "" {
		metrics = pmet.New(nil, "imagecache", "sim", nil)
		opt.Metrics = metrics
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", zap.String("addr", cfg.MetricsAddr))
			log.Warn("metrics server stopped", zap.Error(http.ListenAndServe(cfg.MetricsAddr, nil)))
		}()
	}
	c := cache.New(opt)
	defer func() { _ = c.Close() }()
	if metrics != nil {
		metrics.WatchBudget(c)
	}

	sim := newSimulator(c, cfg, log)
	unsubscribe := c.Subscribe(sim.observe)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		id := w
		g.Go(func() error { return sim.worker(gctx, id) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sim.report(time.Since(start))
	return nil
}

// loadConfig reads defaults, the optional -config file and the environment,
// then applies the flags the user set explicitly.
func loadConfig() (config.Config, error) {
	d := config.Default()
	var (
		path        = flag.String("config", "", "YAML config file")
		budget      = flag.Int64("budget", d.MaxBudget, "cache budget in bytes")
		logLevel    = flag.String("log", d.LogLevel, "log level: debug | info | warn | error")
		metricsAddr = flag.String("http", d.MetricsAddr, "serve Prometheus metrics at addr; empty = disabled")
		pprofAddr   = flag.String("pprof", d.PprofAddr, "serve pprof at addr (e.g. :6060); empty = disabled")
		workers     = flag.Int("workers", d.Workers, "number of worker goroutines")
		duration    = flag.Duration("duration", d.Duration, "simulation duration")
		frames      = flag.Int("frames", d.Frames, "frame keyspace size")
		frameBytes  = flag.Int64("frame_bytes", d.FrameBytes, "bytes per decoded frame")
		volFrames   = flag.Int("volume_frames", d.VolumeFrames, "frames per volume")
		volPct      = flag.Int("volumes", d.VolumePct, "volume load percentage [0..100]")
		readPct     = flag.Int("reads", d.ReadPct, "read percentage [0..100]")
		latency     = flag.Duration("latency", d.LoadLatency, "simulated load latency")
		zipfS       = flag.Float64("zipf_s", d.ZipfS, "Zipf s > 1 (skew)")
		seed        = flag.Int64("seed", d.Seed, "random seed")
	)
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "budget":
			cfg.MaxBudget = *budget
		case "log":
			cfg.LogLevel = *logLevel
		case "http":
			cfg.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "workers":
			cfg.Workers = *workers
		case "duration":
			cfg.Duration = *duration
		case "frames":
			cfg.Frames = *frames
		case "frame_bytes":
			cfg.FrameBytes = *frameBytes
		case "volume_frames":
			cfg.VolumeFrames = *volFrames
		case "volumes":
			cfg.VolumePct = *volPct
		case "reads":
			cfg.ReadPct = *readPct
		case "latency":
			cfg.LoadLatency = *latency
		case "zipf_s":
			cfg.ZipfS = *zipfS
		case "seed":
			cfg.Seed = *seed
		}
	})
	return cfg, cfg.Validate()
}

type simulator struct {
	c   cache.Cache
	cfg config.Config
	log *zap.Logger

	reads, hits, loads, puts, dups, rejects uint64
	volumes, evictions, peak                int64

	mu       sync.Mutex
	resident []string // volume keys, oldest first
}

func newSimulator(c cache.Cache, cfg config.Config, log *zap.Logger) *simulator {
	return &simulator{c: c, cfg: cfg, log: log.Named("sim")}
}

func frameKey(n uint64) string {
	return "wadouri:http://sim.local/frames/" + strconv.FormatUint(n, 10)
}

// observe tracks evictions and peak committed bytes.
func (s *simulator) observe(ev cache.Event) {
	switch ev.Type {
	case cache.EventImageRemoved:
		atomic.AddInt64(&s.evictions, 1)
	case cache.EventImageAdded, cache.EventVolumeAdded:
		total := s.c.TotalBytes()
		for {
			p := atomic.LoadInt64(&s.peak)
			if total <= p || atomic.CompareAndSwapInt64(&s.peak, p, total) {
				break
			}
		}
	}
}

// loadFrame is the loader handed to LoadImage.
func (s *simulator) loadFrame(ctx context.Context, _ string) (cache.LoadHandle, error) {
	atomic.AddUint64(&s.loads, 1)
	size, latency := s.cfg.FrameBytes, s.cfg.LoadLatency
	return cache.Go(ctx, func(ctx context.Context) (cache.Asset, error) {
		select {
		case <-time.After(latency):
			return cache.Bytes(size), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}).Handle(nil), nil
}

func (s *simulator) worker(ctx context.Context, id int) error {
	// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
	r := rand.New(rand.NewSource(s.cfg.Seed + int64(id)*9973))
	zipf := rand.NewZipf(r, s.cfg.ZipfS, 1, uint64(s.cfg.Frames-1))

	for ctx.Err() == nil {
		n := zipf.Uint64()
		switch p := r.Intn(100); {
		case p < s.cfg.VolumePct:
			s.loadVolume(ctx, n)
		case p < s.cfg.VolumePct+s.cfg.ReadPct:
			if err := s.check(ctx, s.read(ctx, frameKey(n))); err != nil {
				return err
			}
		default:
			// prefetch: put without waiting, as a viewer does ahead of scrolling
			h, _ := s.loadFrame(ctx, "")
			atomic.AddUint64(&s.puts, 1)
			if _, err := s.c.PutImage(frameKey(n), h); errors.Is(err, cache.ErrDuplicateKey) {
				atomic.AddUint64(&s.dups, 1)
			} else if err := s.check(ctx, err); err != nil {
				return err
			}
		}
	}
	return nil
}

// read fetches one frame through the cache. A read that has to wait for
// any load, its own or one it joined, counts as a miss.
func (s *simulator) read(ctx context.Context, key string) error {
	atomic.AddUint64(&s.reads, 1)
	if _, ok := s.c.Image(key); ok {
		atomic.AddUint64(&s.hits, 1)
		return nil
	}
	_, err := s.c.LoadImage(ctx, key, s.loadFrame)
	return err
}

// loadVolume assembles a volume over the frames following first.
func (s *simulator) loadVolume(ctx context.Context, first uint64) {
	key := "volume:" + uuid.NewString()
	members := make([]string, 0, s.cfg.VolumeFrames)
	for i := 0; i < s.cfg.VolumeFrames; i++ {
		members = append(members, frameKey((first+uint64(i))%uint64(s.cfg.Frames)))
	}
	size := s.cfg.FrameBytes * int64(s.cfg.VolumeFrames)

	_, err := s.c.LoadVolume(ctx, key, func(ctx context.Context, _ string) (cache.VolumeHandle, error) {
		h, _ := s.loadFrame(ctx, "")
		h.Future = sized{h.Future, size}
		return cache.VolumeHandle{LoadHandle: h, ImageKeys: members}, nil
	})
	if err != nil {
		if cache.IsRetryable(err) {
			atomic.AddUint64(&s.rejects, 1)
		}
		s.log.Debug("volume load failed", zap.String("key", key), zap.Error(err))
		return
	}
	atomic.AddInt64(&s.volumes, 1)

	s.mu.Lock()
	s.resident = append(s.resident, key)
	var drop []string
	if len(s.resident) > maxVolumes {
		drop = append(drop, s.resident[:len(s.resident)-maxVolumes]...)
		s.resident = s.resident[len(s.resident)-maxVolumes:]
	}
	s.mu.Unlock()
	for _, k := range drop {
		_ = s.c.RemoveVolume(k)
	}
}

// check treats shutdown errors as a clean stop and logs the rest.
func (s *simulator) check(ctx context.Context, err error) error {
	switch {
	case err == nil || ctx.Err() != nil:
		return nil
	case cache.IsRetryable(err):
		atomic.AddUint64(&s.rejects, 1)
		return nil
	case errors.Is(err, cache.ErrClosed):
		return err
	default:
		s.log.Debug("operation failed", zap.Error(err))
		return nil
	}
}

func (s *simulator) report(elapsed time.Duration) {
	st := s.c.Stats()
	reads := atomic.LoadUint64(&s.reads)
	hits := atomic.LoadUint64(&s.hits)
	hitRate := 0.0
	if reads > 0 {
		hitRate = float64(hits) / float64(reads) * 100
	}

	s.log.Info("simulation finished",
		zap.Duration("elapsed", elapsed),
		zap.Uint64("reads", reads),
		zap.Float64("hit_rate_pct", hitRate),
		zap.Uint64("loads", atomic.LoadUint64(&s.loads)),
		zap.Uint64("puts", atomic.LoadUint64(&s.puts)),
		zap.Uint64("duplicate_puts", atomic.LoadUint64(&s.dups)),
		zap.Uint64("capacity_rejects", atomic.LoadUint64(&s.rejects)),
		zap.Int64("volumes", atomic.LoadInt64(&s.volumes)),
		zap.Int64("image_removals", atomic.LoadInt64(&s.evictions)),
		zap.Int64("peak_bytes", atomic.LoadInt64(&s.peak)),
		zap.Int64("max_budget", st.MaxBudget),
	)
	fmt.Printf("budget=%d workers=%d frames=%d dur=%v seed=%d\n",
		st.MaxBudget, s.cfg.Workers, s.cfg.Frames, elapsed, s.cfg.Seed)
	fmt.Printf("reads=%d  hits=%d  hit-rate=%.2f%%  loads=%d\n",
		reads, hits, hitRate, atomic.LoadUint64(&s.loads))
	fmt.Printf("images=%d (%d B)  volumes=%d (%d B)  peak=%d B  removals=%d\n",
		st.ImageEntries, st.ImageBytes, st.VolumeEntries, st.VolumeBytes,
		atomic.LoadInt64(&s.peak), atomic.LoadInt64(&s.evictions))
}

// sized overrides the size reported by a frame future.
type sized struct {
	cache.Future
	size int64
}

func (f sized) Await(ctx context.Context) (cache.Asset, error) {
	if _, err := f.Future.Await(ctx); err != nil {
		return nil, err
	}
	return cache.Bytes(f.size), nil
}
