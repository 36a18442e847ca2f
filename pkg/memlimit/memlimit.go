package memlimit

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/tandem-io/tandem/pkg/metrics"
)

// Sampler reports the current resident set size of this process in bytes.
// Process-specific RSS is the correct signal here: host-wide memory has
// burned this design before, shrinking batches because an unrelated
// process was busy.
type Sampler interface {
	RSS() (uint64, error)
}

// ProcSampler reads RSS from /proc via the procfs library
type ProcSampler struct{}

// NewSampler returns the best sampler for this platform: /proc-backed on
// Linux, Go runtime accounting elsewhere.
func NewSampler() Sampler {
	if _, err := procfs.Self(); err == nil {
		return &ProcSampler{}
	}
	return &RuntimeSampler{}
}

// RSS returns the resident set size in bytes
func (s *ProcSampler) RSS() (uint64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("failed to open /proc/self: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to read process stat: %w", err)
	}
	return uint64(stat.ResidentMemory()), nil
}

// RuntimeSampler approximates RSS from Go runtime statistics on platforms
// without /proc. Sys overstates true RSS slightly, which errs toward
// smaller batches, the safe direction.
type RuntimeSampler struct{}

// RSS returns the memory obtained from the OS by the Go runtime
func (s *RuntimeSampler) RSS() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}

// BatchSizer adapts WAL replay batch sizes to memory pressure. Above the
// pressure threshold the size halves each observation; below it the size
// doubles back toward the maximum.
type BatchSizer struct {
	sampler   Sampler
	ceiling   uint64  // bytes
	threshold float64 // fraction of ceiling considered pressured

	mu      sync.Mutex
	current int
	min     int
	max     int
}

// Config tunes a BatchSizer
type Config struct {
	Sampler          Sampler
	MaxMemoryMB      int
	PressureFraction float64
	DefaultBatch     int
	MaxBatch         int
}

// NewBatchSizer creates a sizer starting at the default batch size
func NewBatchSizer(cfg Config) *BatchSizer {
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = NewSampler()
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = 400
	}
	if cfg.PressureFraction <= 0 || cfg.PressureFraction > 1 {
		cfg.PressureFraction = 0.8
	}
	if cfg.DefaultBatch <= 0 {
		cfg.DefaultBatch = 50
	}
	if cfg.MaxBatch < cfg.DefaultBatch {
		cfg.MaxBatch = cfg.DefaultBatch
	}

	b := &BatchSizer{
		sampler:   sampler,
		ceiling:   uint64(cfg.MaxMemoryMB) * 1024 * 1024,
		threshold: cfg.PressureFraction,
		current:   cfg.DefaultBatch,
		min:       1,
		max:       cfg.MaxBatch,
	}
	metrics.WALBatchSize.Set(float64(b.current))
	return b
}

// Next samples memory and returns the batch size to use for the coming
// batch. Sampling failures keep the current size: a blind sizer must not
// oscillate.
func (b *BatchSizer) Next() int {
	rss, err := b.sampler.RSS()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		metrics.ProcessRSSBytes.Set(float64(rss))
		if float64(rss) >= float64(b.ceiling)*b.threshold {
			b.current = maxInt(b.current/2, b.min)
		} else {
			b.current = minInt(b.current*2, b.max)
		}
		metrics.WALBatchSize.Set(float64(b.current))
	}
	return b.current
}

// Current returns the batch size without sampling
func (b *BatchSizer) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
