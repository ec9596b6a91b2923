package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds CPU and memory figures for the Tor process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures the sampler.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically samples the supervised Tor process and
// exports the figures as gauges. History is a fixed-size ring.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration

	mu       sync.RWMutex
	ring     []ResourceSample
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceSampler(cfg ResourceConfig) *ResourceSampler {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torvisr",
			Subsystem: "tor",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		ring:       make([]ResourceSample, maxHistory),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the Tor process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the Tor process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the Tor process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the Tor process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx ends or Stop is called.
// A non-positive pid means Tor is not running; the gauges are reset.
func (s *ResourceSampler) Start(ctx context.Context, pid func() int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				p := pid()
				if p <= 0 {
					s.reset()
					continue
				}
				if _, err := s.Collect(p); err != nil {
					slog.Debug("resource sample failed", "pid", p, "error", err)
				}
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of pid, records it, and updates the gauges.
func (s *ResourceSampler) Collect(pid int32) (ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	sample := ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			sample.NumFDs = fds
		}
	}

	label := fmt.Sprint(pid)
	s.mu.Lock()
	if s.count > 0 {
		if last := s.lastLocked(); last.PID != pid {
			s.deleteGauges(fmt.Sprint(last.PID))
		}
	}
	if s.count < len(s.ring) {
		s.ring[s.count] = sample
		s.count++
	} else {
		s.ring[s.startIdx] = sample
		s.startIdx = (s.startIdx + 1) % len(s.ring)
	}
	s.mu.Unlock()

	s.cpuPercent.WithLabelValues(label).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(label).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(label).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(sample.NumFDs))
	}
	return sample, nil
}

// Latest returns the most recent sample.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	return s.lastLocked(), true
}

// History returns samples oldest first.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.startIdx+i)%len(s.ring)])
	}
	return out
}

func (s *ResourceSampler) IsEnabled() bool { return s.enabled }

func (s *ResourceSampler) lastLocked() ResourceSample {
	idx := s.count - 1
	if s.count == len(s.ring) {
		idx = (s.startIdx + len(s.ring) - 1) % len(s.ring)
	}
	return s.ring[idx]
}

func (s *ResourceSampler) reset() {
	s.cpuPercent.Reset()
	s.memoryMB.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
}

func (s *ResourceSampler) deleteGauges(label string) {
	s.cpuPercent.DeleteLabelValues(label)
	s.memoryMB.DeleteLabelValues(label)
	s.numThreads.DeleteLabelValues(label)
	s.numFDs.DeleteLabelValues(label)
}
