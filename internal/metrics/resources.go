package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Worker identifies a live worker process to sample.
type Worker struct {
	Camera string
	Role   string
	PID    int32
}

// Usage is one resource sample of a worker.
type Usage struct {
	Worker
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceConfig is the [metrics] worker sampling setting.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"worker_resources"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of worker processes with gopsutil
// and exports them as gauges labelled by camera and role.
type ResourceCollector struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	procs  map[int32]*process.Process // cached so CPUPercent is per interval
	latest map[string]Usage           // camera/role -> last sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig, log *slog.Logger) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	labels := []string{"camera", "role"}
	return &ResourceCollector{
		interval: interval,
		log:      log,
		procs:    make(map[int32]*process.Process),
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "camvisr", Subsystem: "worker", Name: "cpu_percent",
			Help: "CPU usage percentage of a worker since the previous sample.",
		}, labels),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "camvisr", Subsystem: "worker", Name: "memory_rss_bytes",
			Help: "Resident memory of a worker.",
		}, labels),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "camvisr", Subsystem: "worker", Name: "num_threads",
			Help: "Thread count of a worker.",
		}, labels),
	}
}

// Register adds the resource gauges to r.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.threads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the workers returned by list every interval until ctx is done
// or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, list func() []Worker) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(list())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of each worker and drops series of workers that are gone.
func (c *ResourceCollector) Collect(workers []Worker) {
	now := time.Now()
	seenPID := make(map[int32]bool, len(workers))
	seenKey := make(map[string]bool, len(workers))
	for _, w := range workers {
		seenPID[w.PID] = true
		u, err := c.sample(w, now)
		if err != nil {
			c.log.Debug("worker sample failed", "camera", w.Camera, "role", w.Role, "pid", w.PID, "error", err)
			continue
		}
		k := w.Camera + "/" + w.Role
		seenKey[k] = true
		c.cpu.WithLabelValues(w.Camera, w.Role).Set(u.CPUPercent)
		c.rss.WithLabelValues(w.Camera, w.Role).Set(float64(u.RSSBytes))
		c.threads.WithLabelValues(w.Camera, w.Role).Set(float64(u.NumThreads))
		c.mu.Lock()
		c.latest[k] = u
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.procs {
		if !seenPID[pid] {
			delete(c.procs, pid)
		}
	}
	for k, u := range c.latest {
		if !seenKey[k] {
			delete(c.latest, k)
			c.cpu.DeleteLabelValues(u.Camera, u.Role)
			c.rss.DeleteLabelValues(u.Camera, u.Role)
			c.threads.DeleteLabelValues(u.Camera, u.Role)
		}
	}
}

// Latest returns the most recent sample for camera/role.
func (c *ResourceCollector) Latest(camera, role string) (Usage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.latest[camera+"/"+role]
	return u, ok
}

func (c *ResourceCollector) sample(w Worker, now time.Time) (Usage, error) {
	c.mu.Lock()
	p := c.procs[w.PID]
	c.mu.Unlock()
	if p == nil {
		var err error
		if p, err = process.NewProcess(w.PID); err != nil {
			return Usage{}, err
		}
		c.mu.Lock()
		c.procs[w.PID] = p
		c.mu.Unlock()
	}
	cpu, err := p.Percent(0)
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	threads, _ := p.NumThreads()
	return Usage{Worker: w, CPUPercent: cpu, RSSBytes: mem.RSS, NumThreads: threads, SampledAt: now}, nil
}
