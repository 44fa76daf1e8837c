// Package connectivity tracks whether the remote is reachable. Active probes
// against the health endpoint are the source of truth; passive OS signals can
// only take the monitor offline or ask for an early probe.
package connectivity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
)

// Quality classifies the connection by probe round-trip time.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// Latency thresholds for Classify.
const (
	ExcellentThreshold = 100 * time.Millisecond
	GoodThreshold      = 300 * time.Millisecond
)

// Classify maps a successful probe's latency to a Quality.
func Classify(latency time.Duration) Quality {
	switch {
	case latency <= ExcellentThreshold:
		return QualityExcellent
	case latency <= GoodThreshold:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Prober performs one liveness check; nil means healthy.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Status is a connectivity snapshot.
type Status struct {
	Online      bool          `json:"online"`
	Quality     Quality       `json:"quality"`
	Latency     time.Duration `json:"latencyNs"`
	LastChecked time.Time     `json:"lastChecked"`
	LastChange  time.Time     `json:"lastChange"`
	// Source is "probe" or "passive".
	Source string `json:"source"`
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// MinCheckInterval rate-limits forced checks.
	MinCheckInterval time.Duration
	Metrics          *telemetry.Metrics
	Now              func() time.Time
}

// Monitor owns the online/offline state.
type Monitor struct {
	prober  Prober
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	status Status
	subs   map[int]func(Status)
	nextID int

	probeMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Monitor. It reports offline until the first probe succeeds.
func New(p Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MinCheckInterval <= 0 {
		opts.MinCheckInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		prober:  p,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinCheckInterval), 1),
		status:  Status{Quality: QualityDisconnected},
		subs:    make(map[int]func(Status)),
	}
}

// Start probes immediately and then every Interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)
	logging.Info("Connectivity monitor started", map[string]interface{}{
		"interval_ms": m.opts.Interval.Milliseconds(),
		"timeout_ms":  m.opts.Timeout.Milliseconds(),
	})
}

// Stop halts periodic probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.running = false
	m.runMu.Unlock()

	<-done
	logging.Info("Connectivity monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.probe(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Check forces a probe unless one was forced very recently, in which case
// the current status is returned.
func (m *Monitor) Check(ctx context.Context) Status {
	if !m.limiter.Allow() {
		return m.Status()
	}
	return m.probe(ctx)
}

// probe runs one liveness check and applies the result.
func (m *Monitor) probe(ctx context.Context) Status {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	start := m.opts.Now()
	err := m.prober.Probe(pctx)
	latency := m.opts.Now().Sub(start)

	if ctx.Err() != nil {
		// shutting down; the result says nothing about the remote
		return m.Status()
	}
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return m.apply(false, QualityDisconnected, 0, "probe")
	}
	m.opts.Metrics.ObserveProbe(latency)
	return m.apply(true, Classify(latency), latency, "probe")
}

// SetPassive feeds an OS/network-stack signal. Offline is applied at once;
// online is only a hint that triggers a probe.
func (m *Monitor) SetPassive(online bool) {
	if !online {
		m.apply(false, QualityDisconnected, 0, "passive")
		return
	}
	go m.probe(context.Background())
}

func (m *Monitor) apply(online bool, q Quality, latency time.Duration, source string) Status {
	now := m.opts.Now()

	m.mu.Lock()
	changed := m.status.Online != online
	m.status.Online = online
	m.status.Quality = q
	m.status.Latency = latency
	m.status.LastChecked = now
	m.status.Source = source
	if changed {
		m.status.LastChange = now
	}
	snapshot := m.status
	var subs []func(Status)
	if changed {
		subs = make([]func(Status), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	m.opts.Metrics.SetOnline(online)
	if changed {
		logging.Info("Connectivity changed", map[string]interface{}{
			"online":  online,
			"quality": string(q),
			"source":  source,
		})
		for _, fn := range subs {
			fn(snapshot)
		}
	}
	return snapshot
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports the current online state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Online
}

// Subscribe registers fn for online/offline transitions and returns a
// function that removes it.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
