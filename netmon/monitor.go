// Package netmon tracks whether the backend is reachable and how good the link to it is.
//
// The platform link signal only says whether an interface is up, so the
// monitor also probes health endpoints on a fixed interval. Listeners hear
// about changes of online state, quality or link type, not about every probe.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/habedi/convo/pkg/pool"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second

	// rttWindow is the number of probe round trips averaged for quality.
	rttWindow = 5
)

// Probe is one health endpoint.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// LinkDetector reports whether a network link is up and, if known, its effective type.
type LinkDetector func() (up bool, effectiveType string)

// Status is a snapshot of reachability.
type Status struct {
	Online        bool
	Quality       Quality
	EffectiveType string
	RTT           time.Duration
	CheckedAt     time.Time
}

func (s Status) differs(o Status) bool {
	return s.Online != o.Online || s.Quality != o.Quality || s.EffectiveType != o.EffectiveType
}

// Monitor is safe for concurrent use.
type Monitor struct {
	probes   []Probe
	interval time.Duration
	timeout  time.Duration
	link     LinkDetector
	now      func() time.Time

	mu        sync.Mutex
	status    Status
	samples   []time.Duration
	listeners map[int]func(Status)
	nextID    int
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }

func WithTimeout(d time.Duration) Option { return func(m *Monitor) { m.timeout = d } }

func WithLinkDetector(fn LinkDetector) Option { return func(m *Monitor) { m.link = fn } }

// WithClock replaces time.Now for round-trip measurement.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New creates a monitor over the given probes. It starts optimistic: online, quality unknown.
func New(probes []Probe, opts ...Option) *Monitor {
	m := &Monitor{
		probes:    probes,
		interval:  DefaultInterval,
		timeout:   DefaultTimeout,
		link:      InterfaceLink,
		now:       time.Now,
		listeners: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status = Status{Online: true, Quality: QualityUnknown}
	return m
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks the link and every health endpoint once and returns the new status.
// The backend counts as reachable when any endpoint answers.
func (m *Monitor) Probe(ctx context.Context) Status {
	up, effectiveType := m.link()
	if !up {
		return m.update(func(s *Status) {
			s.Online = false
			s.EffectiveType = effectiveType
		})
	}

	results := pool.Map(ctx, m.probes, len(m.probes), func(ctx context.Context, p Probe) (time.Duration, error) {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		start := m.now()
		if err := p.Check(pctx); err != nil {
			log.Debug().Err(err).Str("probe", p.Name).Msg("Health probe failed")
			return 0, err
		}
		return m.now().Sub(start), nil
	})
	if ctx.Err() != nil {
		return m.Status()
	}

	online := len(m.probes) == 0
	var best time.Duration
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if !online || r.Value < best {
			best = r.Value
		}
		online = true
	}

	return m.update(func(s *Status) {
		s.Online = online
		s.EffectiveType = effectiveType
		if online && len(m.probes) > 0 {
			s.RTT = m.record(best)
		}
	})
}

// SetLinkState feeds a platform link signal. A link going down marks the monitor offline at once;
// a link coming up is only trusted after the next successful probe.
func (m *Monitor) SetLinkState(up bool, effectiveType string) {
	m.update(func(s *Status) {
		s.EffectiveType = effectiveType
		if !up {
			s.Online = false
		}
	})
}

// record adds a sample to the rolling window and returns the window average. Called with mu held.
func (m *Monitor) record(rtt time.Duration) time.Duration {
	m.samples = append(m.samples, rtt)
	if len(m.samples) > rttWindow {
		m.samples = m.samples[len(m.samples)-rttWindow:]
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s
	}
	return sum / time.Duration(len(m.samples))
}

func (m *Monitor) update(mutate func(*Status)) Status {
	m.mu.Lock()
	prev := m.status
	next := prev
	mutate(&next)
	next.CheckedAt = m.now()
	if next.Online {
		next.Quality = ClassifyQuality(next.EffectiveType, next.RTT)
	} else {
		next.Quality = QualityUnknown
	}
	m.status = next

	var notify []func(Status)
	if next.differs(prev) {
		for _, fn := range m.listeners {
			notify = append(notify, fn)
		}
	}
	m.mu.Unlock()

	if len(notify) > 0 {
		log.Info().Bool("online", next.Online).Str("quality", string(next.Quality)).Msg("Network status changed")
	}
	for _, fn := range notify {
		fn(next)
	}
	return next
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Online reports the latest reachability verdict.
func (m *Monitor) Online() bool {
	return m.Status().Online
}

// Subscribe registers fn for status changes and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// InterfaceLink reports the link as up when any non-loopback interface is up and has an address.
// The effective type is not available from the OS and is left empty.
func InterfaceLink() (bool, string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Debug().Err(err).Msg("Cannot list network interfaces")
		return true, ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			return true, ""
		}
	}
	return false, ""
}
