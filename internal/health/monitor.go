// Package health implements the Live/Quarantined server state machine that
// backs automatic failure detection and background revival.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	jump "github.com/dgryski/go-jump"
	"github.com/sirupsen/logrus"

	"github.com/outpostcache/memcached/internal/codec"
	"github.com/outpostcache/memcached/internal/conn"
)

// Prober dials a server, issues a lightweight liveness probe, and reports
// whether it succeeded. The cache front-end supplies this so the monitor
// never needs to know about connection pooling.
type Prober func(ctx context.Context, server string) error

// RingUpdater is satisfied by *ring.Ring; kept as an interface so tests can
// substitute a recorder.
type RingUpdater interface {
	Add(server string)
	Remove(server string)
}

// PoolInvalidator closes out a server's pool on quarantine by destroying
// its key. The cache front-end's internal pool type satisfies this.
type PoolInvalidator interface {
	DestroyKey(key string)
}

// Monitor runs the Live/Quarantined state machine for its tracked set of
// servers, probing quarantined servers on a timer and updating the ring
// and pool on every transition.
type Monitor struct {
	mu          sync.RWMutex
	state       map[string]bool // true == live
	ring        RingUpdater
	pool        PoolInvalidator
	probe       Prober
	interval    time.Duration
	probeTO     time.Duration
	numWorkers  int
	log         *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Monitor over servers, all initially Live. interval<=0
// disables background probing entirely.
func New(servers []string, rng RingUpdater, pool PoolInvalidator, probe Prober, interval, probeTimeout time.Duration, log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	state := make(map[string]bool, len(servers))
	for _, s := range servers {
		state[s] = true
	}
	return &Monitor{
		state:      state,
		ring:       rng,
		pool:       pool,
		probe:      probe,
		interval:   interval,
		probeTO:    probeTimeout,
		numWorkers: proberWorkerCount(len(servers)),
		log:        log,
		stop:       make(chan struct{}),
	}
}

// proberWorkerCount buckets the revival-probing fan-out width by server
// count using a jump-consistent-hash step function. Unrelated to key
// routing, which always uses internal/ring.
func proberWorkerCount(numServers int) int {
	if numServers <= 1 {
		return 1
	}
	buckets := 8
	b := jump.Hash(uint64(numServers), buckets)
	workers := int(b) + 1
	if workers > numServers {
		workers = numServers
	}
	return workers
}

// IsLive reports whether server is currently routable.
func (m *Monitor) IsLive(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[server]
}

// Quarantine transitions server to Quarantined: removes it from the ring
// and destroys its pool A no-op if already quarantined.
func (m *Monitor) Quarantine(server string) {
	m.mu.Lock()
	if live, tracked := m.state[server]; tracked && !live {
		m.mu.Unlock()
		return
	}
	m.state[server] = false
	m.mu.Unlock()

	m.log.WithField("server", server).Warn("quarantining server")
	m.ring.Remove(server)
	m.pool.DestroyKey(server)
}

// AddServer begins tracking a new server as Live.
func (m *Monitor) AddServer(server string) {
	m.mu.Lock()
	m.state[server] = true
	m.mu.Unlock()
	m.ring.Add(server)
}

// RemoveServer stops tracking server entirely (explicit removal, not
// quarantine): it is dropped from the ring and forgotten.
func (m *Monitor) RemoveServer(server string) {
	m.mu.Lock()
	delete(m.state, server)
	m.mu.Unlock()
	m.ring.Remove(server)
}

// Servers returns every tracked server and its liveness.
func (m *Monitor) Servers() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

func (m *Monitor) quarantined() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for s, live := range m.state {
		if !live {
			out = append(out, s)
		}
	}
	return out
}

// Start launches the background revival-probing loop. A no-op if interval
// is non-positive.
func (m *Monitor) Start() {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.probeLoop()
}

// Stop halts the background loop and waits for it to exit.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeRound()
		}
	}
}

// probeRound fans the current quarantined set out across numWorkers
// goroutines, each owning a disjoint slice, and probes its members
// sequentially; a failed probe is retried up to revivalAttempts times with
// a backoff between attempts.
func (m *Monitor) probeRound() {
	targets := m.quarantined()
	if len(targets) == 0 {
		return
	}
	workers := m.numWorkers
	if workers > len(targets) {
		workers = len(targets)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; i < len(targets); i += workers {
				m.tryRevive(targets[i])
			}
		}(w)
	}
	wg.Wait()
}

// revivalAttempts bounds how many times tryRevive retries a single
// quarantined server within one tick before giving up until the next
// probeLoop round.
const revivalAttempts = 3

func (m *Monitor) tryRevive(server string) {
	bo := &backoff.Backoff{Min: 10 * time.Millisecond, Max: m.probeTO, Factor: 2, Jitter: true}

	for attempt := 0; attempt < revivalAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.probeTO)
		err := m.probe(ctx, server)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.state[server] = true
			m.mu.Unlock()

			m.log.WithField("server", server).Info("server revived")
			m.ring.Add(server)
			return
		}

		m.log.WithError(err).WithField("server", server).Debug("revival probe failed")
		if attempt == revivalAttempts-1 {
			return
		}
		select {
		case <-time.After(bo.Duration()):
		case <-m.stop:
			return
		}
	}
}

// VersionProbe builds a Prober that dials server directly (bypassing any
// pool) and issues a single OpVersion request.
func VersionProbe(dialTimeout, writeTimeout, responseTimeout time.Duration, log *logrus.Entry) Prober {
	return func(ctx context.Context, server string) error {
		c, err := conn.Dial(server, dialTimeout, log)
		if err != nil {
			return err
		}
		defer c.Close()

		_, err = c.Send(&codec.Request{Opcode: codec.OpVersion}, writeTimeout, responseTimeout)
		return err
	}
}
