package memcached

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Transport is the shared, pluggable I/O layer a Manager can own on behalf
// of every Cache it creates. The default does no shared setup; it exists so
// a caller-supplied Transport's Close is respected on Shutdown without the
// Manager ever closing one it does not own.
type Transport interface {
	Close() error
}

// noopTransport is the Manager-owned default when the caller does not
// supply one.
type noopTransport struct{}

func (noopTransport) Close() error { return nil }

// Manager owns the lifecycle of a set of named Caches and, optionally, a
// shared Transport and Coordinator.
type Manager struct {
	cfg  ManagerConfig
	log  *logrus.Entry

	transport     Transport
	ownsTransport bool

	mu          sync.Mutex
	caches      map[string]*Cache
	coordinator Coordinator
	listeners   map[string]*cacheBarrierListener

	closed bool
}

// NewManager constructs a Manager. If transport is nil, the Manager
// creates and owns a default no-op Transport; an explicitly supplied
// transport is never closed by Shutdown.
func NewManager(cfg ManagerConfig, transport Transport, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	owns := transport == nil
	if transport == nil {
		transport = noopTransport{}
	}
	return &Manager{
		cfg:           cfg,
		log:           log,
		transport:     transport,
		ownsTransport: owns,
		caches:        make(map[string]*Cache),
		listeners:     make(map[string]*cacheBarrierListener),
	}
}

// CreateCache builds a Cache for region from cfg and registers it under
// that name so Manager.Shutdown tears it down too.
func (m *Manager) CreateCache(region string, cfg CacheConfig) (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.caches[region]; exists {
		return nil, fmt.Errorf("memcached: cache %q already exists", region)
	}

	cache, err := NewCache(cfg, m.log.WithField("region", region))
	if err != nil {
		return nil, err
	}
	m.caches[region] = cache
	return cache, nil
}

// Cache returns the named cache, or (nil, false) if no such region exists.
func (m *Manager) Cache(region string) (*Cache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[region]
	return c, ok
}

// AttachCoordinator wires region's Cache to c: a barrier is registered
// whose commits diff the remote server list against the cache's current set
// and apply AddServer/RemoveServer. cfg.Servers supplies the barrier's
// local bytes; cfg.PreferRemoteConfig is not read here. Whether an empty
// remote server list makes registration fail is decided by c alone
// (LocalCoordinator fails it when constructed with preferRemote true).
func (m *Manager) AttachCoordinator(region string, c Coordinator, cfg CacheConfig) error {
	m.mu.Lock()
	cache, ok := m.caches[region]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("memcached: no cache registered for region %q", region)
	}

	listener := &cacheBarrierListener{cache: cache}
	localBytes := []byte(JoinServerList(cfg.Servers))
	if _, err := c.RegisterBarrier(region, listener, localBytes); err != nil {
		return err
	}

	m.mu.Lock()
	m.coordinator = c
	m.listeners[region] = listener
	m.mu.Unlock()
	return nil
}

// Shutdown stops every managed cache, unregisters coordinator barriers,
// and closes the owned Transport (an externally supplied one is left
// running)
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	caches := m.caches
	m.caches = nil
	coordinator := m.coordinator
	regions := make([]string, 0, len(m.listeners))
	for region := range m.listeners {
		regions = append(regions, region)
	}
	m.mu.Unlock()

	for _, cache := range caches {
		cache.Shutdown()
	}

	if coordinator != nil {
		for _, region := range regions {
			if err := coordinator.UnregisterBarrier(region); err != nil {
				m.log.WithError(err).WithField("region", region).Warn("failed to unregister barrier")
			}
		}
	}

	if m.ownsTransport {
		if err := m.transport.Close(); err != nil {
			m.log.WithError(err).Warn("failed to close owned transport")
		}
	}
}
