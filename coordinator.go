package memcached

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BarrierListener receives server-list commits from a Coordinator.
type BarrierListener interface {
	OnInit(region, path string, remoteBytes []byte)
	OnCommit(region, path string, newBytes []byte)
	OnDestroy(region string)
}

// Coordinator propagates cluster membership changes across processes via
// watch-and-commit synchronization of a region's server list.
type Coordinator interface {
	RegisterBarrier(region string, l BarrierListener, localBytes []byte) (dataPath string, err error)
	SetData(path string, bytes []byte) error
	UnregisterBarrier(region string) error
}

// ErrRemoteConfigRequired is returned by RegisterBarrier when
// preferRemoteConfig is true but the coordinator has no remote bytes for
// the region.
var ErrRemoteConfigRequired = errors.New("memcached: preferRemoteConfig requires non-empty remote server list")

// LocalCoordinator is an in-process Coordinator with no external store: it
// synthesizes a data path per region and replays the registrant's own
// local bytes back through OnInit, so a cache using it behaves as if no
// coordination were present beyond a stable dataPath to reference.
type LocalCoordinator struct {
	preferRemote bool
	regions      map[string]regionState
}

type regionState struct {
	path     string
	listener BarrierListener
	data     []byte
}

// NewLocalCoordinator constructs a LocalCoordinator. When preferRemote is
// true, RegisterBarrier fails unless localBytes is non-empty, modeling
// "remote" data with the caller's own bytes since there is no real remote
// store backing this implementation.
func NewLocalCoordinator(preferRemote bool) *LocalCoordinator {
	return &LocalCoordinator{preferRemote: preferRemote, regions: make(map[string]regionState)}
}

func (c *LocalCoordinator) RegisterBarrier(region string, l BarrierListener, localBytes []byte) (string, error) {
	if c.preferRemote && len(localBytes) == 0 {
		return "", ErrRemoteConfigRequired
	}
	path := fmt.Sprintf("/memcached/%s/%s", region, uuid.NewString())
	c.regions[region] = regionState{path: path, listener: l, data: localBytes}
	if l != nil {
		l.OnInit(region, path, localBytes)
	}
	return path, nil
}

func (c *LocalCoordinator) SetData(path string, bytes []byte) error {
	for region, st := range c.regions {
		if st.path != path {
			continue
		}
		st.data = bytes
		c.regions[region] = st
		if st.listener != nil {
			st.listener.OnCommit(region, path, bytes)
		}
		return nil
	}
	return fmt.Errorf("memcached: no barrier registered at path %q", path)
}

func (c *LocalCoordinator) UnregisterBarrier(region string) error {
	st, ok := c.regions[region]
	if !ok {
		return nil
	}
	delete(c.regions, region)
	if st.listener != nil {
		st.listener.OnDestroy(region)
	}
	return nil
}

// cacheBarrierListener adapts coordinator commits to a Cache's server
// membership by diffing the new byte-encoded server list against the
// current one and issuing AddServer/RemoveServer calls.
type cacheBarrierListener struct {
	cache *Cache
}

func (l *cacheBarrierListener) OnInit(region, path string, remoteBytes []byte) {
	l.applyDiff(remoteBytes)
}

func (l *cacheBarrierListener) OnCommit(region, path string, newBytes []byte) {
	l.applyDiff(newBytes)
}

func (l *cacheBarrierListener) OnDestroy(region string) {}

func (l *cacheBarrierListener) applyDiff(newBytes []byte) {
	if len(newBytes) == 0 {
		return
	}
	want := make(map[string]struct{})
	for _, s := range ParseServerList(string(newBytes)) {
		want[s] = struct{}{}
	}
	current := l.cache.ServerSet()
	for s := range want {
		if _, ok := current[s]; !ok {
			l.cache.AddServer(s)
		}
	}
	for s := range current {
		if _, ok := want[s]; !ok {
			l.cache.RemoveServer(s)
		}
	}
}
