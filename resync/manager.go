package resync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cellmark/cellmark/internal/metrics"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyWatched = errors.New("asset is already watched")

// Factory builds the coordinator of a newly watched asset.
type Factory func(assetID string) (*Coordinator, error)

// LeaseProvider grants the exclusive right to watch an asset across processes.
type LeaseProvider interface {
	Acquire(ctx context.Context, assetID string, ttl time.Duration) (Lease, error)
}

type watch struct {
	coord  *Coordinator
	cancel context.CancelFunc
	done   chan struct{}
	lease  Lease
}

// Manager runs one coordinator goroutine per watched asset. Assets share nothing:
// unwatching one cancels only its own fetches.
type Manager struct {
	factory  Factory
	leases   LeaseProvider
	leaseTTL time.Duration

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory, watches: make(map[string]*watch)}
}

// WithLeases makes Watch acquire a lease per asset and coordinators extend it every tick.
func (m *Manager) WithLeases(leases LeaseProvider, ttl time.Duration) *Manager {
	m.leases = leases
	m.leaseTTL = ttl
	return m
}

// Watch starts watching assetID. It fails with ErrAlreadyWatched when this or another
// process already watches it.
func (m *Manager) Watch(ctx context.Context, assetID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watches[assetID]; ok {
		return nil, ErrAlreadyWatched
	}

	coord, err := m.factory(assetID)
	if err != nil {
		return nil, err
	}

	var lease Lease
	if m.leases != nil {
		lease, err = m.leases.Acquire(ctx, assetID, m.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyWatched, err)
		}
		coord.WithLease(lease, m.leaseTTL)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &watch{coord: coord, cancel: cancel, done: make(chan struct{}), lease: lease}
	m.watches[assetID] = w
	metrics.WatchedAssets.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(w.done)
		if err := coord.Run(runCtx); err != nil {
			logrus.WithField("asset_id", assetID).WithError(err).Warn("watch ended")
			m.forget(assetID, w)
		}
	}()
	return coord, nil
}

// Unwatch stops the asset's coordinator, waits for its in-flight tick and releases the lease.
func (m *Manager) Unwatch(ctx context.Context, assetID string) error {
	m.mu.Lock()
	w, ok := m.watches[assetID]
	if ok {
		delete(m.watches, assetID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: not watched", assetID)
	}

	m.stop(ctx, assetID, w)
	return nil
}

// Get returns the coordinator of a watched asset.
func (m *Manager) Get(assetID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[assetID]
	if !ok {
		return nil, false
	}
	return w.coord, true
}

// Assets lists the watched assets in order.
func (m *Manager) Assets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.watches))
	for id := range m.watches {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every coordinator and waits for them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	watches := m.watches
	m.watches = make(map[string]*watch)
	m.mu.Unlock()

	for id, w := range watches {
		m.stop(ctx, id, w)
	}
	m.wg.Wait()
}

func (m *Manager) stop(ctx context.Context, assetID string, w *watch) {
	w.cancel()
	<-w.done
	metrics.WatchedAssets.Dec()
	metrics.PartialTimelines.DeleteLabelValues(assetID)
	if w.lease != nil {
		if err := w.lease.Unlock(ctx); err != nil {
			logrus.WithField("asset_id", assetID).WithError(err).Warn("could not release watch lease")
		}
	}
}

// forget drops a watch whose coordinator stopped on its own.
func (m *Manager) forget(assetID string, w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.watches[assetID]; ok && cur == w {
		delete(m.watches, assetID)
		metrics.WatchedAssets.Dec()
		metrics.PartialTimelines.DeleteLabelValues(assetID)
	}
}
