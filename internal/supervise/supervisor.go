package supervise

import (
	"context"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DiscoveryEngine is the subset of discovery.Engine the supervisor drives.
type DiscoveryEngine interface {
	Start(ctx context.Context) error
	Stop() error
	RefreshNeighbours(ctx context.Context)
}

// DataListener is the subset of dataplane.Listener the supervisor drives.
type DataListener interface {
	Start(ctx context.Context, port int) (int, error)
	Stop() error
}

// InterfaceWatcher is satisfied by both netif.Watcher (poll-driven) and
// netif.LinkSubscribeWatcher (netlink-driven); the supervisor only needs
// the change signal, not how it was produced.
type InterfaceWatcher interface {
	Changes() <-chan struct{}
}

// defaultWatcherPoll is the fallback interval for the polling
// interface-change monitor.
const defaultWatcherPoll = 120 * time.Second

// Supervisor owns the startup preflight, the aggregated shutdown of every
// long-lived collaborator, and the interface-change monitor that asks the
// discovery engine to refresh its neighbours.
type Supervisor struct {
	port     int
	engine   DiscoveryEngine
	listener DataListener
	watcher  InterfaceWatcher
	logger   *logrus.Entry

	mu      sync.Mutex
	closers []func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor. watcher may be nil if no interface-change
// monitor is wired (e.g. a test harness with a fixed interface set).
func New(port int, engine DiscoveryEngine, listener DataListener, watcher InterfaceWatcher, logger *logrus.Entry) *Supervisor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{port: port, engine: engine, listener: listener, watcher: watcher, logger: logger}
}

// Start runs the port preflight, then starts the discovery engine and the
// data-plane listener in that order, tracking both for an aggregated
// Shutdown. It returns the data-plane listener's bound port.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	if err := PortPreflight(s.port); err != nil {
		return 0, err
	}

	if err := s.engine.Start(ctx); err != nil {
		return 0, err
	}
	s.track(s.engine.Stop)

	dataPort, err := s.listener.Start(ctx, s.port)
	if err != nil {
		_ = s.Shutdown()
		return 0, err
	}
	s.track(s.listener.Stop)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitorInterfaces(runCtx)
		}()
	}

	return dataPort, nil
}

func (s *Supervisor) track(stop func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, stop)
}

// Shutdown stops every tracked collaborator in reverse start order,
// collecting every close error instead of discarding all but the last.
func (s *Supervisor) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	closers := append([]func() error(nil), s.closers...)
	s.closers = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Supervisor) monitorInterfaces(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.watcher.Changes():
			s.logger.Info("interface change detected, refreshing neighbours")
			s.engine.RefreshNeighbours(ctx)
		}
	}
}

// DefaultPollInterval is the interval a polling InterfaceWatcher's Run
// should be driven at when no platform-specific event source is
// available (120s).
func DefaultPollInterval() time.Duration { return defaultWatcherPoll }
