package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/systmms/iamsvc/internal/logging"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Manager fans queued events out to providers from a single worker.
type Manager struct {
	providers []Provider
	queue     chan Event
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}
	logger    *logging.Logger

	droppedCount int64
	droppedMu    sync.Mutex
}

// NewManager creates a manager with the given queue size.
// If queueSize is 0, DefaultQueueSize is used.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		providers: make([]Provider, 0),
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// RegisterProvider adds a provider.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background worker. Events sent before Start are ignored.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop shuts the worker down after delivering what is already queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues an event. It never blocks: when the queue is full the event
// is dropped and counted.
func (m *Manager) Send(event Event) {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		m.logger.Debug("Notification manager not running, %s event for %s not queued", event.Type, event.Account)
		return
	}
	m.mu.RUnlock()

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()

		incrementDroppedCounter()
		m.logger.Warn("Notification queue full, dropped %s event for %s", event.Type, event.Account)
	}
}

// DroppedCount returns the number of events dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatchEvent(ctx, event)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(drainCtx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatchEvent(ctx context.Context, event Event) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	for _, provider := range providers {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			incrementFailedCounter(provider.Name())
			m.logger.Warn("Failed to deliver %s notification for %s via %s: %v", event.Type, event.Account, provider.Name(), err)
		}
	}
}
