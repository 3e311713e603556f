// Package event reclaims device completion events. Events handed to the
// Manager are destroyed only after the device reports them complete, by a
// single background worker, so submitters never wait on the device.
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/device"
)

// Runtime is the subset of the device SDK the Manager needs.
type Runtime interface {
	QueryEvent(ev device.Event) (bool, error)
	SynchronizeEvent(ev device.Event) error
	DestroyEvent(ev device.Event) error
}

// DefaultRetryInterval is how often the worker re-polls events that were
// not yet complete on the previous pass.
const DefaultRetryInterval = 2 * time.Millisecond

// maxRetryBackoff caps the re-poll interval after a pass that reported a
// fatal error to a handler that did not exit.
const maxRetryBackoff = time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithRetryInterval sets the re-poll interval for incomplete events.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retry = d }
}

// WithFatalHandler replaces the handler for query/destroy failures. The
// default logs at fatal level, which exits the process.
func WithFatalHandler(f func(error)) Option {
	return func(m *Manager) { m.fatal = f }
}

// WithLogger sets the logger used by the worker.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns every event passed to LazyDestroy until it is destroyed.
type Manager struct {
	rt    Runtime
	retry time.Duration
	fatal func(error)
	log   zerolog.Logger

	mu      sync.Mutex
	pending []device.Event
	owned   map[device.Event]struct{}
	closed  bool

	// reclaimMu serialises destruction between the worker and Drain.
	reclaimMu sync.Mutex

	wake      chan struct{}
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewManager starts the reclaim worker.
func NewManager(rt Runtime, opts ...Option) *Manager {
	m := &Manager{
		rt:      rt,
		retry:   DefaultRetryInterval,
		log:     log.Logger,
		owned:   make(map[device.Event]struct{}),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	m.fatal = func(err error) {
		m.log.Fatal().Err(err).Msg("Device event reclaim failed")
	}
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// LazyDestroy takes ownership of ev and schedules its destruction once the
// device has signalled it. It only contends on the queue lock. Handing over
// an event the Manager already owns is a caller bug and panics.
func (m *Manager) LazyDestroy(ev device.Event) {
	m.mu.Lock()
	if _, dup := m.owned[ev]; dup {
		m.mu.Unlock()
		panic(fmt.Sprintf("event: handle %d enqueued twice", ev))
	}
	if m.closed {
		m.mu.Unlock()
		// Worker is gone; reclaim inline so nothing leaks after teardown.
		m.reclaimMu.Lock()
		defer m.reclaimMu.Unlock()
		m.destroySync(ev)
		return
	}
	m.owned[ev] = struct{}{}
	m.pending = append(m.pending, ev)
	eventsPending.Inc()
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of events awaiting destruction.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// QueryAndDestroy makes one non-blocking pass over the queue: complete
// events are destroyed, the rest are put back ahead of newer arrivals.
// It returns the number of events destroyed.
func (m *Manager) QueryAndDestroy() int {
	destroyed, _ := m.reclaim()
	return destroyed
}

// reclaim is one QueryAndDestroy pass; failed reports whether the fatal
// handler was called.
func (m *Manager) reclaim() (destroyed int, failed bool) {
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()

	batch := m.take()
	if len(batch) == 0 {
		return 0, false
	}

	var notReady []device.Event
	for i, ev := range batch {
		done, err := m.rt.QueryEvent(ev)
		if err != nil {
			m.requeue(append(notReady, batch[i:]...))
			m.fatal(fmt.Errorf("query event %d: %w", ev, err))
			return destroyed, true
		}
		if !done {
			notReady = append(notReady, ev)
			continue
		}
		if err := m.rt.DestroyEvent(ev); err != nil {
			m.requeue(append(notReady, batch[i:]...))
			m.fatal(fmt.Errorf("destroy event %d: %w", ev, err))
			return destroyed, true
		}
		m.release(ev)
		destroyed++
	}

	if len(notReady) > 0 {
		eventsRequeued.Add(float64(len(notReady)))
		m.requeue(notReady)
	}
	eventsReclaimed.Add(float64(destroyed))
	return destroyed, false
}

// Drain blocks until every queued event has completed and been destroyed.
// Events enqueued while draining are drained too.
func (m *Manager) Drain() {
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()

	n := 0
	for {
		batch := m.take()
		if len(batch) == 0 {
			break
		}
		for i, ev := range batch {
			if !m.destroySync(ev) {
				m.requeue(batch[i:])
				return
			}
			n++
		}
	}
	if n > 0 {
		m.log.Debug().Int("events", n).Msg("Drained device events")
	}
}

// Close stops the worker and drains the queue. It is idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.quit)
		<-m.stopped
		m.Drain()
	})
}

// destroySync waits for ev and destroys it. Caller holds reclaimMu.
func (m *Manager) destroySync(ev device.Event) bool {
	if err := m.rt.SynchronizeEvent(ev); err != nil {
		m.fatal(fmt.Errorf("synchronize event %d: %w", ev, err))
		return false
	}
	if err := m.rt.DestroyEvent(ev); err != nil {
		m.fatal(fmt.Errorf("destroy event %d: %w", ev, err))
		return false
	}
	m.release(ev)
	eventsDrained.Inc()
	return true
}

func (m *Manager) take() []device.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = nil
	return batch
}

// requeue puts evs back in front of anything enqueued since take.
func (m *Manager) requeue(evs []device.Event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(evs, m.pending...)
}

func (m *Manager) release(ev device.Event) {
	m.mu.Lock()
	_, owned := m.owned[ev]
	delete(m.owned, ev)
	m.mu.Unlock()
	if owned {
		eventsPending.Dec()
	}
}

// run is the reclaim worker. The retry timer is armed only while events
// are pending, and its interval doubles (up to maxRetryBackoff) after each
// pass that hit a fatal error.
func (m *Manager) run() {
	defer close(m.stopped)
	timer := time.NewTimer(m.retry)
	timer.Stop()
	defer timer.Stop()

	delay := m.retry
	armed := false
	for {
		var tick <-chan time.Time
		if armed {
			tick = timer.C
		}
		select {
		case <-m.quit:
			return
		case <-m.wake:
		case <-tick:
		}

		if _, failed := m.reclaim(); failed {
			delay = min(delay*2, max(maxRetryBackoff, m.retry))
		} else {
			delay = m.retry
		}
		armed = m.Pending() > 0
		if armed {
			timer.Reset(delay)
		} else {
			timer.Stop()
		}
	}
}
