package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// outOfRangeLimit is the number of consecutive far samples needed to lock.
const outOfRangeLimit = 4

var errAlreadyStarted = errors.New("monitor already started")

// link is what the monitor needs from the connection manager.
type link interface {
	SampleDistance() Distance
	Disconnect()
	State() ConnectionState
	Channel() Channel
}

type recorder interface {
	Record(ctx context.Context, t Transition) error
}

// monitor turns distance samples into debounced lock/unlock transitions.
// All fields below mu are touched only by the loop goroutine.
type monitor struct {
	id       DeviceIdentity
	link     link
	runner   ActionRunner
	th       Thresholds
	journal  recorder // optional
	interval time.Duration

	state   ProximityState
	counter int

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	status MonitorStatus
}

func newMonitor(id DeviceIdentity, l link, runner ActionRunner, th Thresholds) *monitor {
	m := &monitor{
		id:       id,
		link:     l,
		runner:   runner,
		th:       th,
		interval: th.Interval,
		state:    StateLocked,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.status = MonitorStatus{
		Device:     id.Address,
		Name:       id.Name,
		Connection: l.State(),
		State:      m.state,
		Distance:   UnknownDistance,
	}
	return m
}

func (m *monitor) withJournal(r recorder) *monitor {
	m.journal = r
	return m
}

// Start runs the sampling loop in its own goroutine. It may be called once.
func (m *monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	log.Printf("starting monitor for %s", m.id)
	go m.run(ctx)
	return nil
}

// Stop asks the loop to exit after the current tick and waits for it to
// release the channel. It is safe to call before Start and more than once.
func (m *monitor) Stop() {
	m.stopOnce.Do(func() {
		log.Printf("stopping monitor for %s", m.id)
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.done
		return
	}
	m.link.Disconnect()
}

// Done is closed once the loop has exited.
func (m *monitor) Done() <-chan struct{} { return m.done }

func (m *monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.link.Disconnect()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		m.tick(ctx)
		if !m.sleep(ctx) {
			return
		}
	}
}

// sleep waits for the interval and reports false if stopped meanwhile.
func (m *monitor) sleep(ctx context.Context) bool {
	t := time.NewTimer(m.interval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// tick takes one sample and applies it. It reports the transition, if any.
func (m *monitor) tick(ctx context.Context) (Transition, bool) {
	prev := m.state
	dist := m.link.SampleDistance()
	target := m.evaluate(dist)
	debugf("distance %d, out of range %d, state %s", dist, m.counter, target)

	var (
		tr      Transition
		changed bool
	)
	if target != prev {
		p := m.policy(target)
		log.Printf("%s: %s -> %s at distance %d, running %q", m.id, prev, target, dist, p.Command)
		m.runner.Run(p.Command)
		m.state = target
		tr = Transition{At: time.Now(), Device: m.id.Address, From: prev, To: target, Distance: dist, Command: p.Command}
		changed = true
		if m.journal != nil {
			if err := m.journal.Record(ctx, tr); err != nil {
				log.Printf("journal: %v", err)
			}
		}
	}
	m.publish(dist)
	return tr, changed
}

// evaluate folds one sample into the counter and returns the target state.
// Samples between the two thresholds leave everything unchanged.
func (m *monitor) evaluate(dist Distance) ProximityState {
	lock, unlock := m.th.Lock, m.th.Unlock
	switch {
	case int(dist) >= lock.Distance && lock.Distance <= m.th.MaxAcceptableDistance:
		m.counter = min(m.counter+1, outOfRangeLimit)
		if m.counter >= outOfRangeLimit {
			return StateLocked
		}
	case int(dist) <= unlock.Distance:
		m.counter = 0
		return StateUnlocked
	}
	return m.state
}

func (m *monitor) policy(s ProximityState) Policy {
	if s == StateUnlocked {
		return m.th.Unlock
	}
	return m.th.Lock
}

func (m *monitor) publish(dist Distance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Channel = m.link.Channel()
	m.status.Connection = m.link.State()
	m.status.State = m.state
	m.status.Counter = m.counter
	m.status.Distance = dist
	m.status.LastTick = time.Now()
}

// Status returns a copy of the state as of the last tick.
func (m *monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
