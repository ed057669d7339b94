package main

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeLink replays a fixed list of samples, then reports UnknownDistance.
type fakeLink struct {
	mu          sync.Mutex
	samples     []Distance
	taken       int
	disconnects int
}

func (f *fakeLink) SampleDistance() Distance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taken >= len(f.samples) {
		f.taken++
		return UnknownDistance
	}
	d := f.samples[f.taken]
	f.taken++
	return d
}

func (f *fakeLink) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeLink) State() ConnectionState { return Connected }
func (f *fakeLink) Channel() Channel { return 7 }

type recordingRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingRunner) Run(command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
}

func (r *recordingRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func thresholds(lock, unlock, maxAcceptable int) Thresholds {
	return Thresholds{
		Lock:                  Policy{Distance: lock, Command: "lock-screen"},
		Unlock:                Policy{Distance: unlock, Command: "unlock-screen"},
		Interval:              time.Second,
		MaxAcceptableDistance: maxAcceptable,
	}
}

func newTestMonitor(th Thresholds, samples ...Distance) (*monitor, *fakeLink, *recordingRunner) {
	l := &fakeLink{samples: samples}
	r := &recordingRunner{}
	return newMonitor(testID, l, r, th), l, r
}

func tickN(m *monitor, n int) {
	for i := 0; i < n; i++ {
		m.tick(context.Background())
	}
}

func TestInitialState(t *testing.T) {
	m, _, _ := newTestMonitor(thresholds(20, 5, 30))
	if m.state != StateLocked || m.counter != 0 {
		t.Errorf("initial = {%s, %d}, want {locked, 0}", m.state, m.counter)
	}
}

func TestLockAfterFourFarSamples(t *testing.T) {
	m, _, r := newTestMonitor(thresholds(20, 5, 30), 25, 25, 25, 25)
	m.state = StateUnlocked

	for i := 1; i <= 3; i++ {
		if _, changed := m.tick(context.Background()); changed {
			t.Fatalf("transition after sample %d", i)
		}
		if m.counter != i {
			t.Errorf("counter after sample %d = %d", i, m.counter)
		}
	}
	if len(r.Commands()) != 0 {
		t.Fatalf("ran %v before the fourth sample", r.Commands())
	}

	tr, changed := m.tick(context.Background())
	if !changed || tr.To != StateLocked || tr.From != StateUnlocked || tr.Distance != 25 {
		t.Fatalf("transition = %+v, %v", tr, changed)
	}
	if got := r.Commands(); !reflect.DeepEqual(got, []string{"lock-screen"}) {
		t.Errorf("commands = %v, want [lock-screen]", got)
	}
}

func TestDeadZone(t *testing.T) {
	tests := []struct {
		name    string
		state   ProximityState
		counter int
	}{
		{"locked", StateLocked, 0},
		{"unlocked", StateUnlocked, 0},
		{"keeps debounce progress", StateUnlocked, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, r := newTestMonitor(thresholds(20, 5, 30), 12)
			m.state, m.counter = tt.state, tt.counter
			m.tick(context.Background())
			if m.state != tt.state || m.counter != tt.counter {
				t.Errorf("after dead zone sample = {%s, %d}, want {%s, %d}", m.state, m.counter, tt.state, tt.counter)
			}
			if len(r.Commands()) != 0 {
				t.Errorf("commands = %v, want none", r.Commands())
			}
		})
	}
}

func TestImmediateUnlock(t *testing.T) {
	m, _, r := newTestMonitor(thresholds(20, 5, 30), 3)
	m.counter = 3

	tr, changed := m.tick(context.Background())
	if !changed || tr.To != StateUnlocked {
		t.Fatalf("transition = %+v, %v", tr, changed)
	}
	if got := r.Commands(); !reflect.DeepEqual(got, []string{"unlock-screen"}) {
		t.Errorf("commands = %v, want [unlock-screen]", got)
	}
	if m.counter != 0 {
		t.Errorf("counter = %d, want 0", m.counter)
	}
}

func TestUnlockOnlyOncePerTransition(t *testing.T) {
	m, _, r := newTestMonitor(thresholds(20, 5, 30), 3, 2, 4, 1)
	tickN(m, 4)
	if got := r.Commands(); !reflect.DeepEqual(got, []string{"unlock-screen"}) {
		t.Errorf("commands = %v, want one unlock", got)
	}
}

func TestCeilingGuard(t *testing.T) {
	samples := make([]Distance, 20)
	for i := range samples {
		samples[i] = 60
	}
	m, _, r := newTestMonitor(thresholds(50, 5, 30), samples...)
	m.state = StateUnlocked

	tickN(m, len(samples))
	if m.state != StateUnlocked || m.counter != 0 {
		t.Errorf("state = {%s, %d}, want {unlocked, 0}", m.state, m.counter)
	}
	if len(r.Commands()) != 0 {
		t.Errorf("commands = %v, want none", r.Commands())
	}
}

func TestNearSampleResetsDebounce(t *testing.T) {
	m, _, r := newTestMonitor(thresholds(20, 5, 30), 25, 25, 25, 4, 25, 25, 25)
	m.state = StateUnlocked
	tickN(m, 7)
	if m.state != StateUnlocked || m.counter != 3 {
		t.Errorf("state = {%s, %d}, want {unlocked, 3}", m.state, m.counter)
	}
	if len(r.Commands()) != 0 {
		t.Errorf("commands = %v, want none", r.Commands())
	}
}

func TestCounterInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	th := thresholds(20, 5, 30)

	for run := 0; run < 200; run++ {
		samples := make([]Distance, 50)
		for i := range samples {
			samples[i] = Distance(rng.Intn(40))
		}
		m, _, r := newTestMonitor(th, samples...)
		if rng.Intn(2) == 0 {
			m.state = StateUnlocked
		}
		runs := 0
		for i := range samples {
			before := m.state
			m.tick(context.Background())
			if m.counter > outOfRangeLimit {
				t.Fatalf("run %d sample %d: counter %d exceeds %d", run, i, m.counter, outOfRangeLimit)
			}
			if m.state != before {
				runs++
				if m.state == StateLocked && m.counter != outOfRangeLimit {
					t.Fatalf("run %d sample %d: locked with counter %d", run, i, m.counter)
				}
				if m.state == StateUnlocked && m.counter != 0 {
					t.Fatalf("run %d sample %d: unlocked with counter %d", run, i, m.counter)
				}
			}
		}
		if len(r.Commands()) != runs {
			t.Fatalf("run %d: %d commands for %d transitions", run, len(r.Commands()), runs)
		}
	}
}

func TestUnknownDistanceLocks(t *testing.T) {
	d, _, _, dp := newTestDevice(t, 3)
	dp.err = errors.New("hcitool failed")
	r := &recordingRunner{}
	cfg := defaultConfig()
	cfg.Device.Address = testID.Address
	m := newMonitor(testID, d, r, cfg.Thresholds())
	m.state = StateUnlocked

	tickN(m, 20)
	if m.state != StateLocked {
		t.Fatalf("state = %s, want locked", m.state)
	}
	if got := r.Commands(); len(got) != 1 {
		t.Errorf("commands = %v, want exactly one lock", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	m, _, _ := newTestMonitor(thresholds(20, 5, 30), 3)
	if st := m.Status(); st.Distance != UnknownDistance || st.State != StateLocked {
		t.Errorf("initial status = %+v", st)
	}
	m.tick(context.Background())
	st := m.Status()
	if st.State != StateUnlocked || st.Distance != 3 || st.Channel != 7 || st.Connection != Connected {
		t.Errorf("status = %+v", st)
	}
	if st.LastTick.IsZero() {
		t.Error("LastTick not set")
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartStop(t *testing.T) {
	m, l, r := newTestMonitor(thresholds(20, 5, 30), 3, 3, 3)
	m.interval = time.Millisecond

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, errAlreadyStarted) {
		t.Errorf("second Start = %v, want errAlreadyStarted", err)
	}
	waitFor(t, func() bool { return len(r.Commands()) > 0 })

	m.Stop()
	m.Stop()
	select {
	case <-m.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
	if l.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", l.disconnects)
	}
}

func TestStopInterruptsSleep(t *testing.T) {
	m, _, _ := newTestMonitor(thresholds(20, 5, 30), 12)
	m.interval = time.Hour

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !m.Status().LastTick.IsZero() })

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on the interval sleep")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	m, l, _ := newTestMonitor(thresholds(20, 5, 30))
	m.interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop ignored cancellation")
	}
	if l.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", l.disconnects)
	}
}

func TestStopBeforeStart(t *testing.T) {
	d, tr, _, _ := newTestDevice(t, 3, 3)
	m := newMonitor(testID, d, &recordingRunner{}, thresholds(20, 5, 30))

	m.Stop()
	m.Stop()
	if tr.closes != 0 {
		t.Errorf("closes = %d, want 0", tr.closes)
	}

	// A stopped monitor that is started exits without ticking.
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-m.Done()
	if len(tr.dials) != 0 {
		t.Errorf("dialed %v after stop", tr.dials)
	}
}
