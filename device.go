package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// Channel is the RFCOMM channel the device accepts connections on.
type Channel int

const (
	minChannel Channel = 1
	maxChannel Channel = 29
)

// Distance is the magnitude of a signal strength reading. Larger is further.
type Distance int

// UnknownDistance stands in for any reading that could not be taken. It is
// far enough to always read as "out of range".
const UnknownDistance Distance = 255

// DeviceIdentity names the monitored device. It never changes after startup.
type DeviceIdentity struct {
	Address string
	Name    string
}

func (id DeviceIdentity) String() string {
	if id.Name == "" {
		return id.Address
	}
	return fmt.Sprintf("%s (%s)", id.Name, id.Address)
}

// Transport opens stream connections to a device channel.
type Transport interface {
	Dial(addr string, ch Channel) (io.Closer, error)
}

// DistanceProbe returns a raw signed signal reading for the device.
type DistanceProbe interface {
	Probe(id DeviceIdentity) (int, error)
}

// LivenessProbe reports whether the link to the device is currently up.
// Implementations must return false on any failure.
type LivenessProbe interface {
	IsAlive(id DeviceIdentity) bool
}

// ErrDiscoveryExhausted is returned by acquireChannel when every discovery
// round failed.
var ErrDiscoveryExhausted = errors.New("channel discovery exhausted")

// NoUsableChannelError means no channel in the search range accepted a
// connection.
type NoUsableChannelError struct {
	Address string
	Tried   int
}

func (e *NoUsableChannelError) Error() string {
	return fmt.Sprintf("%s: no usable channel after %d attempts", e.Address, e.Tried)
}

// ConnectionError wraps a transport failure on a known channel.
type ConnectionError struct {
	Address string
	Channel Channel
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s channel %d: %v", e.Address, e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProbeFailure wraps an error raised by a liveness or distance probe.
type ProbeFailure struct {
	Probe string
	Err   error
}

func (e *ProbeFailure) Error() string {
	return fmt.Sprintf("%s probe: %v", e.Probe, e.Err)
}

func (e *ProbeFailure) Unwrap() error { return e.Err }

// device manages the channel to one remote device. It is owned by a single
// goroutine and is not safe for concurrent use.
type device struct {
	id        DeviceIdentity
	transport Transport
	distance  DistanceProbe
	liveness  LivenessProbe

	channel Channel
	conn    io.Closer
	state   ConnectionState

	// discovery retry policy
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newDevice(id DeviceIdentity, ch Channel, t Transport, dp DistanceProbe, lp LivenessProbe) *device {
	return &device{
		id:             id,
		transport:      t,
		distance:       dp,
		liveness:       lp,
		channel:        ch,
		state:          Disconnected,
		attempts:       defaultDiscoveryTries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
}

func (d *device) withRetry(c DiscoveryConfig) *device {
	d.attempts = c.Attempts
	d.initialBackoff = c.InitialBackoff
	d.maxBackoff = c.MaxBackoff
	return d
}

func (d *device) State() ConnectionState { return d.state }
func (d *device) Channel() Channel { return d.channel }

// discoverChannel tries every channel in ascending order and keeps the first
// one that accepts a connection open.
func (d *device) discoverChannel() (Channel, error) {
	tried := 0
	for ch := minChannel; ch <= maxChannel; ch++ {
		tried++
		if err := d.connect(ch); err != nil {
			debugf("no connection on channel %d: %v", ch, err)
			continue
		}
		debugf("connected on channel %d", ch)
		return ch, nil
	}
	return 0, &NoUsableChannelError{Address: d.id.Address, Tried: tried}
}

// acquireChannel returns the known channel, discovering it first if needed.
// Discovery is retried with exponential backoff for d.attempts rounds, at
// least one.
func (d *device) acquireChannel(ctx context.Context) (Channel, error) {
	if d.channel != 0 {
		return d.channel, nil
	}
	attempts := max(d.attempts, 1)
	backoff := d.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ch, err := d.discoverChannel()
		if err == nil {
			d.channel = ch
			return ch, nil
		}
		lastErr = err
		log.Printf("channel discovery %d/%d failed: %v", attempt, attempts, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.maxBackoff)
	}
	return 0, fmt.Errorf("%w: %w", ErrDiscoveryExhausted, lastErr)
}

// Connect opens the known channel. It does nothing when already connected.
func (d *device) Connect() error {
	if d.state != Connected && d.channel == 0 {
		return &ConnectionError{Address: d.id.Address, Err: errors.New("channel not discovered")}
	}
	return d.connect(d.channel)
}

func (d *device) connect(ch Channel) error {
	if d.state == Connected {
		return nil
	}
	debugf("connecting %s on channel %d", d.id, ch)
	conn, err := d.transport.Dial(d.id.Address, ch)
	if err != nil {
		return &ConnectionError{Address: d.id.Address, Channel: ch, Err: err}
	}
	d.conn = conn
	d.state = Connected
	return nil
}

// Disconnect closes the channel. It does nothing when already disconnected.
func (d *device) Disconnect() {
	if d.state == Disconnected {
		return
	}
	debugf("disconnecting %s", d.id)
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("close %s: %v", d.id, err)
		}
		d.conn = nil
	}
	d.state = Disconnected
}

// IsConnected asks the liveness probe; the cached state is not trusted. A
// dead link held as connected is dropped.
func (d *device) IsConnected() bool {
	alive := d.isAlive()
	if !alive && d.state == Connected {
		debugf("%s link is down, dropping channel", d.id)
		d.Disconnect()
	}
	return alive
}

func (d *device) isAlive() (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			debugf("liveness probe panicked: %v", r)
			alive = false
		}
	}()
	return d.liveness.IsAlive(d.id)
}

// SampleDistance reconnects if needed and takes one distance reading.
// Every failure reads as UnknownDistance.
func (d *device) SampleDistance() Distance {
	if !d.IsConnected() {
		debugf("%s disconnected, reconnecting", d.id)
		if err := d.Connect(); err != nil {
			debugf("reconnect: %v", err)
		}
	}
	dist, err := d.measure()
	if err != nil {
		// Unknown reads as far: uncertainty favours locking.
		debugf("distance unavailable: %v", err)
		return UnknownDistance
	}
	return dist
}

func (d *device) measure() (dist Distance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProbeFailure{Probe: "distance", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	raw, err := d.distance.Probe(d.id)
	if err != nil {
		var pf *ProbeFailure
		if !errors.As(err, &pf) {
			err = &ProbeFailure{Probe: "distance", Err: err}
		}
		return 0, err
	}
	if raw < 0 {
		raw = -raw
	}
	return Distance(raw), nil
}
