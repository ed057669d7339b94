package main

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

var rssiRe = regexp.MustCompile(`^RSSI return value: (-?\d+)`)

// hcitool probes the link through the hcitool(1) utility from BlueZ.
type hcitool struct {
	path    string
	timeout time.Duration
	// run executes the command and returns its stdout. Replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func newHcitool(timeout time.Duration) *hcitool {
	return &hcitool{path: "hcitool", timeout: timeout, run: runOutput}
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// IsAlive runs `hcitool lq`, which only succeeds on a live ACL link.
func (h *hcitool) IsAlive(id DeviceIdentity) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	_, err := h.run(ctx, h.path, "lq", id.Address)
	return err == nil
}

// Probe runs `hcitool rssi` and returns the raw, usually negative, reading.
func (h *hcitool) Probe(id DeviceIdentity) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	out, err := h.run(ctx, h.path, "rssi", id.Address)
	if err != nil {
		return 0, &ProbeFailure{Probe: "hcitool rssi", Err: err}
	}
	return parseRSSI(out)
}

func parseRSSI(out []byte) (int, error) {
	m := rssiRe.FindSubmatch(out)
	if m == nil {
		return 0, &ProbeFailure{Probe: "hcitool rssi", Err: fmt.Errorf("unexpected output %q", out)}
	}
	v, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, &ProbeFailure{Probe: "hcitool rssi", Err: err}
	}
	return v, nil
}
