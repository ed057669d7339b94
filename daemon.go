package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

const defaultHistoryLimit = 20

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "blueproximity.sock")
}

type daemon struct {
	mon     *monitor
	journal *journal // nil when disabled
}

func (d *daemon) handleRequest(ctx context.Context, req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		st := d.mon.Status()
		return IPCResponse{Status: &st}

	case "history":
		if d.journal == nil {
			return IPCResponse{Error: "journal is disabled"}
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		ts, err := d.journal.Recent(ctx, limit)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		return IPCResponse{History: ts}

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	resp := d.handleRequest(ctx, req)
	json.NewEncoder(conn).Encode(resp)
}

// probes picks the liveness probe named in the config. Distance always
// comes from hcitool. bz may be nil if the system bus is unavailable.
func probes(cfg *Config, bz *bluez) (LivenessProbe, DistanceProbe, error) {
	hci := newHcitool(cfg.Probes.Timeout)
	if cfg.Probes.Liveness == probeKindHcitool {
		return hci, hci, nil
	}
	if bz == nil {
		return nil, nil, fmt.Errorf("%s liveness probe needs the system bus", cfg.Probes.Liveness)
	}
	return bz, hci, nil
}

// newDaemon wires the monitor and the optional journal around dev. The
// device is disconnected if setup fails.
func newDaemon(cfg *Config, id DeviceIdentity, dev *device, runner ActionRunner) (*daemon, error) {
	d := &daemon{mon: newMonitor(id, dev, runner, cfg.Thresholds())}
	if cfg.Journal.Path == journalDisabled {
		return d, nil
	}
	j, err := openJournal(cfg.Journal.Path)
	if err != nil {
		dev.Disconnect()
		return nil, err
	}
	d.journal = j
	d.mon.withJournal(j)
	return d, nil
}

func runDaemon(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	debug = debug || cfg.Debug

	bz, err := newBluez()
	if err != nil {
		log.Printf("bluez unavailable: %v", err)
		bz = nil
	} else {
		defer bz.close()
	}
	lp, dp, err := probes(cfg, bz)
	if err != nil {
		return err
	}

	id := cfg.Identity()
	if id.Name == "" && bz != nil {
		id.Name = bz.lookupName(id.Address)
	}

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := newDevice(id, cfg.Device.Channel, rfcommTransport{}, dp, lp).withRetry(cfg.Discovery)
	ch, err := dev.acquireChannel(ctx)
	if err != nil {
		return fmt.Errorf("acquire channel for %s: %w", id, err)
	}
	log.Printf("using %s on channel %d", id, ch)

	defer dev.Disconnect()

	d, err := newDaemon(cfg, id, dev, execRunner{})
	if err != nil {
		return err
	}
	if d.journal != nil {
		defer d.journal.Close()
	}
	mon := d.mon

	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	if err := mon.Start(ctx); err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			log.Println("shutting down")
		case <-mon.Done():
		}
		mon.Stop()
		ln.Close()
	}()

	log.Printf("listening on %s", sock)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			<-mon.Done()
			return nil
		}
		go d.handleConn(ctx, conn)
	}
}
