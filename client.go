package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `blueproximity daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func runStatus() error {
	resp, err := ipcCall(IPCRequest{Command: "status"})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(resp.Status)
}

func runHistory(limit int) error {
	resp, err := ipcCall(IPCRequest{Command: "history", Limit: limit})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, t := range resp.History {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}

// runDevices lists devices known to BlueZ. It talks to the bus directly and
// does not need the daemon.
func runDevices() error {
	bz, err := newBluez()
	if err != nil {
		return err
	}
	defer bz.close()

	devices, err := bz.listDevices()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, d := range devices {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return nil
}
