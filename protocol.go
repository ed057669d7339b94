package main

import "time"

// ProximityState is the debounced presence decision for the monitored device.
type ProximityState string

const (
	StateLocked   ProximityState = "locked"
	StateUnlocked ProximityState = "unlocked"
)

// ConnectionState is the lifecycle state of the channel to the device.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connected    ConnectionState = "connected"
)

// Transition is one committed lock/unlock decision.
type Transition struct {
	At       time.Time      `json:"at"`
	Device   string         `json:"device"`
	From     ProximityState `json:"from"`
	To       ProximityState `json:"to"`
	Distance Distance       `json:"distance"`
	Command  string         `json:"command"`
}

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"`         // "status" | "history"
	Limit   int    `json:"limit,omitempty"` // history only
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Status  *MonitorStatus `json:"status,omitempty"`
	History []Transition   `json:"history,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// MonitorStatus is a point-in-time copy of the monitor state.
type MonitorStatus struct {
	Device     string          `json:"device"`
	Name       string          `json:"name,omitempty"`
	Channel    Channel         `json:"channel,omitempty"`
	Connection ConnectionState `json:"connection"`
	State      ProximityState  `json:"state"`
	Counter    int             `json:"out_of_range"`
	Distance   Distance        `json:"distance"`
	LastTick   time.Time       `json:"last_tick,omitzero"`
}
