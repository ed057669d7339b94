//go:build linux

package main

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// rfcommTransport dials RFCOMM stream sockets through the kernel Bluetooth
// stack.
type rfcommTransport struct{}

type rfcommConn struct {
	fd int
}

func (c *rfcommConn) Close() error {
	return unix.Close(c.fd)
}

func (rfcommTransport) Dial(addr string, ch Channel) (io.Closer, error) {
	bd, err := parseBDAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: bd, Channel: uint8(ch)}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect: %w", err)
	}
	return &rfcommConn{fd: fd}, nil
}
