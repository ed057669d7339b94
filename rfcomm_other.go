//go:build !linux

package main

import (
	"errors"
	"io"
)

type rfcommTransport struct{}

func (rfcommTransport) Dial(addr string, ch Channel) (io.Closer, error) {
	return nil, errors.New("rfcomm is only supported on linux")
}
