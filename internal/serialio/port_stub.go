//go:build !linux

package serialio

import (
	"fmt"
	"io"
	"time"
)

var openPortFn = openPort

func openPort(path string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("serial port not supported on this platform")
}
