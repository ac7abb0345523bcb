//go:build !linux || (!arm && !arm64)

package statusled

import "fmt"

// Stub for non-Linux and/or non-ARM platforms.
func openLED(pin int) (driver, error) {
	return nil, fmt.Errorf("statusled: gpio unsupported on this platform")
}

var openLEDFn = openLED
