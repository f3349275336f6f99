//go:build !linux || (!arm && !arm64)

package alarm

import "fmt"

func openGPIO(pin int) (gpioLine, error) {
	return nil, fmt.Errorf("alarm: gpio unsupported on this platform")
}

var openGPIOFn = openGPIO
