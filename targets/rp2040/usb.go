//go:build rp2040

package main

import "machine"

// usbPort is the USB CDC link as an io.ReadWriter. TinyGo sets up the
// descriptors; machine.Serial is the CDC endpoint on this chip.
type usbPort struct {
	failures uint32
}

func initUSB() *usbPort {
	machine.Serial.Configure(machine.UARTConfig{})
	return &usbPort{}
}

// Read returns what is buffered without waiting.
func (u *usbPort) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && machine.Serial.Buffered() > 0 {
		b, err := machine.Serial.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

// Write sends all of p, counting consecutive failures so the main loop
// can tell a host that went away.
func (u *usbPort) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := machine.Serial.Write(p[written:])
		if err != nil || n == 0 {
			u.failures++
			if err == nil {
				err = errStalled
			}
			return written, err
		}
		written += n
	}
	u.failures = 0
	return written, nil
}
