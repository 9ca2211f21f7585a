package core_test

import (
	"testing"

	"flashkit/core"
	"flashkit/sim"
)

func TestChecksum8(t *testing.T) {
	if got := core.Checksum8([]byte("123456789")); got != 0xF4 {
		t.Errorf("Expected 0xf4, got %#02x", got)
	}
}

func TestDeviceChecksum(t *testing.T) {
	dev := openDevice(t, sim.NewController(sim.NewNOR(testGeometry)), core.Config{})
	img := pattern(200, 3)
	if err := dev.Write(0x400, img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	crc, err := dev.Checksum(0x400, 200)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if want := core.Checksum8(img); crc != want {
		t.Errorf("Expected %#02x, got %#02x", want, crc)
	}

	if _, err := dev.Checksum(testGeometry.Size-4, 8); err != core.ErrInvalidParameter {
		t.Errorf("Expected ErrInvalidParameter past the end, got %v", err)
	}
}
