package bootloader

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"flashkit/core"
	"flashkit/protocol"
	"flashkit/sim"
)

var testGeometry = core.Geometry{
	Size:        0x8000,
	WordSize:    4,
	PageSize:    256,
	SectorSize:  4096,
	EraseValue:  0xFF,
	PageProgram: true,
}

type harness struct {
	t    *testing.T
	srv  *Server
	host *protocol.HostTransport
	nor  *sim.NOR
	devs *core.Registry
}

// newHarness connects a host transport to a server over a pipe. Device 0
// is open, device 1 is registered but closed.
func newHarness(t *testing.T) *harness {
	t.Helper()
	nor := sim.NewNOR(testGeometry)
	devs := core.NewRegistry(2)
	if err := devs.Register(0, core.DeviceSpec{Controller: sim.NewController(nor)}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := devs.Register(1, core.DeviceSpec{Controller: sim.NewController(sim.NewNOR(testGeometry))}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := devs.Open(0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	hostEnd, devEnd := net.Pipe()
	srv := NewServer(devs, devEnd)
	go srv.Serve(devEnd)
	h := &harness{t: t, srv: srv, host: protocol.NewHostTransport(hostEnd), nor: nor, devs: devs}
	t.Cleanup(func() { h.host.Close() })
	return h
}

// call sends a command by name and decodes the response it expects.
func (h *harness) call(name string, ints map[string]uint32, data map[string][]byte, resp string) protocol.Values {
	h.t.Helper()
	cmd, ok := h.srv.Registry().Lookup(name)
	if !ok {
		h.t.Fatalf("Unknown command %s", name)
	}
	err := h.host.SendCommand(cmd.ID, func(output protocol.OutputBuffer) {
		protocol.EncodeArgs(output, cmd.Args, ints, data)
	})
	if err != nil {
		h.t.Fatalf("%s: SendCommand failed: %v", name, err)
	}
	msg, err := h.host.ReceiveResponse(time.Second)
	if err != nil {
		h.t.Fatalf("%s: no response: %v", name, err)
	}
	body := msg.Payload
	id, _ := protocol.DecodeVLQUint(&body)
	want, _ := h.srv.Registry().Lookup(resp)
	if uint16(id) != want.ID {
		h.t.Fatalf("%s: expected response %s (%d), got id %d", name, resp, want.ID, id)
	}
	v, err := protocol.DecodeArgs(&body, want.Args)
	if err != nil {
		h.t.Fatalf("%s: decoding %s failed: %v", name, resp, err)
	}
	return v
}

func (h *harness) status(name string, ints map[string]uint32, data map[string][]byte) (core.ErrorKind, uint32) {
	h.t.Helper()
	v := h.call(name, ints, data, "flash_status")
	return core.ErrorKind(v.Uint("status")), v.Uint("remaining")
}

func TestIdentifyServesDictionary(t *testing.T) {
	h := newHarness(t)

	var z []byte
	for {
		v := h.call("identify", map[string]uint32{"offset": uint32(len(z)), "count": 40}, nil, "identify_response")
		if v.Uint("offset") != uint32(len(z)) {
			t.Fatalf("Expected offset %d, got %d", len(z), v.Uint("offset"))
		}
		chunk := v.Data("data")
		if len(chunk) == 0 {
			break
		}
		z = append(z, chunk...)
	}

	r, err := zlib.NewReader(bytes.NewReader(z))
	if err != nil {
		t.Fatalf("zlib.NewReader failed: %v", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate failed: %v", err)
	}
	var dict struct {
		Version   string            `json:"version"`
		Config    map[string]string `json:"config"`
		Commands  map[string]int    `json:"commands"`
		Responses map[string]int    `json:"responses"`
	}
	if err := json.Unmarshal(raw, &dict); err != nil {
		t.Fatalf("Dictionary is not JSON: %v", err)
	}
	if dict.Version != Version {
		t.Errorf("Expected version %s, got %s", Version, dict.Version)
	}
	if dict.Config["DEVICES"] != "2" {
		t.Errorf("Expected DEVICES=2, got %q", dict.Config["DEVICES"])
	}
	write, _ := h.srv.Registry().Lookup("flash_write")
	if id, ok := dict.Commands[write.Spec()]; !ok || id != int(write.ID) {
		t.Errorf("Expected %q as %d, got %d (present %v)", write.Spec(), write.ID, id, ok)
	}
	if _, ok := dict.Responses["flash_status dev=%c status=%c remaining=%u"]; !ok {
		t.Error("Expected flash_status among the responses")
	}
}

func TestFlashEraseWriteRead(t *testing.T) {
	h := newHarness(t)

	if kind, _ := h.status("flash_erase", map[string]uint32{"dev": 0, "start": 1, "end": 1}, nil); kind != core.NoError {
		t.Fatalf("Expected erase ok, got %v", kind)
	}
	img := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	kind, remaining := h.status("flash_write", map[string]uint32{"dev": 0, "addr": 0x1000}, map[string][]byte{"data": img})
	if kind != core.NoError || remaining != 0 {
		t.Fatalf("Expected write ok, got %v with %d remaining", kind, remaining)
	}

	v := h.call("flash_read", map[string]uint32{"dev": 0, "addr": 0x1000, "count": 16}, nil, "flash_data")
	want := append(append([]byte(nil), img...), 0xFF, 0xFF, 0xFF, 0xFF)
	if !bytes.Equal(v.Data("data"), want) {
		t.Errorf("Expected % x, got % x", want, v.Data("data"))
	}

	v = h.call("flash_crc", map[string]uint32{"dev": 0, "addr": 0x1000, "count": 12}, nil, "flash_crc_response")
	if uint8(v.Uint("crc")) != core.Checksum8(img) {
		t.Errorf("Expected crc %#02x, got %#02x", core.Checksum8(img), v.Uint("crc"))
	}

	v = h.call("flash_stats", map[string]uint32{"dev": 0}, nil, "flash_stats_response")
	if v.Uint("written") != 12 || v.Uint("erased") != 1 {
		t.Errorf("Expected 12 written and 1 erased, got %d and %d", v.Uint("written"), v.Uint("erased"))
	}
}

func TestFlashWriteFailureReportsRemaining(t *testing.T) {
	h := newHarness(t)
	h.nor.Protect(0, 0x1000)

	kind, remaining := h.status("flash_write", map[string]uint32{"dev": 0, "addr": 0x800}, map[string][]byte{"data": make([]byte, 8)})
	if kind != core.ErrWriteProtected {
		t.Errorf("Expected ErrWriteProtected, got %v", kind)
	}
	if remaining != 8 {
		t.Errorf("Expected 8 bytes remaining, got %d", remaining)
	}

	kind, _ = h.status("flash_write", map[string]uint32{"dev": 0, "addr": 0x1002}, map[string][]byte{"data": make([]byte, 4)})
	if kind != core.ErrInvalidParameter {
		t.Errorf("Expected ErrInvalidParameter for a misaligned write, got %v", kind)
	}
}

func TestFlashSubmitAndPoll(t *testing.T) {
	h := newHarness(t)

	for i, tag := range []uint32{7, 8} {
		v := h.call("flash_submit", map[string]uint32{"dev": 0, "tag": tag, "addr": uint32(0x2000 + 0x100*i)},
			map[string][]byte{"data": {0xA0, 0xA1, 0xA2, 0xA3}}, "flash_submit_response")
		if core.ErrorKind(v.Uint("status")) != core.NoError {
			t.Fatalf("Expected submit ok, got %v", core.ErrorKind(v.Uint("status")))
		}
	}

	var tags []uint32
	for len(tags) < 2 {
		v := h.call("flash_poll", map[string]uint32{"dev": 0}, nil, "flash_poll_response")
		if v.Uint("ready") == 0 {
			t.Fatalf("Expected a completed buffer, got none after %v", tags)
		}
		if core.ErrorKind(v.Uint("status")) != core.NoError {
			t.Errorf("Expected buffer ok, got %v", core.ErrorKind(v.Uint("status")))
		}
		tags = append(tags, v.Uint("tag"))
	}
	if tags[0] != 7 || tags[1] != 8 {
		t.Errorf("Expected tags [7 8], got %v", tags)
	}

	v := h.call("flash_poll", map[string]uint32{"dev": 0}, nil, "flash_poll_response")
	if v.Uint("ready") != 0 {
		t.Error("Expected nothing left to poll")
	}
	if err := h.devs.Close(mustLookup(t, h.devs, 0)); err != nil {
		t.Errorf("Expected an idle device to close, got %v", err)
	}
}

func TestFlashDeviceLifecycle(t *testing.T) {
	h := newHarness(t)

	v := h.call("flash_info", map[string]uint32{"dev": 1}, nil, "flash_info_response")
	if core.ErrorKind(v.Uint("status")) != core.ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized for a closed device, got %v", core.ErrorKind(v.Uint("status")))
	}

	if kind, _ := h.status("flash_open", map[string]uint32{"dev": 1}, nil); kind != core.NoError {
		t.Fatalf("Expected open ok, got %v", kind)
	}
	v = h.call("flash_info", map[string]uint32{"dev": 1}, nil, "flash_info_response")
	if v.Uint("size") != testGeometry.Size || v.Uint("sector") != testGeometry.SectorSize || v.Uint("erase") != 0xFF {
		t.Errorf("Expected the test geometry, got %v", v.Ints)
	}
	if core.Mode(v.Uint("mode")) != core.ModeExecute {
		t.Errorf("Expected execute mode after open, got %d", v.Uint("mode"))
	}

	if kind, _ := h.status("flash_close", map[string]uint32{"dev": 1}, nil); kind != core.NoError {
		t.Errorf("Expected close ok, got %v", kind)
	}
	if kind, _ := h.status("flash_close", map[string]uint32{"dev": 1}, nil); kind != core.ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized closing twice, got %v", kind)
	}
	if kind, _ := h.status("flash_erase", map[string]uint32{"dev": 5, "start": 0, "end": 0}, nil); kind != core.ErrInvalidHandle {
		t.Errorf("Expected ErrInvalidHandle for a missing slot, got %v", kind)
	}
}

func mustLookup(t *testing.T, devs *core.Registry, id int) *core.Device {
	t.Helper()
	dev, err := devs.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	return dev
}

func TestServerResetAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.call("flash_info", map[string]uint32{"dev": 0}, nil, "flash_info_response")
	h.call("flash_info", map[string]uint32{"dev": 0}, nil, "flash_info_response")

	h.srv.Reset()
	h.host.Reset()
	v := h.call("flash_info", map[string]uint32{"dev": 0}, nil, "flash_info_response")
	if core.ErrorKind(v.Uint("status")) != core.NoError {
		t.Errorf("Expected status ok after reset, got %v", core.ErrorKind(v.Uint("status")))
	}
	if seq := h.host.Sequence(); seq != 0x11 {
		t.Errorf("Expected sequence 0x11 after one command, got %#02x", seq)
	}
}
