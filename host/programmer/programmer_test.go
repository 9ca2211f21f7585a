package programmer

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"

	"flashkit/bootloader"
	"flashkit/core"
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

type rig struct {
	p    *Programmer
	nor  *sim.NOR
	ctrl *sim.Controller
}

// newRig runs a bootloader for one open sim device at the far end of a
// pipe and returns a programmer with the dictionary loaded.
func newRig(t *testing.T, cfg core.Config) *rig {
	t.Helper()
	nor := sim.NewNOR(testGeometry)
	ctrl := sim.NewController(nor)
	devs := core.NewRegistry(1)
	if err := devs.Register(0, core.DeviceSpec{Controller: ctrl, Config: cfg}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := devs.Open(0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	hostEnd, devEnd := net.Pipe()
	srv := bootloader.NewServer(devs, devEnd)
	go srv.Serve(devEnd)

	p := New(hostEnd)
	p.Timeout = time.Second
	t.Cleanup(func() { p.Close() })
	if err := p.RetrieveDictionary(); err != nil {
		t.Fatalf("RetrieveDictionary failed: %v", err)
	}
	return &rig{p: p, nor: nor, ctrl: ctrl}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestRetrieveDictionary(t *testing.T) {
	r := newRig(t, core.Config{})

	dict := r.p.Dictionary()
	if dict.Version != bootloader.Version {
		t.Errorf("Expected version %s, got %s", bootloader.Version, dict.Version)
	}
	if dict.Config["DEVICES"] != "1" {
		t.Errorf("Expected DEVICES 1, got %q", dict.Config["DEVICES"])
	}
	for _, name := range []string{"flash_write", "flash_submit", "flash_poll", "flash_crc"} {
		if _, ok := r.p.commands[name]; !ok {
			t.Errorf("Expected command %s in dictionary", name)
		}
	}
	if !bytes.HasPrefix(r.p.RawDictionary(), []byte("{")) {
		t.Errorf("Expected JSON dictionary, got %q", r.p.RawDictionary())
	}
}

func TestInfo(t *testing.T) {
	r := newRig(t, core.Config{})

	info, err := r.p.Info(0)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Size != testGeometry.Size || info.SectorSize != 4096 || info.WordSize != 4 {
		t.Errorf("Expected test geometry, got %+v", info.Geometry)
	}
	if info.EraseValue != 0xFF {
		t.Errorf("Expected erase value 0xff, got %#x", info.EraseValue)
	}
}

func TestWriteVerifyRead(t *testing.T) {
	r := newRig(t, core.Config{})
	info, err := r.p.Info(0)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}

	image := pattern(1001)
	if err := r.p.EraseRange(0, info, 0x1000, uint32(len(image))); err != nil {
		t.Fatalf("EraseRange failed: %v", err)
	}
	var last int
	err = r.p.Write(0, info, 0x1000, image, func(done, total int) {
		if total != 1004 {
			t.Errorf("Expected padded total 1004, got %d", total)
		}
		last = done
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if last != 1004 {
		t.Errorf("Expected final progress 1004, got %d", last)
	}
	if err := r.p.Verify(0, info, 0x1000, image); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	got, err := r.p.Read(0, 0x1000, len(image))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Errorf("Expected read back to match image")
	}
	if pad := r.nor.Bytes()[0x1000+1001 : 0x1000+1004]; !bytes.Equal(pad, []byte{0xFF, 0xFF, 0xFF}) {
		t.Errorf("Expected erase value padding, got % x", pad)
	}
}

func TestVerifyMismatch(t *testing.T) {
	r := newRig(t, core.Config{})
	info, _ := r.p.Info(0)

	if err := r.p.Write(0, info, 0, pattern(64), nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	other := pattern(64)
	other[10] ^= 0x01
	if err := r.p.Verify(0, info, 0, other); err == nil {
		t.Errorf("Expected verify error for a changed byte")
	}
}

func TestWriteProtected(t *testing.T) {
	r := newRig(t, core.Config{})
	info, _ := r.p.Info(0)
	r.nor.Protect(0x2000, 0x3000)

	err := r.p.Write(0, info, 0x2000, pattern(32), nil)
	if !errors.Is(err, core.ErrWriteProtected) {
		t.Errorf("Expected ErrWriteProtected, got %v", err)
	}
}

func TestWriteRetriesTimeout(t *testing.T) {
	r := newRig(t, core.Config{Timeout: 20 * time.Millisecond})
	info, _ := r.p.Info(0)

	// The first program hangs until the engine gives up; the resend
	// completes.
	starts := 0
	r.ctrl.Hang = true
	r.ctrl.OnStart = func(cmd core.Command) {
		starts++
		if starts > 1 {
			r.ctrl.Hang = false
		}
	}

	image := pattern(48)
	if err := r.p.Write(0, info, 0, image, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(r.nor.Bytes()[:48], image) {
		t.Errorf("Expected image in the array after retry")
	}
	stats, err := r.p.Stats(0)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Timeouts != 1 {
		t.Errorf("Expected 1 timeout, got %d", stats.Timeouts)
	}
}

func TestStream(t *testing.T) {
	r := newRig(t, core.Config{})
	info, _ := r.p.Info(0)

	image := pattern(700)
	if err := r.p.EraseRange(0, info, 0, uint32(len(image))); err != nil {
		t.Fatalf("EraseRange failed: %v", err)
	}
	if err := r.p.Stream(0, info, 0, image, 3); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if !bytes.Equal(r.nor.Bytes()[:700], image) {
		t.Errorf("Expected streamed image in the array")
	}
}

func TestStreamDeeperThanPool(t *testing.T) {
	r := newRig(t, core.Config{PoolSize: 2})
	info, _ := r.p.Info(0)

	image := pattern(480)
	if err := r.p.Stream(0, info, 0x4000, image, 8); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if err := r.p.Verify(0, info, 0x4000, image); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestCallUnknownCommand(t *testing.T) {
	r := newRig(t, core.Config{})

	_, err := r.p.Call("flash_frobnicate", Args{}, "flash_status")
	if !errors.Is(err, errors.NotSupported) {
		t.Errorf("Expected NotSupported, got %v", err)
	}
}

func TestLoadPlan(t *testing.T) {
	plan, err := LoadPlan([]byte(`
device: 0
verify: true
stream: 2
images:
  - path: boot.bin
    address: 0x0
  - path: app.bin
    address: 0x2000
`))
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if plan.Erase != EraseSectors {
		t.Errorf("Expected default erase %s, got %s", EraseSectors, plan.Erase)
	}
	if len(plan.Images) != 2 || plan.Images[1].Address != 0x2000 {
		t.Errorf("Expected app.bin at 0x2000, got %+v", plan.Images)
	}
}

func TestLoadPlanErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"policy", "erase: wipe\nimages:\n  - path: a.bin\n"},
		{"no images", "erase: none\n"},
		{"unknown field", "images:\n  - path: a.bin\nspeed: 9\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPlan([]byte(tt.yaml)); err == nil {
				t.Errorf("Expected error for %q", tt.yaml)
			}
		})
	}
}

func TestRunPlan(t *testing.T) {
	r := newRig(t, core.Config{})
	files := map[string][]byte{
		"boot.bin": pattern(200),
		"app.bin":  pattern(90),
	}
	load := func(path string) ([]byte, error) {
		data, ok := files[path]
		if !ok {
			return nil, fmt.Errorf("no file %s", path)
		}
		return data, nil
	}

	for _, stream := range []int{0, 2} {
		plan := &Plan{
			Erase:  EraseBank,
			Verify: true,
			Stream: stream,
			Images: []Image{{Path: "boot.bin", Address: 0}, {Path: "app.bin", Address: 0x5000}},
		}
		done := make(map[string]int)
		err := r.p.Run(plan, load, func(img Image, n, total int) { done[img.Path] = n })
		if err != nil {
			t.Fatalf("Run with stream %d failed: %v", stream, err)
		}
		if done["boot.bin"] != 200 || done["app.bin"] != 92 {
			t.Errorf("Expected progress 200 and 92, got %v", done)
		}
		if !bytes.Equal(r.nor.Bytes()[0x5000:0x5000+90], files["app.bin"]) {
			t.Errorf("Expected app.bin at 0x5000")
		}
	}
}

func TestRunPlanBounds(t *testing.T) {
	r := newRig(t, core.Config{})
	plan := &Plan{Erase: EraseNone, Images: []Image{{Path: "big.bin", Address: 0x7F00}}}
	err := r.p.Run(plan, func(string) ([]byte, error) { return pattern(0x200), nil }, nil)
	if !errors.Is(err, errors.NotValid) {
		t.Errorf("Expected NotValid for an image past the end, got %v", err)
	}
}
