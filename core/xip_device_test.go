package core_test

import (
	"math/rand"
	"strings"
	"testing"

	"flashkit/core"
	"flashkit/sim"
)

const xipBase = 0x18000000

func openXIPDevice(t *testing.T, cfg core.Config) (*core.Device, *sim.XIPController, *sim.MMU, *[]string) {
	t.Helper()
	nor := sim.NewNOR(testGeometry)
	ctrl := sim.NewXIPController(nor)
	mmu := sim.NewMMU(1 << 20)

	log := new([]string)
	mmu.OnCall = func(op string) { *log = append(*log, op) }
	ctrl.OnMode = func(mapped bool) {
		if mapped {
			*log = append(*log, "mem")
		} else {
			*log = append(*log, "cmd")
		}
	}
	ctrl.OnStart = func(cmd core.Command) {
		if mmu.Executable(xipBase) {
			t.Errorf("Command %s issued while the window is executable", cmd.Kind)
		}
		*log = append(*log, "issue")
	}

	reg := core.NewRegistry(1)
	err := reg.Register(0, core.DeviceSpec{
		Controller: ctrl,
		MMU:        mmu,
		Window:     core.Window{Start: xipBase, Size: testGeometry.Size},
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	dev, err := reg.Open(0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return dev, ctrl, mmu, log
}

// checkSessions verifies every run of commands is bracketed by exactly
// one switch into command mode and one switch back.
func checkSessions(t *testing.T, log []string) int {
	t.Helper()
	sessions := 0
	inSession := false
	issued := 0
	for i, op := range log {
		switch op {
		case "cmd":
			if inSession {
				t.Fatalf("Op %d: second enter inside a session: %s", i, strings.Join(log, ","))
			}
			inSession = true
			issued = 0
		case "mem":
			if !inSession {
				t.Fatalf("Op %d: leave without enter: %s", i, strings.Join(log, ","))
			}
			if issued == 0 {
				t.Errorf("Op %d: empty session", i)
			}
			inSession = false
			sessions++
		case "issue":
			if !inSession {
				t.Fatalf("Op %d: command issued outside a session: %s", i, strings.Join(log, ","))
			}
			issued++
		}
	}
	if inSession {
		t.Errorf("Log ends inside a session: %s", strings.Join(log, ","))
	}
	return sessions
}

func TestExecuteModeBracketing(t *testing.T) {
	dev, ctrl, mmu, log := openXIPDevice(t, core.Config{})

	if err := dev.Write(0, pattern(1024, 1)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := dev.EraseSectors(2, 3); err != nil {
		t.Fatalf("EraseSectors failed: %v", err)
	}
	dev.SubmitAsync(0x4000, pattern(512, 2), 512)
	dev.SubmitAsync(0x5000, pattern(512, 3), 512)
	for i := 0; i < 2; i++ {
		if _, err := dev.RetrieveCompletedBlocking(); err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
	}

	if n := checkSessions(t, *log); n != 3 {
		t.Errorf("Expected 3 programming sessions, got %d", n)
	}
	if !ctrl.MemoryMapped() {
		t.Error("Expected controller back in memory-mapped mode")
	}
	if !mmu.Executable(xipBase) {
		t.Error("Expected execute permission restored")
	}
	if ctrl.CacheFlushes() != 3 {
		t.Errorf("Expected one read cache flush per session, got %d", ctrl.CacheFlushes())
	}
	if mmu.TLBFlushes() != 6 {
		t.Errorf("Expected two TLB flushes per session, got %d", mmu.TLBFlushes())
	}

	first := strings.Join((*log)[:4], ",")
	if first != "revoke,invalidate,tlb,cmd" {
		t.Errorf("Expected revoke then flush then command mode, got %s", first)
	}
}

func TestExecuteModeBracketingInterrupts(t *testing.T) {
	dev, _, _, log := openXIPDevice(t, core.Config{Interrupts: true, Completion: core.CompletionBlocking})

	for i := 0; i < 3; i++ {
		if err := dev.Write(uint32(i)*0x1000, pattern(768, byte(i))); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	if err := dev.EraseBank(core.BankOnly); err != nil {
		t.Fatalf("EraseBank failed: %v", err)
	}

	if n := checkSessions(t, *log); n != 4 {
		t.Errorf("Expected 4 programming sessions, got %d", n)
	}
	if dev.Mode() != core.ModeExecute {
		t.Errorf("Expected execute mode, got %s", dev.Mode())
	}
}

func TestExecuteModeRefused(t *testing.T) {
	dev, ctrl, mmu, _ := openXIPDevice(t, core.Config{})
	ctrl.RefuseCommandMode = true

	if err := dev.Write(0, pattern(8, 0)); err != core.ErrDeviceBusy {
		t.Errorf("Expected ErrDeviceBusy, got %v", err)
	}
	if err := dev.EraseSector(0); err != core.ErrDeviceBusy {
		t.Errorf("Expected erase refused with ErrDeviceBusy, got %v", err)
	}
	if !mmu.Executable(xipBase) {
		t.Error("Expected permissions restored after a refused switch")
	}
	if n := len(ctrl.Commands()); n != 0 {
		t.Errorf("Expected no commands, got %d", n)
	}
	if dev.Mode() != core.ModeExecute {
		t.Errorf("Expected execute mode, got %s", dev.Mode())
	}
}

func TestExecuteModeRestoreFailure(t *testing.T) {
	dev, ctrl, mmu, _ := openXIPDevice(t, core.Config{})
	ctrl.RefuseMemoryMode = true

	if err := dev.Write(0, pattern(8, 1)); err != core.ErrDeviceBusy {
		t.Errorf("Expected ErrDeviceBusy from the switch back, got %v", err)
	}
	if dev.Mode() != core.ModeProgramming {
		t.Errorf("Expected programming mode, got %s", dev.Mode())
	}
	if mmu.Executable(xipBase) {
		t.Error("Expected the window to stay revoked")
	}

	if _, err := dev.SubmitAsync(0x100, pattern(8, 2), 8); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := dev.RetrieveCompletedBlocking(); err != core.ErrDeviceBusy {
		t.Errorf("Expected ErrDeviceBusy on retrieve, got %v", err)
	}

	ctrl.RefuseMemoryMode = false
	if err := dev.Write(0x200, pattern(8, 3)); err != nil {
		t.Fatalf("Write after recovery failed: %v", err)
	}
	if dev.Mode() != core.ModeExecute {
		t.Errorf("Expected execute mode, got %s", dev.Mode())
	}
	if !mmu.Executable(xipBase) {
		t.Error("Expected execute permission restored")
	}
	if err := dev.Verify(0, pattern(8, 1)); err != nil {
		t.Errorf("Expected the first write to have landed, got %v", err)
	}
}

// runRandomOps drives a device with a seeded mix of async and blocking
// operations, checking that completions come back in submission order.
func runRandomOps(t *testing.T, cfg core.Config, seed int64, steps int) {
	dev, ctrl, mmu, log := openXIPDevice(t, cfg)
	rng := rand.New(rand.NewSource(seed))
	geo := testGeometry

	var queue []core.BufferHandle
	var cursor uint32
	// next returns a fresh word-aligned region, erasing the array once it
	// runs out so no cell is programmed twice.
	next := func(n uint32) uint32 {
		if cursor+n > geo.Size {
			drain(t, dev, &queue)
			if err := dev.EraseSectors(0, geo.Sectors()-1); err != nil {
				t.Fatalf("Erase on wrap failed: %v", err)
			}
			cursor = 0
		}
		addr := cursor
		cursor += n
		return addr
	}
	size := func() uint32 {
		return uint32(1+rng.Intn(160)) * geo.WordSize
	}

	for i := 0; i < steps; i++ {
		switch op := rng.Intn(5); op {
		case 0:
			n := size()
			if len(queue) == cfg.PoolSize {
				if _, err := dev.SubmitAsync(0, pattern(int(n), 0), n); err != core.ErrNoFreeBuffers {
					t.Fatalf("Step %d: expected ErrNoFreeBuffers with a full pool, got %v", i, err)
				}
				continue
			}
			h, err := dev.SubmitAsync(next(n), pattern(int(n), byte(i)), n)
			if err != nil {
				t.Fatalf("Step %d: submit failed: %v", i, err)
			}
			queue = append(queue, h)
		case 1:
			if dev.IsReady() && len(queue) == 0 {
				t.Fatalf("Step %d: ready with nothing submitted", i)
			}
		case 2:
			h, err := dev.RetrieveCompletedBlocking()
			if len(queue) == 0 {
				if err != core.ErrInvalidParameter {
					t.Fatalf("Step %d: expected ErrInvalidParameter with nothing queued, got %v", i, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("Step %d: retrieve failed: %v", i, err)
			}
			if h != queue[0] {
				t.Fatalf("Step %d: expected handle %d first, got %d", i, queue[0], h)
			}
			queue = queue[1:]
		case 3:
			n := size()
			addr := next(n)
			checkBlocking(t, i, dev.WriteBlocking(addr, pattern(int(n), byte(i)), n), len(queue))
		case 4:
			start := uint32(rng.Intn(int(geo.Sectors())))
			end := start + uint32(rng.Intn(2))
			if end >= geo.Sectors() {
				end = start
			}
			if len(queue) > 0 {
				// A random erase could wipe a queued buffer's target.
				continue
			}
			checkBlocking(t, i, dev.EraseSectors(start, end), 0)
		}
	}
	drain(t, dev, &queue)

	sessions := checkSessions(t, *log)
	if sessions == 0 {
		t.Error("Expected at least one programming session")
	}
	if dev.Mode() != core.ModeExecute {
		t.Errorf("Expected execute mode at the end, got %s", dev.Mode())
	}
	if !mmu.Executable(xipBase) || !ctrl.MemoryMapped() {
		t.Error("Expected the window restored at the end")
	}
	if free, _, completed := dev.Pool().Counts(); free != cfg.PoolSize || completed != 0 {
		t.Errorf("Expected every buffer free, got %d free %d completed", free, completed)
	}
}

// checkBlocking accepts the refusals a blocking call may meet while async
// buffers are outstanding. Once they have all completed the call runs.
func checkBlocking(t *testing.T, step int, err error, queued int) {
	t.Helper()
	if queued == 0 {
		if err != nil {
			t.Fatalf("Step %d: blocking call failed: %v", step, err)
		}
		return
	}
	switch err {
	case nil, core.ErrTransferInProgress, core.ErrNoFreeBuffers:
	default:
		t.Fatalf("Step %d: expected a refusal with %d queued, got %v", step, queued, err)
	}
}

func drain(t *testing.T, dev *core.Device, queue *[]core.BufferHandle) {
	t.Helper()
	for len(*queue) > 0 {
		h, err := dev.RetrieveCompletedBlocking()
		if err != nil {
			t.Fatalf("Drain failed: %v", err)
		}
		if h != (*queue)[0] {
			t.Fatalf("Expected handle %d first, got %d", (*queue)[0], h)
		}
		*queue = (*queue)[1:]
	}
}

func TestRandomOperationsPolling(t *testing.T) {
	for seed := int64(1); seed <= 4; seed++ {
		runRandomOps(t, core.Config{PoolSize: 4}, seed, 400)
	}
}

func TestRandomOperationsInterrupts(t *testing.T) {
	for seed := int64(1); seed <= 4; seed++ {
		runRandomOps(t, core.Config{PoolSize: 4, Interrupts: true, Completion: core.CompletionBlocking}, seed, 400)
	}
}
