package aducm302x

import (
	"bytes"
	"sync"
	"testing"

	"flashkit/core"
	"flashkit/sim"
)

// flccModel reacts to register writes the way the FLCC does.
type flccModel struct {
	mu     sync.Mutex
	regs   *core.RegisterFile
	nor    *sim.NOR
	ctrl   *Controller
	stat   uint32
	key    bool
	hold   bool
	writes []uintptr
}

func newModel() *flccModel {
	m := &flccModel{
		regs: core.NewRegisterFile(0x40),
		nor:  sim.NewNOR(Geometry),
	}
	m.ctrl = New(m.regs, m.nor.Reader())
	m.regs.OnStore = m.store
	return m
}

func (m *flccModel) store(off uintptr, v uint32) {
	m.mu.Lock()
	m.writes = append(m.writes, off)
	var fire bool
	switch off {
	case RegStat:
		m.stat &^= v & (StatCmdComp | StatWrAlComp | StatCmdFail.Mask())
	case RegKey:
		m.key = v == UserKey
	case RegCmd:
		fire = m.command(v)
	}
	m.regs.Poke(RegStat, m.stat)
	ien := m.regs.Peek(RegIEN)
	m.mu.Unlock()
	if fire && ien&IENCmdCmplt != 0 {
		go m.ctrl.HandleIRQ()
	}
}

// command runs with m.mu held and reports whether an interrupt is due.
func (m *flccModel) command(cmd uint32) bool {
	if cmd == CmdAbort {
		if m.stat&StatCmdBusy == 0 {
			return false
		}
		m.finish(sim.CodeAborted)
		return true
	}
	keyed := m.key
	m.key = false
	if !keyed {
		m.finish(sim.CodeProtected)
		return true
	}
	var code uint32
	switch cmd {
	case CmdWrite:
		addr := m.regs.Peek(RegKHAddr)
		lo, hi := m.regs.Peek(RegKHData0), m.regs.Peek(RegKHData1)
		data := []byte{byte(lo), byte(lo >> 8), byte(lo >> 16), byte(lo >> 24), byte(hi), byte(hi >> 8), byte(hi >> 16), byte(hi >> 24)}
		code = m.nor.Program(addr, data)
	case CmdErasePage:
		code = m.nor.EraseSector(m.regs.Peek(RegPageAddr))
	case CmdMassErase:
		code = m.nor.EraseBank(false)
	}
	if m.hold {
		m.stat |= StatCmdBusy
		return false
	}
	m.finish(code)
	return true
}

func (m *flccModel) finish(code uint32) {
	m.stat &^= StatCmdBusy
	m.stat = StatCmdFail.Set(m.stat, code) | StatCmdComp
}

func (m *flccModel) log() []uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uintptr(nil), m.writes...)
}

func openFLCC(t *testing.T, m *flccModel, cfg core.Config) *core.Device {
	t.Helper()
	reg := core.NewRegistry(1)
	if err := reg.Register(0, core.DeviceSpec{Controller: m.ctrl, Config: cfg}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	dev, err := reg.Open(0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return dev
}

func TestWriteRegisterSequence(t *testing.T) {
	m := newModel()

	err := m.ctrl.Start(core.Command{Kind: core.CmdWriteWord, Address: 0x100, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := []uintptr{RegKHAddr, RegKHData0, RegKHData1, RegKey, RegCmd}
	got := m.log()
	if len(got) != len(want) {
		t.Fatalf("Expected %d register writes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Write %d: expected offset 0x%x, got 0x%x", i, want[i], got[i])
		}
	}
	if m.regs.Peek(RegKHData0) != 0x04030201 || m.regs.Peek(RegKHData1) != 0x08070605 {
		t.Errorf("Unexpected data words 0x%x 0x%x", m.regs.Peek(RegKHData0), m.regs.Peek(RegKHData1))
	}

	busy, code := m.ctrl.Status()
	if busy || code != 0 {
		t.Errorf("Expected idle success, got busy=%v code=%d", busy, code)
	}
	m.ctrl.ClearInterrupt()
	if m.regs.Peek(RegStat)&StatCmdComp != 0 {
		t.Error("Expected CMDCOMP cleared")
	}
}

func TestUnsupportedCommands(t *testing.T) {
	m := newModel()
	for _, kind := range []core.CommandKind{core.CmdWritePage, core.CmdEraseBankInfo} {
		if err := m.ctrl.Start(core.Command{Kind: kind}); err != core.ErrInvalidParameter {
			t.Errorf("%s: expected ErrInvalidParameter, got %v", kind, err)
		}
	}
	if err := m.ctrl.Start(core.Command{Kind: core.CmdWriteWord, Payload: []byte{1, 2, 3, 4}}); err != core.ErrInvalidParameter {
		t.Errorf("Expected short payload refused, got %v", err)
	}
	if m.regs.Stores() != 0 {
		t.Errorf("Expected no register writes, got %d", m.regs.Stores())
	}
}

func TestDeviceWriteAndErase(t *testing.T) {
	m := newModel()
	dev := openFLCC(t, m, core.Config{})

	img := make([]byte, 64)
	for i := range img {
		img[i] = byte(i * 3)
	}
	if err := dev.Write(0x800, img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(m.nor.Bytes()[0x800:0x840], img) {
		t.Error("Array contents do not match")
	}
	if err := dev.Verify(0x800, img); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if st := dev.Stats(); st.Commands != 8 {
		t.Errorf("Expected 8 double-word programs, got %d", st.Commands)
	}

	if err := dev.EraseSector(0x800); err != nil {
		t.Fatalf("EraseSector failed: %v", err)
	}
	if m.nor.Bytes()[0x800] != 0xFF {
		t.Error("Expected page erased")
	}
	if err := dev.EraseBank(core.BankOnly); err != nil {
		t.Fatalf("EraseBank failed: %v", err)
	}
	if err := dev.EraseBank(core.BankWithInfo); err != core.ErrInvalidParameter {
		t.Errorf("Expected info erase unsupported, got %v", err)
	}
}

func TestMisalignedWriteTouchesNoRegisters(t *testing.T) {
	m := newModel()
	dev := openFLCC(t, m, core.Config{})
	m.regs.ResetCounters()

	if err := dev.Write(0x804, make([]byte, 8)); err != core.ErrInvalidParameter {
		t.Errorf("Expected ErrInvalidParameter for a half-aligned address, got %v", err)
	}
	if err := dev.Write(0x800, make([]byte, 12)); err != core.ErrInvalidParameter {
		t.Errorf("Expected ErrInvalidParameter for a partial double word, got %v", err)
	}
	if m.regs.Stores() != 0 || m.regs.Loads() != 0 {
		t.Errorf("Expected no register access, got %d stores %d loads", m.regs.Stores(), m.regs.Loads())
	}
}

func TestProtectedRegion(t *testing.T) {
	m := newModel()
	m.nor.Protect(0, 0x2000)
	dev := openFLCC(t, m, core.Config{})

	if err := dev.Write(0x1000, make([]byte, 8)); err != core.ErrWriteProtected {
		t.Errorf("Expected ErrWriteProtected, got %v", err)
	}
}

func TestInterruptMode(t *testing.T) {
	m := newModel()
	dev := openFLCC(t, m, core.Config{Interrupts: true, Completion: core.CompletionBlocking})

	if m.regs.Peek(RegIEN) != IENCmdCmplt|IENCmdFail {
		t.Errorf("Expected completion interrupts armed, got 0x%x", m.regs.Peek(RegIEN))
	}

	img := bytes.Repeat([]byte{0xA5, 0x5A}, 64)
	if err := dev.Write(0, img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(m.nor.Bytes()[:128], img) {
		t.Error("Array contents do not match")
	}
}

func TestAbortHeldCommand(t *testing.T) {
	m := newModel()
	m.hold = true
	dev := openFLCC(t, m, core.Config{Interrupts: true})

	if _, err := dev.SubmitAsync(0, make([]byte, 16), 16); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := dev.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	b, err := dev.RetrieveTransfer()
	if err != core.ErrAborted {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}
	if b.Remaining != 16 {
		t.Errorf("Expected nothing written, got %d remaining", b.Remaining)
	}

	m.mu.Lock()
	m.hold = false
	m.mu.Unlock()
	if err := dev.Write(0x10, make([]byte, 8)); err != nil {
		t.Errorf("Write after abort failed: %v", err)
	}
}
