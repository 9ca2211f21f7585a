package cortexa

import (
	"testing"

	"flashkit/core"
	"flashkit/sim"
)

// Section mapping 0x18000000 read/write, cacheable, executable.
const windowSection = 0x18000000 | 3<<10 | 1<<3 | 1<<2 | typeSection

type fakeCache struct {
	data, inst int
}

func (c *fakeCache) FlushDataCache()        { c.data++ }
func (c *fakeCache) FlushInstructionCache() { c.inst++ }

func TestRevoke(t *testing.T) {
	m := New(make(SliceTable, 4096), nil, nil)

	got := m.Revoke(windowSection)
	if got&apMask != 0 {
		t.Errorf("Expected access bits cleared, got %#08x", got)
	}
	if got&bitXN == 0 {
		t.Errorf("Expected execute-never set, got %#08x", got)
	}
	if got&^(apMask|bitXN) != windowSection&^(apMask|bitXN) {
		t.Errorf("Expected address and attributes kept, got %#08x", got)
	}

	for _, desc := range []uint32{0, 0x18000001, 0x18000000 | bitSuper | typeSection} {
		if m.Revoke(desc) != desc {
			t.Errorf("Expected %#08x unchanged", desc)
		}
	}
}

func TestDescriptorIndexing(t *testing.T) {
	table := make(SliceTable, 4096)
	m := New(table, nil, nil)

	m.SetDescriptor(0x18345678, 0xABC)
	if table[0x183] != 0xABC {
		t.Errorf("Expected entry 0x183 set, got %#x", table[0x183])
	}
	if m.Descriptor(0x183FFFFF) != 0xABC {
		t.Errorf("Expected the whole MiB to share the entry")
	}
}

func TestWindowRevokedWhileProgramming(t *testing.T) {
	table := make(SliceTable, 4096)
	for i := uint32(0x180); i < 0x182; i++ {
		table[i] = windowSection + (i-0x180)<<20
	}
	cache := &fakeCache{}
	tlb := 0
	mmu := New(table, cache, func() { tlb++ })

	geo := core.Geometry{Size: 2 << 20, WordSize: 1, PageSize: 256, SectorSize: 64 * 1024, EraseValue: 0xFF, PageProgram: true}
	ctrl := sim.NewController(sim.NewNOR(geo))
	var during []uint32
	ctrl.OnStart = func(core.Command) {
		during = append(during, table[0x180], table[0x181])
	}

	reg := core.NewRegistry(1)
	err := reg.Register(0, core.DeviceSpec{
		Controller: ctrl,
		MMU:        mmu,
		Window:     core.Window{Start: 0x18000000, Size: geo.Size},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	dev, err := reg.Open(0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := dev.WriteBlocking(0x100, []byte{1, 2, 3, 4}, 4); err != nil {
		t.Fatalf("WriteBlocking failed: %v", err)
	}
	if len(during) != 2 {
		t.Fatalf("Expected one command, saw %d descriptors", len(during))
	}
	for _, d := range during {
		if d&apMask != 0 || d&bitXN == 0 {
			t.Errorf("Expected revoked descriptor while programming, got %#08x", d)
		}
	}
	if table[0x180] != windowSection || table[0x181] != windowSection+1<<20 {
		t.Errorf("Expected descriptors restored, got %#08x %#08x", table[0x180], table[0x181])
	}
	if tlb < 2 || cache.data < 2 || cache.inst < 2 {
		t.Errorf("Expected maintenance on entry and exit, got tlb=%d data=%d inst=%d", tlb, cache.data, cache.inst)
	}
}
