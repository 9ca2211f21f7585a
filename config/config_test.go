package config

import (
	"testing"
	"time"

	"flashkit/core"
)

func TestLoadProfileDefaults(t *testing.T) {
	p, err := LoadProfile([]byte(`{"target": "rza1", "engine": {"interrupts": true}}`))
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}

	if p.Name != "rza1" {
		t.Errorf("Expected name to default to target, got %q", p.Name)
	}
	if p.Base != 0x3FEFA000 {
		t.Errorf("Expected SPIBSC base, got 0x%x", p.Base)
	}
	if p.Window.Start != 0x18000000 || p.Window.Granularity != DefaultGranularity {
		t.Errorf("Unexpected window %+v", p.Window)
	}
	if p.Geometry.SectorSize != 64*1024 {
		t.Errorf("Expected 64 KiB sectors, got %d", p.Geometry.SectorSize)
	}

	cfg := p.CoreConfig()
	if !cfg.Interrupts || cfg.PoolSize != core.DefaultPoolSize || cfg.Timeout != core.DefaultTimeout {
		t.Errorf("Unexpected engine config %+v", cfg)
	}
	if cfg.Completion != core.CompletionFlag {
		t.Errorf("Expected flag completion by default, got %d", cfg.Completion)
	}
}

func TestLoadProfileOverrides(t *testing.T) {
	p, err := LoadProfile([]byte(`{
		"name": "boot",
		"target": "spinor",
		"geometry": {"sector_size": 65536, "erase_value": 0, "page_program": false},
		"engine": {"pool_size": 8, "timeout_ms": 250, "completion": "blocking"}
	}`))
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}

	g := p.ApplyGeometry(core.Geometry{Size: 1 << 20, WordSize: 1, PageSize: 256, SectorSize: 4096, EraseValue: 0xFF, PageProgram: true})
	if g.SectorSize != 65536 || g.EraseValue != 0 || g.PageProgram {
		t.Errorf("Expected overrides applied, got %+v", g)
	}
	if g.Size != 16<<20 {
		t.Errorf("Expected default size from the spinor profile, got %d", g.Size)
	}

	cfg := p.CoreConfig()
	if cfg.PoolSize != 8 || cfg.Timeout != 250*time.Millisecond || cfg.Completion != core.CompletionBlocking {
		t.Errorf("Unexpected engine config %+v", cfg)
	}
}

func TestLoadProfiles(t *testing.T) {
	profiles, err := LoadProfiles([]byte(`[{"name": "a", "target": "aducm302x"}, {"name": "b"}]`))
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("Expected 2 profiles, got %d", len(profiles))
	}
	if profiles["a"].Geometry.WordSize != 8 {
		t.Errorf("Expected double-word programming, got %d", profiles["a"].Geometry.WordSize)
	}
	if profiles["b"].Target != TargetSim {
		t.Errorf("Expected sim target by default, got %q", profiles["b"].Target)
	}
	if profiles["b"].CoreWindow().Size != 0 {
		t.Error("Expected no execute window for the sim")
	}

	if _, err := LoadProfile([]byte(`{`)); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}
