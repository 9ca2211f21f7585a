// Package config loads flash device profiles: which target driver to use,
// where its registers and execute window live, the array layout and the
// engine settings.
package config

import (
	"encoding/json"
	"time"

	"flashkit/core"
)

// Profile describes one flash device.
type Profile struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	// Base is the controller register block address.
	Base     uint32         `json:"base"`
	Window   WindowConfig   `json:"window"`
	Geometry GeometryConfig `json:"geometry"`
	Engine   EngineConfig   `json:"engine"`
}

// WindowConfig is the execute-in-place mapping of the array.
type WindowConfig struct {
	Start uint32 `json:"start"`
	Size  uint32 `json:"size"`
	// Granularity is the MMU descriptor size covering the window.
	Granularity uint32 `json:"granularity"`
}

// GeometryConfig overrides the layout a target driver reports.
type GeometryConfig struct {
	Size        uint32 `json:"size"`
	WordSize    uint32 `json:"word_size"`
	PageSize    uint32 `json:"page_size"`
	SectorSize  uint32 `json:"sector_size"`
	EraseValue  *byte  `json:"erase_value,omitempty"`
	PageProgram *bool  `json:"page_program,omitempty"`
}

// EngineConfig mirrors core.Config in JSON-friendly units.
type EngineConfig struct {
	PoolSize   int    `json:"pool_size"`
	TimeoutMs  int    `json:"timeout_ms"`
	PollLimit  int    `json:"poll_limit"`
	Interrupts bool   `json:"interrupts"`
	Completion string `json:"completion"`
}

// Target names understood by the firmware and the host tool
const (
	TargetADuCM302x = "aducm302x"
	TargetRZA1      = "rza1"
	TargetSPINOR    = "spinor"
	TargetRP2040    = "rp2040"
	TargetSim       = "sim"
)

// DefaultGranularity is a Cortex-A short-descriptor section
const DefaultGranularity = 1 << 20

// LoadProfile parses a JSON profile and applies defaults
func LoadProfile(jsonData []byte) (*Profile, error) {
	var p Profile

	err := json.Unmarshal(jsonData, &p)
	if err != nil {
		return nil, err
	}

	applyDefaults(&p)

	return &p, nil
}

// LoadProfiles parses a JSON array of profiles keyed by name
func LoadProfiles(jsonData []byte) (map[string]*Profile, error) {
	var list []Profile
	if err := json.Unmarshal(jsonData, &list); err != nil {
		return nil, err
	}
	out := make(map[string]*Profile, len(list))
	for i := range list {
		p := list[i]
		applyDefaults(&p)
		out[p.Name] = &p
	}
	return out, nil
}

// applyDefaults fills in missing values from the built-in profile for the
// same target
func applyDefaults(p *Profile) {
	if p.Target == "" {
		p.Target = TargetSim
	}
	if p.Name == "" {
		p.Name = p.Target
	}

	if def, ok := DefaultProfiles()[p.Target]; ok {
		if p.Base == 0 {
			p.Base = def.Base
		}
		if p.Window.Size == 0 && p.Window.Start == 0 {
			p.Window.Start = def.Window.Start
			p.Window.Size = def.Window.Size
		}
		g := &p.Geometry
		if g.Size == 0 {
			g.Size = def.Geometry.Size
		}
		if g.WordSize == 0 {
			g.WordSize = def.Geometry.WordSize
		}
		if g.PageSize == 0 {
			g.PageSize = def.Geometry.PageSize
		}
		if g.SectorSize == 0 {
			g.SectorSize = def.Geometry.SectorSize
		}
	}

	if p.Window.Size > 0 && p.Window.Granularity == 0 {
		p.Window.Granularity = DefaultGranularity
	}
	if p.Engine.PoolSize == 0 {
		p.Engine.PoolSize = core.DefaultPoolSize
	}
	if p.Engine.TimeoutMs == 0 {
		p.Engine.TimeoutMs = int(core.DefaultTimeout / time.Millisecond)
	}
	if p.Engine.Completion == "" {
		p.Engine.Completion = "flag"
	}
}

// CoreConfig converts the engine section for core.DeviceSpec
func (p *Profile) CoreConfig() core.Config {
	cfg := core.Config{
		PoolSize:   p.Engine.PoolSize,
		Timeout:    time.Duration(p.Engine.TimeoutMs) * time.Millisecond,
		PollLimit:  p.Engine.PollLimit,
		Interrupts: p.Engine.Interrupts,
	}
	if p.Engine.Completion == "blocking" {
		cfg.Completion = core.CompletionBlocking
	}
	return cfg
}

// CoreWindow returns the execute window
func (p *Profile) CoreWindow() core.Window {
	return core.Window{Start: p.Window.Start, Size: p.Window.Size}
}

// ApplyGeometry overlays the profile's layout on what a driver reports
func (p *Profile) ApplyGeometry(g core.Geometry) core.Geometry {
	o := p.Geometry
	if o.Size != 0 {
		g.Size = o.Size
	}
	if o.WordSize != 0 {
		g.WordSize = o.WordSize
	}
	if o.PageSize != 0 {
		g.PageSize = o.PageSize
	}
	if o.SectorSize != 0 {
		g.SectorSize = o.SectorSize
	}
	if o.EraseValue != nil {
		g.EraseValue = *o.EraseValue
	}
	if o.PageProgram != nil {
		g.PageProgram = *o.PageProgram
	}
	return g
}

// DefaultProfiles returns the built-in profile for every target
func DefaultProfiles() map[string]*Profile {
	return map[string]*Profile{
		TargetADuCM302x: {
			Name:   TargetADuCM302x,
			Target: TargetADuCM302x,
			Base:   0x40018000,
			Geometry: GeometryConfig{
				Size:       256 * 1024,
				WordSize:   8,
				PageSize:   8,
				SectorSize: 2048,
			},
		},
		TargetRZA1: {
			Name:   TargetRZA1,
			Target: TargetRZA1,
			Base:   0x3FEFA000,
			Window: WindowConfig{Start: 0x18000000, Size: 64 << 20, Granularity: DefaultGranularity},
			Geometry: GeometryConfig{
				Size:       64 << 20,
				WordSize:   1,
				PageSize:   256,
				SectorSize: 64 * 1024,
			},
		},
		TargetSPINOR: {
			Name:   TargetSPINOR,
			Target: TargetSPINOR,
			Geometry: GeometryConfig{
				Size:       16 << 20,
				WordSize:   1,
				PageSize:   256,
				SectorSize: 4096,
			},
		},
		TargetRP2040: {
			Name:   TargetRP2040,
			Target: TargetRP2040,
			Window: WindowConfig{Start: 0x10000000, Size: 2 << 20},
			Geometry: GeometryConfig{
				Size:       2 << 20,
				WordSize:   256,
				PageSize:   256,
				SectorSize: 4096,
			},
		},
		TargetSim: {
			Name:   TargetSim,
			Target: TargetSim,
			Geometry: GeometryConfig{
				Size:       64 * 1024,
				WordSize:   4,
				PageSize:   256,
				SectorSize: 4096,
			},
		},
	}
}
