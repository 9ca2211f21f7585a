//go:build rp2040

// Package pio runs an SPI master on an RP2040 PIO state machine, for an
// external NOR chip on pins the hardware SPI blocks cannot reach.
package pio

import (
	"errors"
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

var (
	// RP2040 has 2 PIO blocks with 4 state machines each.
	allocations = [2][4]bool{}

	ErrNoStateMachine = errors.New("pio: no free state machine")
)

// allocate claims the first free state machine.
func allocate() (pioNum, smNum uint8, ok bool) {
	for p := uint8(0); p < 2; p++ {
		for s := uint8(0); s < 4; s++ {
			if !allocations[p][s] {
				allocations[p][s] = true
				return p, s, true
			}
		}
	}
	return 0, 0, false
}

// buildSPIProgram is a mode 0 master: data out on the falling edge, sampled
// on the rising edge, four cycles per bit.
//
//	.side_set 1
//	out pins, 1  side 0 [1]
//	in  pins, 1  side 1 [1]
func buildSPIProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 1}
	return []uint16{
		asm.Out(rp2pio.OutDestPins, 1).Side(0).Delay(1).Encode(),
		asm.In(rp2pio.InSrcPins, 1).Side(1).Delay(1).Encode(),
	}
}

// SPIConfig selects pins and clock.
type SPIConfig struct {
	SCK       machine.Pin
	SDO       machine.Pin
	SDI       machine.Pin
	Frequency uint32
	// PollLimit bounds the FIFO waits of one byte. Zero means
	// DefaultPollLimit.
	PollLimit int
}

// SPI implements the tinygo drivers.SPI interface, MSB first, one byte
// per FIFO word.
type SPI struct {
	pio *rp2pio.PIO
	sm  rp2pio.StateMachine
	cfg SPIConfig
}

// NewSPI claims a state machine and starts the program.
func NewSPI(cfg SPIConfig) (*SPI, error) {
	pioNum, smNum, ok := allocate()
	if !ok {
		return nil, ErrNoStateMachine
	}
	hw := rp2pio.PIO0
	if pioNum == 1 {
		hw = rp2pio.PIO1
	}
	if cfg.PollLimit == 0 {
		cfg.PollLimit = DefaultPollLimit
	}
	s := &SPI{pio: hw, sm: hw.StateMachine(smNum), cfg: cfg}
	if err := s.init(); err != nil {
		allocations[pioNum][smNum] = false
		return nil, err
	}
	return s, nil
}

func (s *SPI) init() error {
	s.sm.TryClaim()

	program := buildSPIProgram()
	offset, err := s.pio.AddProgram(program, -1)
	if err != nil {
		return err
	}

	for _, pin := range []machine.Pin{s.cfg.SCK, s.cfg.SDO, s.cfg.SDI} {
		pin.Configure(machine.PinConfig{Mode: s.pio.PinMode()})
	}

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSidesetParams(1, false, false)
	cfg.SetSidesetPins(s.cfg.SCK)
	cfg.SetOutPins(s.cfg.SDO, 1)
	cfg.SetInPins(s.cfg.SDI)
	// Shift left with 8 bit autopull and autopush: a byte goes in the top
	// of the TX word and comes back in the bottom of the RX word.
	cfg.SetOutShift(false, true, 8)
	cfg.SetInShift(false, true, 8)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	whole, frac := clockDivider(machine.CPUFrequency(), s.cfg.Frequency)
	cfg.SetClkDivIntFrac(whole, frac)

	s.sm.Init(offset, cfg)
	s.sm.SetPindirsConsecutive(s.cfg.SCK, 1, true)
	s.sm.SetPindirsConsecutive(s.cfg.SDO, 1, true)
	s.sm.SetPindirsConsecutive(s.cfg.SDI, 1, false)
	s.sm.SetPinsConsecutive(s.cfg.SCK, 1, false)
	s.sm.SetEnabled(true)
	return nil
}

// clockDivider returns the divider for four PIO cycles per bit.
func clockDivider(sys, freq uint32) (uint16, uint8) {
	if freq == 0 {
		freq = 1000000
	}
	// Fixed point with 8 fractional bits.
	div := uint64(sys) * 256 / (4 * uint64(freq))
	if div < 256 {
		div = 256
	}
	if div > 0xFFFF*256 {
		div = 0xFFFF * 256
	}
	return uint16(div >> 8), uint8(div)
}

// Transfer clocks one byte each way. A state machine that stops
// clocking yields ErrHardwareTimeout.
func (s *SPI) Transfer(b byte) (byte, error) {
	if err := waitWhile(s.sm.IsTxFIFOFull, s.cfg.PollLimit); err != nil {
		return 0, err
	}
	s.sm.TxPut(uint32(b) << 24)
	if err := waitWhile(s.sm.IsRxFIFOEmpty, s.cfg.PollLimit); err != nil {
		return 0, err
	}
	return byte(s.sm.RxGet()), nil
}

// Tx clocks max(len(w), len(r)) bytes, sending zeros past the end of w.
func (s *SPI) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in, err := s.Transfer(out)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

// Stop halts the state machine and drops anything queued.
func (s *SPI) Stop() {
	s.sm.SetEnabled(false)
	s.sm.ClearFIFOs()
	s.sm.Restart()
}
