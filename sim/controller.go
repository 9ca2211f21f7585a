package sim

import (
	"sync"

	"flashkit/core"
)

// Controller is a behavioural flash controller over a NOR array. In
// polling use a command stays busy for BusyPolls status reads. With the
// interrupt enabled the command completes when the interrupt fires:
// immediately on its own goroutine when AutoIRQ is set, or on Fire.
type Controller struct {
	mu  sync.Mutex
	nor *NOR

	// BusyPolls is how many Status calls report busy after Start.
	BusyPolls int
	// Hang keeps every command busy until aborted.
	Hang bool
	// AutoIRQ raises the completion interrupt by itself.
	AutoIRQ bool

	// OnStart runs after each accepted Start, outside the lock.
	OnStart func(cmd core.Command)
	// OnStatus runs before each Status read, outside the lock.
	OnStatus func()

	busy      bool
	code      uint32
	result    uint32
	pollsLeft int

	irqEnabled bool
	handler    func()

	log    []core.Command
	aborts int
	clears int
}

// NewController wraps nor. AutoIRQ starts enabled.
func NewController(nor *NOR) *Controller {
	return &Controller{nor: nor, AutoIRQ: true}
}

// NOR returns the array behind the controller.
func (c *Controller) NOR() *NOR {
	return c.nor
}

func (c *Controller) Geometry() core.Geometry {
	return c.nor.Geometry()
}

func (c *Controller) Outcomes() core.OutcomeTable {
	return Outcomes
}

func (c *Controller) Start(cmd core.Command) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return core.ErrDeviceBusy
	}
	cmd.Payload = append([]byte(nil), cmd.Payload...)
	c.log = append(c.log, cmd)

	var code uint32
	switch cmd.Kind {
	case core.CmdWriteWord, core.CmdWritePage:
		code = c.nor.Program(cmd.Address, cmd.Payload)
	case core.CmdEraseSector:
		code = c.nor.EraseSector(cmd.Address)
	case core.CmdEraseBank:
		code = c.nor.EraseBank(false)
	case core.CmdEraseBankInfo:
		code = c.nor.EraseBank(true)
	default:
		c.mu.Unlock()
		return core.ErrInvalidParameter
	}

	c.busy = true
	c.result = code
	c.pollsLeft = c.BusyPolls
	var fire func()
	if c.irqEnabled {
		if c.AutoIRQ && !c.Hang {
			c.busy = false
			c.code = code
			fire = c.handler
		}
	} else if !c.Hang && c.pollsLeft == 0 {
		c.busy = false
		c.code = code
	}
	hook := c.OnStart
	c.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	if fire != nil {
		go fire()
	}
	return nil
}

func (c *Controller) Status() (bool, uint32) {
	c.mu.Lock()
	hook := c.OnStatus
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy && !c.irqEnabled && !c.Hang {
		if c.pollsLeft > 0 {
			c.pollsLeft--
		}
		if c.pollsLeft == 0 {
			c.busy = false
			c.code = c.result
		}
		return true, 0
	}
	return c.busy, c.code
}

func (c *Controller) ClearInterrupt() {
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
}

func (c *Controller) Abort() error {
	c.mu.Lock()
	c.aborts++
	var fire func()
	if c.busy {
		c.busy = false
		c.code = CodeAborted
		if c.irqEnabled && c.AutoIRQ {
			fire = c.handler
		}
	}
	c.mu.Unlock()
	if fire != nil {
		go fire()
	}
	return nil
}

func (c *Controller) ReadAt(p []byte, off uint32) error {
	return c.nor.ReadAt(p, off)
}

func (c *Controller) EnableInterrupt(enabled bool, handler func()) {
	c.mu.Lock()
	c.irqEnabled = enabled
	c.handler = handler
	c.mu.Unlock()
}

// Fire completes a command held busy in interrupt mode and runs the
// handler on the caller's goroutine. It reports whether anything fired.
func (c *Controller) Fire() bool {
	c.mu.Lock()
	if !c.busy || c.handler == nil {
		c.mu.Unlock()
		return false
	}
	c.busy = false
	c.code = c.result
	h := c.handler
	c.mu.Unlock()
	h()
	return true
}

// Busy reports whether a command is in progress.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Commands returns every command accepted so far.
func (c *Controller) Commands() []core.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Command(nil), c.log...)
}

// Aborts returns the number of Abort calls.
func (c *Controller) Aborts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborts
}

// Clears returns the number of interrupt acknowledgements.
func (c *Controller) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}
