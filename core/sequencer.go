package core

import "time"

// Sequencer issues commands to a Controller one at a time and decodes
// their completion status.
type Sequencer struct {
	ctrl     Controller
	table    OutcomeTable
	busy     bool
	inflight Command

	timeout   time.Duration
	pollLimit int
	now       func() time.Time

	issued uint32
}

// NewSequencer binds a sequencer to ctrl. A zero timeout and poll limit
// make Wait unbounded.
func NewSequencer(ctrl Controller, timeout time.Duration, pollLimit int, now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{
		ctrl:      ctrl,
		table:     ctrl.Outcomes(),
		timeout:   timeout,
		pollLimit: pollLimit,
		now:       now,
	}
}

// Busy reports whether a command is in flight.
func (s *Sequencer) Busy() bool {
	return s.busy
}

// Inflight returns the command last issued.
func (s *Sequencer) Inflight() Command {
	return s.inflight
}

// Issued returns the number of commands started.
func (s *Sequencer) Issued() uint32 {
	return s.issued
}

// Issue starts cmd. It never waits.
func (s *Sequencer) Issue(cmd Command) error {
	if s.busy {
		return ErrDeviceBusy
	}
	if busy, _ := s.ctrl.Status(); busy {
		return ErrDeviceBusy
	}
	if err := s.ctrl.Start(cmd); err != nil {
		return err
	}
	s.busy = true
	s.inflight = cmd
	s.issued++
	return nil
}

// Complete decodes a finished command. Called once the busy bit has been
// seen clear, from Wait or from the interrupt handler.
func (s *Sequencer) Complete(code uint32) Outcome {
	s.busy = false
	return s.table.Decode(code)
}

// Abandon forgets the command in flight after a timeout or abort.
func (s *Sequencer) Abandon() {
	s.busy = false
}

// Wait polls the busy bit until the command finishes or the bound runs
// out. On timeout the controller is told to abort and ErrHardwareTimeout
// is returned.
func (s *Sequencer) Wait() (Outcome, error) {
	if !s.busy {
		return OutcomeSuccess, nil
	}
	start := s.now()
	for polls := 1; ; polls++ {
		busy, code := s.ctrl.Status()
		if !busy {
			s.ctrl.ClearInterrupt()
			return s.Complete(code), nil
		}
		if s.pollLimit > 0 && polls >= s.pollLimit {
			break
		}
		if s.timeout > 0 && s.now().Sub(start) >= s.timeout {
			break
		}
	}
	s.ctrl.Abort()
	s.ctrl.ClearInterrupt()
	s.Abandon()
	return OutcomeAborted, ErrHardwareTimeout
}

// Run issues cmd and waits for it.
func (s *Sequencer) Run(cmd Command) error {
	if err := s.Issue(cmd); err != nil {
		return err
	}
	outcome, err := s.Wait()
	if err != nil {
		return err
	}
	return outcome.Err()
}
