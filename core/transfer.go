package core

// Write programs p at addr and waits for it to finish.
func (d *Device) Write(addr uint32, p []byte) error {
	return d.WriteBlocking(addr, p, uint32(len(p)))
}

// WriteBlocking programs length bytes of src at addr and returns once the
// transfer has completed or failed. It refuses to run while other work
// is queued. If the data was written but the window could not be switched
// back to execute mode, that error is returned and the device stays in
// programming mode until a later call manages the switch.
func (d *Device) WriteBlocking(addr uint32, src []byte, length uint32) error {
	_, err := d.WriteTransfer(addr, src, length)
	return err
}

// WriteTransfer is WriteBlocking returning the final state of the buffer,
// so a caller can see how far a failed write got.
func (d *Device) WriteTransfer(addr uint32, src []byte, length uint32) (TransferBuffer, error) {
	none := TransferBuffer{Handle: NoBuffer, Address: addr, Total: length, Remaining: length}
	if err := d.check(); err != nil {
		return none, err
	}
	if err := d.validate(addr, src, length); err != nil {
		return none, err
	}
	if length == 0 {
		return none, nil
	}
	if d.busy() {
		return none, ErrTransferInProgress
	}
	h, err := d.enqueue(addr, src, length, 0)
	if err != nil {
		return none, err
	}
	return d.await(h)
}

// SubmitAsync queues a write and returns at once. With interrupts enabled
// the first chunk is started before returning; in polling mode the work
// runs inside IsReady and RetrieveCompletedBlocking.
func (d *Device) SubmitAsync(addr uint32, src []byte, length uint32) (BufferHandle, error) {
	return d.SubmitTagged(addr, src, length, 0)
}

// SubmitTagged is SubmitAsync with a caller cookie carried on the buffer.
func (d *Device) SubmitTagged(addr uint32, src []byte, length uint32, tag uint32) (BufferHandle, error) {
	if err := d.check(); err != nil {
		return NoBuffer, err
	}
	if err := d.validate(addr, src, length); err != nil {
		return NoBuffer, err
	}
	h, err := d.enqueue(addr, src, length, tag)
	if err != nil {
		return NoBuffer, err
	}
	if d.cfg.Interrupts {
		d.Pump()
	}
	return h, nil
}

// IsReady reports whether a completed buffer is waiting to be retrieved.
func (d *Device) IsReady() bool {
	if d.check() != nil {
		return false
	}
	d.Pump()
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return d.pool.completed.n > 0
}

// RetrieveCompletedBlocking waits for the oldest completed buffer, returns
// it to the free list and reports its result.
func (d *Device) RetrieveCompletedBlocking() (BufferHandle, error) {
	b, err := d.RetrieveTransfer()
	return b.Handle, err
}

// RetrieveTransfer is RetrieveCompletedBlocking returning the final state
// of the buffer, including the bytes left unwritten after a failure.
func (d *Device) RetrieveTransfer() (TransferBuffer, error) {
	if err := d.check(); err != nil {
		return TransferBuffer{Handle: NoBuffer}, err
	}
	for {
		d.Pump()
		state := disableInterrupts()
		if h := d.pool.completed.head; h != NoBuffer {
			b := *d.pool.slot(h)
			d.pool.move(h, ListFree)
			restoreInterrupts(state)
			d.Pump()
			return b, d.result(b)
		}
		idle := d.pool.active == NoBuffer && d.pool.pending.n == 0
		restoreInterrupts(state)
		if idle {
			return TransferBuffer{Handle: NoBuffer}, ErrInvalidParameter
		}
		d.waitProgress()
	}
}

// EraseSectors erases sectors start through end inclusive, lowest first.
// It stops at the first failure; sectors already erased stay erased.
func (d *Device) EraseSectors(start, end uint32) error {
	if err := d.check(); err != nil {
		return err
	}
	if start > end || end >= d.geo.Sectors() {
		return ErrInvalidParameter
	}
	if d.busy() {
		return ErrTransferInProgress
	}
	if err := d.enter(); err != nil {
		return err
	}
	var err error
	for s := start; s <= end; s++ {
		if err = d.runCommand(Command{Kind: CmdEraseSector, Address: s * d.geo.SectorSize}); err != nil {
			break
		}
		d.count(func(st *Stats) { st.SectorsErased++ })
	}
	if lerr := d.leave(); err == nil {
		err = lerr
	}
	return err
}

// EraseSector erases the sector starting at addr.
func (d *Device) EraseSector(addr uint32) error {
	if err := d.check(); err != nil {
		return err
	}
	if d.geo.SectorSize == 0 || addr%d.geo.SectorSize != 0 {
		return ErrInvalidParameter
	}
	s := addr / d.geo.SectorSize
	return d.EraseSectors(s, s)
}

// EraseBank erases the whole array, and its information area as well for
// BankWithInfo.
func (d *Device) EraseBank(mode BankMode) error {
	if err := d.check(); err != nil {
		return err
	}
	kind := CmdEraseBank
	switch mode {
	case BankOnly:
	case BankWithInfo:
		kind = CmdEraseBankInfo
	default:
		return ErrInvalidParameter
	}
	if d.busy() {
		return ErrTransferInProgress
	}
	if err := d.enter(); err != nil {
		return err
	}
	err := d.runCommand(Command{Kind: kind})
	if err == nil {
		d.count(func(st *Stats) { st.SectorsErased += d.geo.Sectors() })
	}
	if lerr := d.leave(); err == nil {
		err = lerr
	}
	return err
}

// Abort terminates the command in flight. The affected buffer completes
// with ErrAborted and the content of its target region is unspecified.
func (d *Device) Abort() error {
	if err := d.check(); err != nil {
		return err
	}
	state := disableInterrupts()
	d.stats.Aborts++
	d.traceLocked(EvtAbort, 0, 0)
	restoreInterrupts(state)
	err := d.ctrl.Abort()
	if d.cfg.Interrupts {
		d.HandleInterrupt()
	}
	return err
}

// Pump moves queued writes forward. In polling mode it drains the pending
// list before returning. With interrupts it starts the next buffer and
// leaves the remaining chunks to HandleInterrupt. When nothing is left to
// do the device goes back to execute mode.
func (d *Device) Pump() {
	for {
		state := disableInterrupts()
		if d.pool.active != NoBuffer || d.cmdPending {
			restoreInterrupts(state)
			return
		}
		h := d.pool.popPending()
		if h == NoBuffer {
			restoreInterrupts(state)
			err := d.leave()
			state = disableInterrupts()
			d.leaveErr = err
			restoreInterrupts(state)
			return
		}
		b := d.pool.slot(h)
		if b.Remaining == 0 {
			d.finishLocked(h)
			restoreInterrupts(state)
			d.notify(h, nil)
			continue
		}
		restoreInterrupts(state)

		if err := d.enter(); err != nil {
			d.fail(h, KindOf(err))
			continue
		}
		if !d.cfg.Interrupts {
			d.drive(h)
			continue
		}

		state = disableInterrupts()
		err := d.issueChunkLocked(b)
		if err != nil {
			b.Err = KindOf(err)
			d.finishLocked(h)
		}
		restoreInterrupts(state)
		if err != nil {
			d.notify(h, err)
			continue
		}
		return
	}
}

func (d *Device) validate(addr uint32, src []byte, length uint32) error {
	if length > 0 && src == nil {
		return ErrInvalidParameter
	}
	if uint64(len(src)) < uint64(length) {
		return ErrInvalidParameter
	}
	if !d.geo.Aligned(addr, length) {
		return ErrInvalidParameter
	}
	return nil
}

func (d *Device) enqueue(addr uint32, src []byte, length, tag uint32) (BufferHandle, error) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	h := d.pool.pop(&d.pool.free)
	if h == NoBuffer {
		return NoBuffer, ErrNoFreeBuffers
	}
	b := d.pool.slot(h)
	b.Address = addr
	b.Source = src[:length]
	b.Total = length
	b.Remaining = length
	b.Err = NoError
	b.Tag = tag
	d.pool.push(&d.pool.pending, h, ListPending)
	return h, nil
}

// await waits for h to complete, then frees it.
func (d *Device) await(h BufferHandle) (TransferBuffer, error) {
	for {
		d.Pump()
		state := disableInterrupts()
		b := d.pool.slot(h)
		if b.list == ListCompleted {
			snap := *b
			d.pool.move(h, ListFree)
			restoreInterrupts(state)
			d.Pump()
			return snap, d.result(snap)
		}
		restoreInterrupts(state)
		d.waitProgress()
	}
}

// result is the error a caller sees for a retrieved buffer. A buffer that
// succeeded still fails if the device could not return to execute mode
// afterwards.
func (d *Device) result(b TransferBuffer) error {
	if b.Err != NoError {
		return b.Err.Err()
	}
	state := disableInterrupts()
	defer restoreInterrupts(state)
	err := d.leaveErr
	d.leaveErr = nil
	return err
}

// waitProgress blocks until the interrupt handler reports something, and
// expires the work in flight if the device stays silent past the timeout.
func (d *Device) waitProgress() {
	if !d.cfg.Interrupts {
		return
	}
	if d.done.Wait(d.cfg.Timeout) {
		return
	}
	d.expire()
}

func (d *Device) expire() {
	state := disableInterrupts()
	if !d.seq.Busy() {
		restoreInterrupts(state)
		return
	}
	d.ctrl.Abort()
	d.ctrl.ClearInterrupt()
	d.seq.Abandon()
	d.stats.Timeouts++
	d.traceLocked(EvtTimeout, d.seq.Inflight().Address, 0)
	done := NoBuffer
	if h := d.pool.active; h != NoBuffer {
		b := d.pool.slot(h)
		if b.Err == NoError {
			b.Err = ErrHardwareTimeout
		}
		d.finishLocked(h)
		done = h
	} else if d.cmdPending {
		d.cmdPending = false
		d.cmdResult = ErrHardwareTimeout
	}
	restoreInterrupts(state)
	DebugPrintln("[FLASH] dev " + itoa(int(d.id)) + " timeout")
	if done != NoBuffer {
		d.notify(done, ErrHardwareTimeout)
	}
}

// drive programs buffer h chunk by chunk, polling the busy bit between
// chunks.
func (d *Device) drive(h BufferHandle) {
	for {
		state := disableInterrupts()
		b := d.pool.slot(h)
		if b.Err != NoError || b.Remaining == 0 {
			err := b.Err.Err()
			d.finishLocked(h)
			restoreInterrupts(state)
			d.notify(h, err)
			return
		}
		cmd := d.nextChunk(b)
		d.traceLocked(EvtIssue, cmd.Address, uint32(len(cmd.Payload)))
		restoreInterrupts(state)

		err := d.seq.Issue(cmd)
		issued := err == nil
		var outcome Outcome
		if issued {
			outcome, err = d.seq.Wait()
		}

		state = disableInterrupts()
		if issued {
			d.stats.Commands++
		}
		switch {
		case err != nil:
			b.Err = KindOf(err)
			if b.Err == ErrHardwareTimeout {
				d.stats.Timeouts++
				d.traceLocked(EvtTimeout, cmd.Address, 0)
			}
		case outcome != OutcomeSuccess:
			b.Err = outcome.Kind()
			d.traceLocked(EvtComplete, cmd.Address, uint32(outcome))
		default:
			b.Remaining -= d.chunk
			d.stats.BytesWritten += d.chunk
			d.traceLocked(EvtComplete, cmd.Address, uint32(outcome))
		}
		restoreInterrupts(state)
	}
}

// nextChunk builds the command for the next piece of b.
func (d *Device) nextChunk(b *TransferBuffer) Command {
	done := b.Done()
	addr := b.Address + done
	n := d.geo.ChunkAt(addr, b.Remaining)
	kind := CmdWriteWord
	if d.geo.PageProgram {
		kind = CmdWritePage
	}
	d.chunk = n
	return Command{Kind: kind, Address: addr, Payload: b.Source[done : done+n]}
}

func (d *Device) issueChunkLocked(b *TransferBuffer) error {
	cmd := d.nextChunk(b)
	d.traceLocked(EvtIssue, cmd.Address, uint32(len(cmd.Payload)))
	if err := d.seq.Issue(cmd); err != nil {
		return err
	}
	d.stats.Commands++
	return nil
}

// runCommand executes a standalone command and waits for its outcome.
func (d *Device) runCommand(cmd Command) error {
	if !d.cfg.Interrupts {
		d.traceEvent(EvtIssue, cmd.Address, 0)
		err := d.seq.Run(cmd)
		d.count(func(st *Stats) {
			st.Commands++
			if err == ErrHardwareTimeout {
				st.Timeouts++
			}
			if err != nil {
				st.Errors++
			}
		})
		return err
	}

	state := disableInterrupts()
	d.traceLocked(EvtIssue, cmd.Address, 0)
	if err := d.seq.Issue(cmd); err != nil {
		restoreInterrupts(state)
		return err
	}
	d.stats.Commands++
	d.cmdPending = true
	d.cmdResult = NoError
	restoreInterrupts(state)

	for {
		state = disableInterrupts()
		pending, result := d.cmdPending, d.cmdResult
		if !pending && result != NoError {
			d.stats.Errors++
		}
		restoreInterrupts(state)
		if !pending {
			return result.Err()
		}
		if !d.done.Wait(d.cfg.Timeout) {
			d.expire()
		}
	}
}

func (d *Device) fail(h BufferHandle, kind ErrorKind) {
	state := disableInterrupts()
	b := d.pool.slot(h)
	if b.Err == NoError {
		b.Err = kind
	}
	d.finishLocked(h)
	restoreInterrupts(state)
	d.notify(h, kind.Err())
}

// finishLocked moves h to the completed list.
func (d *Device) finishLocked(h BufferHandle) {
	b := d.pool.slot(h)
	d.pool.move(h, ListCompleted)
	d.stats.Buffers++
	if b.Err != NoError {
		d.stats.Errors++
	}
	d.traceLocked(EvtBufferDone, b.Address, b.Remaining)
}

// notify wakes waiters and runs the completion callback. It must be
// called outside the critical section.
func (d *Device) notify(h BufferHandle, err error) {
	d.done.Signal()
	state := disableInterrupts()
	cb := d.callback
	restoreInterrupts(state)
	if cb != nil {
		cb(h, err)
	}
}

func (d *Device) count(fn func(*Stats)) {
	state := disableInterrupts()
	fn(&d.stats)
	restoreInterrupts(state)
}
