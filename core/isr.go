package core

// HandleInterrupt is the body of the flash completion interrupt. The
// platform ISR calls it for the device's controller. It finishes the
// command in flight, starts the next chunk of the active buffer, and on
// completion moves the buffer to the completed list and signals. It never
// takes the next pending buffer; Pump does that from the mainline.
func (d *Device) HandleInterrupt() {
	state := disableInterrupts()
	busy, code := d.ctrl.Status()
	if busy || !d.seq.Busy() {
		// Late or spurious: nothing of ours has finished.
		d.ctrl.ClearInterrupt()
		restoreInterrupts(state)
		return
	}
	d.ctrl.ClearInterrupt()
	outcome := d.seq.Complete(code)
	d.traceLocked(EvtInterrupt, d.seq.Inflight().Address, code)

	signal := false
	done := NoBuffer
	var doneErr ErrorKind
	if h := d.pool.active; h != NoBuffer {
		b := d.pool.slot(h)
		if outcome == OutcomeSuccess {
			b.Remaining -= d.chunk
			d.stats.BytesWritten += d.chunk
		} else if b.Err == NoError {
			b.Err = outcome.Kind()
		}
		if b.Err == NoError && b.Remaining > 0 {
			if err := d.issueChunkLocked(b); err != nil {
				b.Err = KindOf(err)
			}
		}
		if b.Err != NoError || b.Remaining == 0 {
			d.finishLocked(h)
			done, doneErr = h, b.Err
			signal = true
		}
	} else if d.cmdPending {
		d.cmdPending = false
		d.cmdResult = outcome.Kind()
		signal = true
	}
	restoreInterrupts(state)

	if done != NoBuffer {
		d.notify(done, doneErr.Err())
	} else if signal {
		d.done.Signal()
	}
}
