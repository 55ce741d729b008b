package ecan

import "fmt"

// BusStatus is a snapshot of the error-management state machine plus
// the raw error counters. These are conditions, not errors: the driver
// keeps working through all of them except bus-off, which the hardware
// leaves on its own after 128 occurrences of 11 recessive bits.
type BusStatus struct {
	TXErrorCount uint8
	RXErrorCount uint8
	ErrorWarning bool // TEC or REC above 96
	RXWarning    bool
	TXWarning    bool
	RXBusPassive bool
	TXBusPassive bool
	TXBusOff     bool
}

// Status reads the bus condition flags and error counters.
func (c *Controller) Status() (BusStatus, error) {
	if err := c.checkInited(); err != nil {
		return BusStatus{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	intf := c.regs.Read(CiINTF)
	ec := c.regs.Read(CiEC)
	return BusStatus{
		TXErrorCount: uint8(ec >> 8),
		RXErrorCount: uint8(ec),
		ErrorWarning: intf&IntEWARN != 0,
		RXWarning:    intf&IntRXWAR != 0,
		TXWarning:    intf&IntTXWAR != 0,
		RXBusPassive: intf&IntRXBP != 0,
		TXBusPassive: intf&IntTXBP != 0,
		TXBusOff:     intf&IntTXBO != 0,
	}, nil
}

// TXStatus describes the outcome bits of one transmit buffer since the
// last Write.
type TXStatus struct {
	Pending bool // TXREQ still set
	Error   bool // bus error during transmission
	LostArb bool // lost arbitration at least once
	Aborted bool // transmission was aborted
}

// TXBufferStatus reads the result nibble of TX buffer buf.
func (c *Controller) TXBufferStatus(buf int) (TXStatus, error) {
	if err := c.checkInited(); err != nil {
		return TXStatus{}, err
	}
	if buf < 0 || buf >= TXBuffers {
		return TXStatus{}, fmt.Errorf("%w: buffer %d not a TX-capable buffer", ErrInput, buf)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.direction(buf) != DirTX {
		return TXStatus{}, fmt.Errorf("%w: buffer %d is receive", ErrInput, buf)
	}
	n := c.trNibble(buf)
	return TXStatus{
		Pending: n&TrTXREQ != 0,
		Error:   n&TrTXERR != 0,
		LostArb: n&TrTXLARB != 0,
		Aborted: n&TrTXABT != 0,
	}, nil
}

// Overflowed reports and clears the receive-overflow latch of buf. For
// BufFIFO it covers the whole FIFO region: hardware latches overflow on
// the slot at the FIFO write pointer, which can be any slot inside the
// region.
func (c *Controller) Overflowed(buf int) (bool, error) {
	if err := c.checkInited(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf == BufFIFO {
		return c.takeOVF(c.cfg.FIFOStart, c.cfg.FIFOLen), nil
	}
	if buf < 0 || buf >= Buffers {
		return false, fmt.Errorf("%w: buffer %d", ErrInput, buf)
	}
	return c.takeOVF(buf, 1), nil
}

// takeOVF reports whether any of the n latches starting at slot start
// is set and clears them. RXOVF is clear-only from software, so the
// clear writes the inverse mask instead of a read-modify-write and a
// latch set concurrently outside the range survives.
func (c *Controller) takeOVF(start, n int) bool {
	var mask [2]uint16
	for i := start; i < start+n; i++ {
		if i < 16 {
			mask[0] |= 1 << uint(i)
		} else {
			mask[1] |= 1 << uint(i-16)
		}
	}
	hit := false
	for w, reg := range [2]uint16{CiRXOVF1, CiRXOVF2} {
		if mask[w] == 0 {
			continue
		}
		if c.regs.Read(reg)&mask[w] != 0 {
			hit = true
			c.regs.Write(reg, ^mask[w])
		}
	}
	return hit
}
