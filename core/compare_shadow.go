package core

// CompareShadow mirrors the live compare register of hardware that latches
// its compare buffer at each wrap and announces the wrap by interrupt.
// The interrupt runs some time after the wrap, so a write landing between
// the two belongs to the following wrap.
//
// Write runs with interrupts disabled; Wrap runs in the wrap interrupt.
type CompareShadow struct {
	pending uint32
	latched uint32

	// value the hardware took at a wrap whose interrupt is still due
	unseen    uint32
	unseenSet bool
}

// Reset sets both the buffered and the live value, as after configuration
func (c *CompareShadow) Reset(threshold uint32) {
	c.pending = threshold
	c.latched = threshold
	c.unseenSet = false
}

// Write records a buffer write. wrapUnhandled reports that the hardware has
// wrapped since the last Wrap call and so already took the previous value.
func (c *CompareShadow) Write(threshold uint32, wrapUnhandled bool) {
	if wrapUnhandled && !c.unseenSet {
		c.unseen = c.pending
		c.unseenSet = true
	}
	c.pending = threshold
}

// Wrap is called from the wrap interrupt. taken reports whether the hardware
// consumed the buffer at this wrap.
func (c *CompareShadow) Wrap(taken bool) {
	if c.unseenSet {
		c.latched = c.unseen
		c.unseenSet = false
		return
	}
	if taken {
		c.latched = c.pending
	}
}

// Pending returns the last value written
func (c *CompareShadow) Pending() uint32 {
	return c.pending
}

// Latched returns the value the hardware is using
func (c *CompareShadow) Latched() uint32 {
	return c.latched
}
