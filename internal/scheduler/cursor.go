package scheduler

// frameCursor yields the frames of a run in the order they must be
// processed. Loop and bounce runs never end on their own.
type frameCursor struct {
	first, last int
	step        int
	mode        PlaybackMode

	next int
	dir  Direction
	done bool
}

func newFrameCursor(args RunArgs) *frameCursor {
	c := &frameCursor{
		first: args.First,
		last:  args.Last,
		step:  args.Step,
		mode:  args.Mode,
		next:  args.Start,
		dir:   args.Direction,
	}
	if c.step <= 0 {
		c.step = 1
	}
	if c.last < c.first {
		c.done = true
	}
	if c.next < c.first || c.next > c.last {
		c.done = true
	}
	return c
}

// Next returns the next frame and advances. ok is false once a
// PlaybackOnce run is exhausted.
func (c *frameCursor) Next() (time int, dir Direction, ok bool) {
	if c.done {
		return 0, c.dir, false
	}
	time, dir = c.next, c.dir

	n := c.next + c.delta()
	if n >= c.first && n <= c.last {
		c.next = n
		return time, dir, true
	}

	switch c.mode {
	case PlaybackLoop:
		if c.dir == Forward {
			c.next = c.first
		} else {
			c.next = c.last
		}
	case PlaybackBounce:
		c.dir = c.dir.Reverse()
		n = c.next + c.delta()
		if n < c.first || n > c.last {
			// Single-frame range.
			n = c.next
		}
		c.next = n
	default:
		c.done = true
	}
	return time, dir, true
}

// Exhausted reports whether Next will return ok=false.
func (c *frameCursor) Exhausted() bool {
	return c.done
}

func (c *frameCursor) delta() int {
	if c.dir == Backward {
		return -c.step
	}
	return c.step
}
