package accum

// shiftThreshold bounds the updates a tier holds: once its count exceeds
// shiftThreshold, its content is pushed one tier up.
const shiftThreshold = 1000

// cascade is a three-tier running sum over a fixed-size block of float32.
// Updates land in the bottom tier; once more than shiftThreshold updates
// have landed the tier is added into the next one and zeroed. Flush forces both shifts so the top
// tier holds the complete sum.
type cascade struct {
	cur, mid, top []float32
	numIn1        float32
	numIn1k       float32
	numIn1m       float32
}

func newCascade(n int) *cascade {
	return &cascade{
		cur: make([]float32, n),
		mid: make([]float32, n),
		top: make([]float32, n),
	}
}

func (c *cascade) reset() {
	for i := range c.cur {
		c.cur[i] = 0
		c.mid[i] = 0
		c.top[i] = 0
	}
	c.numIn1, c.numIn1k, c.numIn1m = 0, 0, 0
}

// bump records one completed update and cascades if a tier is full.
func (c *cascade) bump() {
	c.numIn1++
	c.shiftUp(false)
}

// flush forces both cascade stages; afterwards top holds the full sum and
// the lower tier counters are zero.
func (c *cascade) flush() {
	c.shiftUp(true)
}

// total is the number of updates absorbed across all tiers.
func (c *cascade) total() float32 {
	return c.numIn1 + c.numIn1k + c.numIn1m
}

func (c *cascade) shiftUp(force bool) {
	if c.numIn1 > shiftThreshold || force {
		for i, v := range c.cur {
			c.mid[i] += v
			c.cur[i] = 0
		}
		c.numIn1k += c.numIn1
		c.numIn1 = 0
	}
	if c.numIn1k > shiftThreshold || force {
		for i, v := range c.mid {
			c.top[i] += v
			c.mid[i] = 0
		}
		c.numIn1m += c.numIn1k
		c.numIn1k = 0
	}
}
