package engine

// sizing tracks one connection's download pattern for one session and
// decides when the session's chunk size should change.
type sizing struct {
	served   int64 // highest offset+size served on this connection
	requests int   // downloads in the current window
	retries  int   // downloads in the window below served
}

// observe records a download at offset and reports whether it was a retry.
func (z *sizing) observe(offset int64) bool {
	z.requests++
	if offset < z.served {
		z.retries++
		return true
	}
	return false
}

// advance moves the served high-water mark.
func (z *sizing) advance(end int64) {
	if end > z.served {
		z.served = end
	}
}

// next returns the chunk size to use given the current one. Halving applies
// once more than warmup downloads have been seen and the retry share
// exceeds ratio. With grow set, a full window without retries doubles the
// size up to ceiling. The window restarts after every change.
func (z *sizing) next(current, floor, ceiling, warmup int, ratio float64, grow bool) int {
	if z.requests <= warmup {
		return current
	}
	if float64(z.retries)/float64(z.requests) > ratio {
		z.reset()
		return max(current/2, floor)
	}
	if grow && z.retries == 0 && current < ceiling {
		z.reset()
		return min(current*2, ceiling)
	}
	return current
}

func (z *sizing) reset() {
	z.requests = 0
	z.retries = 0
}
