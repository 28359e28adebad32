package engine

import "sync/atomic"

// Counters tracks protocol engine statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	Connections       atomic.Uint64 // Connections accepted
	ActiveConnections atomic.Int64  // Connections currently open
	Requests          atomic.Uint64 // Request lines received
	Checks            atomic.Uint64 // check requests answered successfully
	Downloads         atomic.Uint64 // Chunks served
	Verifies          atomic.Uint64 // Successful verifications
	VerifyFailures    atomic.Uint64 // Digest mismatches at verify
	Resumes           atomic.Uint64 // Successful resumes
	Errors            atomic.Uint64 // Error responses sent
	Retries           atomic.Uint64 // Downloads of an already-served range
	ChunkShrinks      atomic.Uint64 // Adaptive chunk size reductions
	ChunkGrows        atomic.Uint64 // Adaptive chunk size increases
	BytesServed       atomic.Uint64 // Payload bytes written
	BytesSaved        atomic.Uint64 // Bytes saved by compression
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	Connections       uint64 `json:"connections"`
	ActiveConnections int64  `json:"activeConnections"`
	Requests          uint64 `json:"requests"`
	Checks            uint64 `json:"checks"`
	Downloads         uint64 `json:"downloads"`
	Verifies          uint64 `json:"verifies"`
	VerifyFailures    uint64 `json:"verifyFailures"`
	Resumes           uint64 `json:"resumes"`
	Errors            uint64 `json:"errors"`
	Retries           uint64 `json:"retries"`
	ChunkShrinks      uint64 `json:"chunkShrinks"`
	ChunkGrows        uint64 `json:"chunkGrows"`
	BytesServed       uint64 `json:"bytesServed"`
	BytesSaved        uint64 `json:"bytesSaved"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Connections:       c.Connections.Load(),
		ActiveConnections: c.ActiveConnections.Load(),
		Requests:          c.Requests.Load(),
		Checks:            c.Checks.Load(),
		Downloads:         c.Downloads.Load(),
		Verifies:          c.Verifies.Load(),
		VerifyFailures:    c.VerifyFailures.Load(),
		Resumes:           c.Resumes.Load(),
		Errors:            c.Errors.Load(),
		Retries:           c.Retries.Load(),
		ChunkShrinks:      c.ChunkShrinks.Load(),
		ChunkGrows:        c.ChunkGrows.Load(),
		BytesServed:       c.BytesServed.Load(),
		BytesSaved:        c.BytesSaved.Load(),
	}
}

// Reset zeroes all cumulative counters. ActiveConnections is a gauge and
// is left alone.
func (c *Counters) Reset() {
	c.Connections.Store(0)
	c.Requests.Store(0)
	c.Checks.Store(0)
	c.Downloads.Store(0)
	c.Verifies.Store(0)
	c.VerifyFailures.Store(0)
	c.Resumes.Store(0)
	c.Errors.Store(0)
	c.Retries.Store(0)
	c.ChunkShrinks.Store(0)
	c.ChunkGrows.Store(0)
	c.BytesServed.Store(0)
	c.BytesSaved.Store(0)
}
