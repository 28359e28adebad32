package engine

import (
	"errors"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/server/session"
)

func (e *Engine) handleCheck(c *conn, req *codec.Request) error {
	latest, err := e.cat.Latest()
	if err != nil {
		if errors.Is(err, firmware.ErrNoFirmware) {
			return e.fail(c, req.Action, codec.Errorf(codec.CodeNoFirmware, "no firmware available"))
		}
		return e.fail(c, req.Action, codec.Errorf(codec.CodeReadError, "resolving firmware: %v", err))
	}

	s, resumed := e.reg.CreateOrResume(req.Device, latest, c.id)
	c.track(s.ID)
	e.counters.Checks.Add(1)

	kind := session.EventCreated
	if resumed {
		kind = session.EventResumed
	}
	e.notify(kind, s)
	c.log.Info("check", "current_version", req.Version, "latest_version", s.Firmware.Version.String(),
		"session_id", s.ID, "resumed", resumed, "resume_offset", s.LastOffset)

	offset := s.LastOffset
	return e.reply(c, &codec.Response{
		Status:       codec.StatusSuccess,
		Action:       codec.ActionCheck,
		Protocol:     codec.ProtocolVersion,
		Name:         s.Firmware.Name,
		Version:      s.Firmware.Version.String(),
		Size:         s.Firmware.Size,
		MD5:          s.Firmware.MD5,
		SHA256:       s.Firmware.SHA256,
		SessionID:    s.ID,
		ChunkSize:    s.ChunkSize,
		TotalChunks:  s.TotalChunks,
		ResumeOffset: &offset,
	})
}

// lookup returns the session named by req if it belongs to req.Device.
func (e *Engine) lookup(req *codec.Request) (session.Session, error) {
	s, err := e.reg.Get(req.SessionID)
	if err != nil {
		return session.Session{}, sessionError(err)
	}
	if s.DeviceID != req.Device {
		return session.Session{}, codec.Errorf(codec.CodeInvalidSession, "session %s belongs to another device", req.SessionID)
	}
	return s, nil
}

func (e *Engine) handleDownload(c *conn, req *codec.Request) error {
	s, err := e.lookup(req)
	if err != nil {
		return e.fail(c, req.Action, err)
	}
	if s.State == session.StateCompleted {
		return e.fail(c, req.Action, codec.Errorf(codec.CodeInvalidSession, "session %s already completed", s.ID))
	}
	offset := *req.Offset
	if offset >= s.Firmware.Size {
		return e.fail(c, req.Action, codec.Errorf(codec.CodeInvalidOffset, "offset %d beyond size %d", offset, s.Firmware.Size))
	}

	if s.Owner != c.id {
		if s, err = e.reg.Bind(s.ID, c.id); err != nil {
			return e.fail(c, req.Action, sessionError(err))
		}
	}

	z := c.track(s.ID)
	if z.observe(offset) {
		e.counters.Retries.Add(1)
	}
	s, err = e.adapt(c, s, z)
	if err != nil {
		return e.fail(c, req.Action, sessionError(err))
	}

	size := e.effectiveSize(s, req.Size)
	data, err := e.cat.Chunk(s.Firmware, offset, size)
	if err != nil {
		if errors.Is(err, firmware.ErrInvalidOffset) {
			return e.fail(c, req.Action, codec.Errorf(codec.CodeInvalidOffset, "%v", err))
		}
		c.log.Warn("chunk read failed", "session_id", s.ID, "offset", offset, "error", err)
		return e.fail(c, req.Action, codec.Errorf(codec.CodeReadError, "reading firmware: %v", err))
	}

	payload, compressed := data, false
	if req.Compression {
		out, ok, cerr := codec.Compress(data, e.cfg.MinCompressionSavings)
		if cerr != nil {
			c.log.Warn("compression failed, sending raw", "error", cerr)
		} else if ok {
			payload, compressed = out, true
		}
	}

	// The session accounts for the chunk before it goes out, so a resume
	// on another connection never reports less than the device may hold.
	end := offset + int64(len(data))
	s, err = e.reg.RecordChunk(s.ID, end)
	if err != nil {
		return e.fail(c, req.Action, sessionError(err))
	}
	z.advance(end)
	e.counters.Downloads.Add(1)
	e.counters.BytesServed.Add(uint64(len(payload)))
	if compressed {
		e.counters.BytesSaved.Add(uint64(len(data) - len(payload)))
	}

	h := &codec.ChunkHeader{
		Size:     len(payload),
		Offset:   offset,
		DataCRC:  codec.CRC16(data),
		Progress: codec.Percent(end, s.Firmware.Size),
		ChunkID:  s.DownloadedChunks,
	}
	if compressed {
		h.Compressed = 1
	}
	h.Seal()

	if err := c.nc.SetWriteDeadline(nowPlus(e.cfg.WriteTimeout)); err != nil && !isNoDeadline(err) {
		return err
	}
	if err := codec.WriteChunk(c.nc, h, payload); err != nil {
		return err
	}
	c.log.Debug("chunk served", "session_id", s.ID, "offset", offset, "size", len(data),
		"wire_size", len(payload), "compressed", compressed, "chunk_id", h.ChunkID)
	return nil
}

// adapt applies adaptive chunk sizing to s and returns the updated session.
func (e *Engine) adapt(c *conn, s session.Session, z *sizing) (session.Session, error) {
	floor, _ := e.reg.ChunkBounds()
	next := z.next(s.ChunkSize, floor, e.reg.DefaultChunkSize(), e.cfg.WarmupRequests, e.cfg.RetryRatio, e.cfg.GrowBack)
	if next == s.ChunkSize {
		return s, nil
	}
	updated, err := e.reg.SetChunkSize(s.ID, next)
	if err != nil {
		return s, err
	}
	if updated.ChunkSize < s.ChunkSize {
		e.counters.ChunkShrinks.Add(1)
		c.log.Info("chunk size reduced", "session_id", s.ID, "from", s.ChunkSize, "to", updated.ChunkSize)
	} else if updated.ChunkSize > s.ChunkSize {
		e.counters.ChunkGrows.Add(1)
		c.log.Info("chunk size increased", "session_id", s.ID, "from", s.ChunkSize, "to", updated.ChunkSize)
	}
	return updated, nil
}

// effectiveSize is the requested size capped by the session's chunk size
// and clamped to the configured bounds. A missing or non-positive request
// means the session's chunk size.
func (e *Engine) effectiveSize(s session.Session, requested *int) int {
	size := s.ChunkSize
	if requested != nil && *requested > 0 {
		size = min(*requested, s.ChunkSize)
	}
	lo, hi := e.reg.ChunkBounds()
	return max(lo, min(size, hi))
}

func (e *Engine) handleVerify(c *conn, req *codec.Request) error {
	s, err := e.lookup(req)
	if err != nil {
		return e.fail(c, req.Action, err)
	}
	kind, err := codec.ParseHashKind(req.HashType)
	if err != nil {
		return e.fail(c, req.Action, codec.Errorf(codec.CodeUnsupportedHash, "%v", err))
	}
	want, err := s.Firmware.Digest(kind)
	if err != nil || want == "" {
		return e.fail(c, req.Action, codec.Errorf(codec.CodeUnsupportedHash, "no %s digest for %s", kind, s.Firmware.Name))
	}
	if !codec.EqualDigest(req.Hash, want) {
		e.counters.VerifyFailures.Add(1)
		c.log.Warn("verification failed", "session_id", s.ID, "hash_type", string(kind), "got", req.Hash, "want", want)
		return e.fail(c, req.Action, codec.Errorf(codec.CodeHashMismatch, "%s digest does not match", kind))
	}

	s, err = e.reg.Complete(s.ID)
	if err != nil {
		return e.fail(c, req.Action, sessionError(err))
	}
	delete(c.sessions, s.ID)
	e.counters.Verifies.Add(1)
	e.notify(session.EventCompleted, s)

	return e.reply(c, &codec.Response{
		Status:    codec.StatusSuccess,
		Action:    codec.ActionVerify,
		SessionID: s.ID,
		Verified:  true,
	})
}

func (e *Engine) handleResume(c *conn, req *codec.Request) error {
	s, err := e.lookup(req)
	if err != nil {
		return e.fail(c, req.Action, err)
	}
	if s.State == session.StateCompleted {
		return e.fail(c, req.Action, codec.Errorf(codec.CodeInvalidSession, "session %s already completed", s.ID))
	}
	s, err = e.reg.Bind(s.ID, c.id)
	if err != nil {
		return e.fail(c, req.Action, sessionError(err))
	}
	c.track(s.ID)
	e.counters.Resumes.Add(1)
	e.notify(session.EventResumed, s)
	c.log.Info("resume", "session_id", s.ID, "last_offset", s.LastOffset, "chunks", s.DownloadedChunks)

	offset := s.LastOffset
	return e.reply(c, &codec.Response{
		Status:           codec.StatusSuccess,
		Action:           codec.ActionResume,
		Protocol:         codec.ProtocolVersion,
		SessionID:        s.ID,
		Name:             s.Firmware.Name,
		Version:          s.Firmware.Version.String(),
		Size:             s.Firmware.Size,
		MD5:              s.Firmware.MD5,
		SHA256:           s.Firmware.SHA256,
		ChunkSize:        s.ChunkSize,
		TotalChunks:      s.TotalChunks,
		LastOffset:       &offset,
		DownloadedChunks: s.DownloadedChunks,
	})
}
